package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/osa-run/osa/internal/infrastructure/eventbus"
	"github.com/osa-run/osa/internal/infrastructure/pubsub"
)

// WebhookHandler accepts inbound trigger webhooks and fans them out through
// the PubSub Bridge, where the Scheduler's firehose subscription (see
// app.initEventingAndScheduler) picks them up and runs any Trigger whose
// EventType matches the URL's :event_type segment. Grounded on the
// zalo adapter's validateSignature idiom (crypto/hmac + constant-time
// compare), but verifying inbound rather than outbound payloads.
type WebhookHandler struct {
	bridge *pubsub.Bridge
	secret string
	logger *zap.Logger
}

func NewWebhookHandler(bridge *pubsub.Bridge, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{bridge: bridge, secret: secret, logger: logger.With(zap.String("handler", "webhook"))}
}

// staleWindow bounds how far a webhook's X-OSA-Timestamp may drift from
// the server clock; anything outside it is rejected as a replay.
const staleWindow = 5 * time.Minute

// Receive handles POST /api/v1/webhook/:event_type. The sender signs the
// base string "v0:<timestamp>:<raw_body>" with HMAC-SHA256 under the
// configured secret and carries the hex digest in X-OSA-Signature (prefixed
// "v0=") plus the unix timestamp in X-OSA-Timestamp. A timestamp more than
// five minutes from the server clock is rejected before the signature is
// even checked. With no secret configured, signature checking is a no-op
// (matching the zalo adapter's "empty secret means always valid" posture
// for local/dev use).
func (h *WebhookHandler) Receive(c *gin.Context) {
	eventType := c.Param("event_type")
	if eventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type is required"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if h.secret != "" {
		ts := c.GetHeader("X-OSA-Timestamp")
		if !freshTimestamp(ts, time.Now()) {
			h.logger.Warn("webhook timestamp stale or missing", zap.String("event_type", eventType))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "stale or missing timestamp"})
			return
		}
		if !h.validSignature(ts, body, c.GetHeader("X-OSA-Signature")) {
			h.logger.Warn("webhook signature rejected", zap.String("event_type", eventType))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
			return
		}
	}

	if h.bridge == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "eventing not configured"})
		return
	}

	h.bridge.Publish(c.Request.Context(), eventbus.NewEvent("webhook:"+eventType, payload))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_type": eventType})
}

func freshTimestamp(ts string, now time.Time) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(sec, 0))
	if drift < 0 {
		drift = -drift
	}
	return drift <= staleWindow
}

func (h *WebhookHandler) validSignature(ts string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
