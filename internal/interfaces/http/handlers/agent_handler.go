package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/osa-run/osa/internal/domain/entity"
	"github.com/osa-run/osa/internal/domain/service"
	"github.com/osa-run/osa/internal/domain/signal"
	"github.com/osa-run/osa/internal/infrastructure/eventbus"
	"github.com/osa-run/osa/internal/infrastructure/prompt"
	"github.com/osa-run/osa/internal/infrastructure/pubsub"
	"go.uber.org/zap"
)

// AgentHandler handles agent loop interactions with SSE streaming.
// This is the primary endpoint for the VS Code extension and Web UI.
type AgentHandler struct {
	agentLoop    *service.AgentLoop
	toolExec     service.ToolExecutor
	promptEngine *prompt.PromptEngine
	bridge       *pubsub.Bridge
	logger       *zap.Logger
}

// NewAgentHandler creates a handler for agent loop SSE streaming. bridge may
// be nil — lifecycle events simply go unpublished in that case.
func NewAgentHandler(agentLoop *service.AgentLoop, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, bridge *pubsub.Bridge, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agentLoop:    agentLoop,
		toolExec:     toolExec,
		promptEngine: promptEngine,
		bridge:       bridge,
		logger:       logger.With(zap.String("handler", "agent")),
	}
}

// publish emits an event through the PubSub Bridge if one is wired —
// tagged with sessionID so the bridge fans it out onto the session's topic
// as well as the firehose and per-type topics.
func (h *AgentHandler) publish(ctx context.Context, eventType string, sessionID string, payload any) {
	if h.bridge == nil {
		return
	}
	h.bridge.Publish(ctx, eventbus.NewEvent(eventType, sessionPayload{sessionID: sessionID, body: payload}))
}

// sessionPayload implements pubsub.SessionPayload so handler-published
// events route onto their per-session topic.
type sessionPayload struct {
	sessionID string
	body      any
}

func (p sessionPayload) SessionID() string { return p.sessionID }

var _ pubsub.SessionPayload = sessionPayload{}

// AgentRequest is the JSON body for POST /api/v1/agent
type AgentRequest struct {
	Message      string               `json:"message" binding:"required"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	Model        string               `json:"model,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	History      []service.LLMMessage `json:"history,omitempty"`
}

// SSEEvent represents a single Server-Sent Event
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// RunAgent handles POST /api/v1/agent — streams agent events via SSE
func (h *AgentHandler) RunAgent(c *gin.Context) {
	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Set SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()

	// Assemble system prompt from the prompt engine
	systemPrompt := h.assemblePrompt(req)

	h.logger.Info("Agent request received",
		zap.String("session", req.SessionID),
		zap.String("model", req.Model),
		zap.Int("history_len", len(req.History)),
		zap.Int("prompt_chars", len(systemPrompt)),
	)

	publish := func(eventType string, payload any) {
		h.publish(ctx, eventType, req.SessionID, payload)
	}

	result, eventCh, delivered := h.agentLoop.Deliver(ctx, "api", systemPrompt, req.Message, req.History, "", publish)
	if delivered.Filtered {
		data, _ := json.Marshal(gin.H{"reason": delivered.Reason, "signal": delivered.Signal})
		fmt.Fprintf(c.Writer, "event: filtered\ndata: %s\n\n", data)
		if flusher, ok := c.Writer.(http.Flusher); ok {
			flusher.Flush()
		}
		return
	}

	h.publish(ctx, "llm_request", req.SessionID, map[string]any{"message": req.Message, "model": req.Model})

	// Stream events as SSE
	flusher, _ := c.Writer.(http.Flusher)

	for event := range eventCh {
		sseEvent := h.convertEvent(event)
		data, _ := json.Marshal(sseEvent)

		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", sseEvent.Event, data)
		if flusher != nil {
			flusher.Flush()
		}
		h.publish(ctx, "agent_"+sseEvent.Event, req.SessionID, sseEvent.Data)
	}

	// Send final result
	finalData, _ := json.Marshal(map[string]interface{}{
		"content":      result.FinalContent,
		"total_steps":  result.TotalSteps,
		"total_tokens": result.TotalTokens,
		"model_used":   result.ModelUsed,
		"tools_used":   result.ToolsUsed,
	})
	fmt.Fprintf(c.Writer, "event: done\ndata: %s\n\n", finalData)
	if flusher != nil {
		flusher.Flush()
	}
	h.publish(ctx, "agent_response", req.SessionID, result)
}

// assemblePrompt builds the system prompt using the PromptEngine.
// If the request includes a custom system_prompt, it's appended.
func (h *AgentHandler) assemblePrompt(req AgentRequest) string {
	if h.promptEngine == nil {
		// Fallback: use request's system_prompt directly
		return req.SystemPrompt
	}

	// Build prompt context with runtime information
	toolNames := make([]string, 0)
	for _, d := range h.toolExec.GetDefinitions() {
		toolNames = append(toolNames, d.Name)
	}

	pctx := prompt.PromptContext{
		Channel:         "api",
		RegisteredTools: toolNames,
		ModelName:       req.Model,
		UserMessage:     req.Message,
	}

	// Assemble from SOUL + Components + Variants
	assembled := h.promptEngine.Assemble(pctx)

	// If request also has a custom system_prompt, append it
	if req.SystemPrompt != "" {
		assembled += "\n\n---\n\n## Additional Instructions\n" + req.SystemPrompt
	}

	return assembled
}

// GetTools handles GET /api/v1/agent/tools — lists available tools
func (h *AgentHandler) GetTools(c *gin.Context) {
	defs := h.toolExec.GetDefinitions()
	tools := make([]map[string]interface{}, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (h *AgentHandler) convertEvent(event entity.AgentEvent) SSEEvent {
	switch event.Type {
	case entity.EventThinking:
		return SSEEvent{Event: "thinking", Data: map[string]string{
			"content": event.Content,
		}}
	case entity.EventTextDelta:
		return SSEEvent{Event: "text_delta", Data: map[string]string{
			"content": event.Content,
		}}
	case entity.EventToolCall:
		return SSEEvent{Event: "tool_call", Data: event.ToolCall}
	case entity.EventToolResult:
		return SSEEvent{Event: "tool_result", Data: event.ToolCall}
	case entity.EventStepDone:
		return SSEEvent{Event: "step_done", Data: event.StepInfo}

	case entity.EventError:
		return SSEEvent{Event: "error", Data: map[string]string{
			"error": event.Error,
		}}
	case entity.EventCancelled:
		return SSEEvent{Event: "cancelled", Data: map[string]string{
			"error": event.Error,
		}}
	case entity.EventDone:
		return SSEEvent{Event: "complete", Data: map[string]string{
			"timestamp": event.Timestamp.Format(time.RFC3339),
		}}
	default:
		return SSEEvent{Event: "unknown", Data: event}
	}
}

// ClassifyRequest is the JSON body for POST /api/v1/classify
type ClassifyRequest struct {
	Text    string `json:"text" binding:"required"`
	Channel string `json:"channel,omitempty"`
}

// Classify handles POST /api/v1/classify — runs the signal classifier
// over text without invoking the agent loop, so channel adapters can
// inspect a message's (Mode, Genre, Type, Format, Weight) signal and
// noise-filter verdict up front.
func (h *AgentHandler) Classify(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filtered := signal.Filter(req.Text, req.Channel)
	sig := signal.Classify(req.Text, req.Channel)

	c.JSON(http.StatusOK, gin.H{
		"signal": sig,
		"noise": gin.H{
			"is_noise": filtered.IsNoise,
			"reason":   filtered.Reason,
		},
	})
}

// OrchestrateRequest is the JSON body for POST /api/v1/orchestrate.
type OrchestrateRequest struct {
	Input     string            `json:"input" binding:"required"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// OrchestrateResponse is the JSON body returned by a successful
// POST /api/v1/orchestrate call.
type OrchestrateResponse struct {
	SessionID      string        `json:"session_id"`
	Output         string        `json:"output"`
	Signal         signal.Signal `json:"signal"`
	ToolsUsed      []string      `json:"tools_used"`
	IterationCount int           `json:"iteration_count"`
	ExecutionMS    int64         `json:"execution_ms"`
}

// OrchestrateStream handles GET /api/v1/orchestrate/:session_id/stream — an
// SSE tap onto a session's event-bus traffic (agent_response, tool calls,
// signal_classified, ...) published by RunAgent/Orchestrate for that
// session. It does not itself run the loop; it only observes.
func (h *AgentHandler) OrchestrateStream(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	if h.bridge == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event bus not configured"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	msgs := make(chan eventbus.Event, 32)
	handler := func(_ context.Context, ev eventbus.Event) {
		select {
		case msgs <- ev:
		default:
			h.logger.Warn("orchestrate stream client too slow, dropping event", zap.String("session", sessionID))
		}
	}
	h.bridge.Subscribe(pubsub.SessionTopic(sessionID), handler)
	defer h.bridge.Unsubscribe(pubsub.SessionTopic(sessionID), handler)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-msgs:
			orig := pubsub.Unwrap(ev)
			data, _ := json.Marshal(orig.Payload())
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", orig.Type(), data)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Orchestrate handles POST /api/v1/orchestrate — the non-streaming,
// classify-then-run entry point: input is noise-filtered before it ever
// reaches the agent loop, and a filtered-out message short-circuits with
// 422 rather than spending a model call on it.
func (h *AgentHandler) Orchestrate(c *gin.Context) {
	var req OrchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx := c.Request.Context()
	systemPrompt := h.assemblePrompt(AgentRequest{Message: req.Input, Model: "", SessionID: sessionID})

	publish := func(eventType string, payload any) {
		h.publish(ctx, eventType, sessionID, payload)
	}

	start := time.Now()
	result, eventCh, delivered := h.agentLoop.Deliver(ctx, req.Channel, systemPrompt, req.Input, nil, "", publish)

	if delivered.Filtered {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "signal filtered as noise",
			"reason": delivered.Reason,
			"signal": delivered.Signal,
		})
		return
	}

	h.publish(ctx, "llm_request", sessionID, map[string]any{"message": req.Input})
	for range eventCh {
		// Orchestrate is non-streaming; events still flow to the bus for
		// any subscriber (PubSub bridge topics, scheduler triggers).
	}
	h.publish(ctx, "agent_response", sessionID, result)

	c.JSON(http.StatusOK, OrchestrateResponse{
		SessionID:      sessionID,
		Output:         result.FinalContent,
		Signal:         delivered.Signal,
		ToolsUsed:      result.ToolsUsed,
		IterationCount: result.TotalSteps,
		ExecutionMS:    time.Since(start).Milliseconds(),
	})
}
