// Package pubsub layers a three-tier topic view on top of the flat event
// bus: every event fans out to a firehose topic, a per-session topic, and a
// per-event-type topic, so a channel adapter can subscribe at whatever
// granularity it needs without the Agent Loop or Scheduler knowing anything
// about subscribers.
package pubsub

import (
	"context"
	"fmt"

	"github.com/osa-run/osa/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

const (
	// FirehoseTopic receives every event published through the bridge.
	FirehoseTopic = "osa:events"
)

// SessionTopic returns the per-session topic name for sessionID.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("osa:session:%s", sessionID)
}

// TypeTopic returns the per-event-type topic name for eventType.
func TypeTopic(eventType string) string {
	return fmt.Sprintf("osa:type:%s", eventType)
}

// SessionPayload is implemented by event payloads that carry a session
// identity, so the bridge can route them onto their per-session topic.
// Events whose payload doesn't implement this are still published to the
// firehose and per-type topics — they simply have no session topic.
type SessionPayload interface {
	SessionID() string
}

// Bridge republishes every event it receives onto three topics: the
// firehose, a per-session topic (when the payload carries a session id),
// and a per-type topic. It is itself just a Publish-side wrapper over the
// underlying eventbus.Bus — Subscribe/Unsubscribe pass straight through.
type Bridge struct {
	bus    eventbus.Bus
	logger *zap.Logger
}

// NewBridge wraps an existing event bus with three-tier topic fan-out.
func NewBridge(bus eventbus.Bus, logger *zap.Logger) *Bridge {
	return &Bridge{bus: bus, logger: logger}
}

// Publish republishes event onto the firehose, the per-type topic derived
// from event.Type(), and — when the payload implements SessionPayload —
// the per-session topic. The underlying bus dispatches by Type(), so each
// republish wraps event with the topic as its routing Type(); handlers can
// recover the original event (with its original Type()) via Unwrap.
func (br *Bridge) Publish(ctx context.Context, event eventbus.Event) {
	br.publishOn(ctx, FirehoseTopic, event)
	br.publishOn(ctx, TypeTopic(event.Type()), event)

	if sp, ok := event.Payload().(SessionPayload); ok && sp.SessionID() != "" {
		br.publishOn(ctx, SessionTopic(sp.SessionID()), event)
	}
}

func (br *Bridge) publishOn(ctx context.Context, topic string, event eventbus.Event) {
	br.bus.Publish(ctx, topicEvent{Event: event, topic: topic})
}

// topicEvent overrides Type() so Subscribe(topic, ...) on the underlying
// bus — which dispatches by event.Type() — routes correctly. Unwrap
// recovers the original event, whose own Type() is the real event kind.
type topicEvent struct {
	eventbus.Event
	topic string
}

func (t topicEvent) Type() string          { return t.topic }
func (t topicEvent) Unwrap() eventbus.Event { return t.Event }

// Unwrap recovers the original event from a value delivered through the
// bridge. If e was not delivered by the bridge, it is returned as-is.
func Unwrap(e eventbus.Event) eventbus.Event {
	if u, ok := e.(interface{ Unwrap() eventbus.Event }); ok {
		return u.Unwrap()
	}
	return e
}

// Subscribe registers handler on one of the bridge's three topic kinds.
// Pass FirehoseTopic, SessionTopic(id), or TypeTopic(eventType).
func (br *Bridge) Subscribe(topic string, handler eventbus.Handler) {
	br.bus.Subscribe(topic, handler)
}

// Unsubscribe removes a handler previously registered via Subscribe.
func (br *Bridge) Unsubscribe(topic string, handler eventbus.Handler) {
	br.bus.Unsubscribe(topic, handler)
}

// Close shuts down the underlying bus.
func (br *Bridge) Close() {
	br.bus.Close()
}
