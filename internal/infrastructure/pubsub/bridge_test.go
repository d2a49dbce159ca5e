package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/osa-run/osa/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

type sessionPayload struct {
	session string
}

func (p sessionPayload) SessionID() string { return p.session }

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBridge_FansOutToAllThreeTiers(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	br := NewBridge(bus, zap.NewNop())

	var mu sync.Mutex
	var firehose, perType, perSession int

	br.Subscribe(FirehoseTopic, func(ctx context.Context, e eventbus.Event) {
		mu.Lock()
		firehose++
		mu.Unlock()
	})
	br.Subscribe(TypeTopic("tool_call"), func(ctx context.Context, e eventbus.Event) {
		mu.Lock()
		perType++
		mu.Unlock()
	})
	br.Subscribe(SessionTopic("sess-1"), func(ctx context.Context, e eventbus.Event) {
		mu.Lock()
		perSession++
		mu.Unlock()
	})

	evt := eventbus.NewEvent("tool_call", sessionPayload{session: "sess-1"})
	br.Publish(context.Background(), evt)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firehose == 1 && perType == 1 && perSession == 1
	})
}

func TestBridge_EventWithoutSessionSkipsSessionTopic(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	br := NewBridge(bus, zap.NewNop())

	var mu sync.Mutex
	var sessionHits int
	br.Subscribe(SessionTopic(""), func(ctx context.Context, e eventbus.Event) {
		mu.Lock()
		sessionHits++
		mu.Unlock()
	})

	evt := eventbus.NewEvent("heartbeat_tick", "no session here")
	br.Publish(context.Background(), evt)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if sessionHits != 0 {
		t.Errorf("expected no session-topic delivery for sessionless payload, got %d", sessionHits)
	}
}

func TestBridge_PreservesOriginalEventType(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	br := NewBridge(bus, zap.NewNop())

	received := make(chan eventbus.Event, 1)
	br.Subscribe(FirehoseTopic, func(ctx context.Context, e eventbus.Event) {
		received <- e
	})

	br.Publish(context.Background(), eventbus.NewEvent("provider_fallback", 42))

	select {
	case e := <-received:
		if original := Unwrap(e); original.Type() != "provider_fallback" {
			t.Errorf("expected original type preserved via Unwrap, got %q", original.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
