package pubsub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/osa-run/osa/internal/infrastructure/eventbus"
)

type sessionedPayload struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func (p sessionedPayload) SessionID() string { return p.ID }

func TestSessionLog_AppendsAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	log, err := NewSessionLog(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessionLog: %v", err)
	}
	defer log.Close()

	log.Record(eventbus.NewEvent("agent_response", sessionedPayload{ID: "s1", Body: "hello"}))
	log.Record(eventbus.NewEvent("tool_call", sessionedPayload{ID: "s1", Body: "file_read"}))
	log.Record(eventbus.NewEvent("agent_response", sessionedPayload{ID: "s2", Body: "other"}))

	entries, err := log.ReadSession("s1")
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for s1, got %d", len(entries))
	}
	if entries[0].Type != "agent_response" || entries[1].Type != "tool_call" {
		t.Errorf("entries out of order: %q then %q", entries[0].Type, entries[1].Type)
	}
}

func TestSessionLog_SkipsSessionlessEvents(t *testing.T) {
	dir := t.TempDir()
	log, err := NewSessionLog(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessionLog: %v", err)
	}
	defer log.Close()

	log.Record(eventbus.NewEvent("system_event", map[string]any{"k": "v"}))

	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Errorf("expected no files for sessionless events, got %d", len(files))
	}
}

func TestSessionLog_ReadMissingSessionIsEmpty(t *testing.T) {
	log, err := NewSessionLog(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessionLog: %v", err)
	}
	defer log.Close()

	entries, err := log.ReadSession("never-seen")
	if err != nil || entries != nil {
		t.Errorf("expected empty read, got entries=%v err=%v", entries, err)
	}
}

func TestSessionLog_SanitizesSessionIDs(t *testing.T) {
	dir := t.TempDir()
	log, err := NewSessionLog(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessionLog: %v", err)
	}
	defer log.Close()

	log.Record(eventbus.NewEvent("agent_response", sessionedPayload{ID: "../escape:1", Body: "x"}))

	if _, err := os.Stat(filepath.Join(dir, ".._escape_1.jsonl")); err != nil {
		t.Errorf("expected sanitized filename inside dir: %v", err)
	}
}

func TestSessionLog_AttachReceivesBridgeEvents(t *testing.T) {
	dir := t.TempDir()
	log, err := NewSessionLog(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSessionLog: %v", err)
	}
	defer log.Close()

	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	bridge := NewBridge(bus, zap.NewNop())
	log.Attach(bridge)

	bridge.Publish(context.Background(), eventbus.NewEvent("agent_response", sessionedPayload{ID: "s9", Body: "via bridge"}))

	// Dispatch is asynchronous; poll briefly for the write to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := log.ReadSession("s9")
		if err != nil {
			t.Fatalf("ReadSession: %v", err)
		}
		if len(entries) == 1 && entries[0].Type == "agent_response" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the bridged event in the log, got %v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
