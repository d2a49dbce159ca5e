package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// collectHandler gathers flushed messages for assertions.
type collectHandler struct {
	mu   sync.Mutex
	msgs []*IncomingMessage
}

func (c *collectHandler) handle(_ context.Context, msg *IncomingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collectHandler) wait(t *testing.T, n int, timeout time.Duration) []*IncomingMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]*IncomingMessage(nil), c.msgs...)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, got %d", n, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func tgMsg(id int, chatID int64, text string) *IncomingMessage {
	return &IncomingMessage{MessageID: id, ChatID: chatID, UserID: 7, Text: text, Timestamp: time.Now()}
}

func TestInboundBuffer_CommandsBypassBuffering(t *testing.T) {
	c := &collectHandler{}
	b := NewInboundBuffer(c.handle, zap.NewNop())

	b.Submit(context.Background(), tgMsg(1, 1, "/status"), "")

	msgs := c.wait(t, 1, time.Second)
	if msgs[0].Text != "/status" {
		t.Errorf("command should pass through unchanged, got %q", msgs[0].Text)
	}
}

func TestInboundBuffer_DebounceMergesRapidMessages(t *testing.T) {
	c := &collectHandler{}
	b := NewInboundBuffer(c.handle, zap.NewNop())

	ctx := context.Background()
	b.Submit(ctx, tgMsg(1, 1, "first part of the thought"), "")
	b.Submit(ctx, tgMsg(2, 1, "and the second part"), "")

	msgs := c.wait(t, 1, 5*time.Second)
	if len(msgs) != 1 {
		t.Fatalf("expected one merged message, got %d", len(msgs))
	}
	want := "first part of the thought\nand the second part"
	if msgs[0].Text != want {
		t.Errorf("merged text mismatch:\n got: %q\nwant: %q", msgs[0].Text, want)
	}
	if msgs[0].MessageID != 2 {
		t.Errorf("merged message should carry the last message id, got %d", msgs[0].MessageID)
	}
}

func TestInboundBuffer_FragmentsReassembleWithoutSeparator(t *testing.T) {
	c := &collectHandler{}
	b := NewInboundBuffer(c.handle, zap.NewNop())

	ctx := context.Background()
	part1 := strings.Repeat("a", fragmentStartThreshold)
	b.Submit(ctx, tgMsg(10, 1, part1), "")
	b.Submit(ctx, tgMsg(11, 1, "tail"), "")

	msgs := c.wait(t, 1, 5*time.Second)
	if msgs[0].Text != part1+"tail" {
		t.Errorf("fragments must concatenate with no separator, got len=%d", len(msgs[0].Text))
	}
}

func TestInboundBuffer_FragmentIDGapFlushesImmediately(t *testing.T) {
	c := &collectHandler{}
	b := NewInboundBuffer(c.handle, zap.NewNop())

	ctx := context.Background()
	part1 := strings.Repeat("b", fragmentStartThreshold)
	b.Submit(ctx, tgMsg(20, 1, part1), "")
	// message id jumps by 3 — not a continuation; the pending fragment
	// flushes on its own and this message merges separately.
	b.Submit(ctx, tgMsg(23, 1, "unrelated"), "")

	msgs := c.wait(t, 2, 5*time.Second)
	var sawFragment, sawUnrelated bool
	for _, m := range msgs {
		if m.Text == part1 {
			sawFragment = true
		}
		if m.Text == "unrelated" {
			sawUnrelated = true
		}
	}
	if !sawFragment || !sawUnrelated {
		t.Errorf("expected the fragment and the unrelated message delivered separately")
	}
}

func TestInboundBuffer_MediaGroupAggregates(t *testing.T) {
	c := &collectHandler{}
	b := NewInboundBuffer(c.handle, zap.NewNop())

	ctx := context.Background()
	m1 := tgMsg(30, 1, "album caption")
	m1.Media = &MediaInfo{Type: MediaTypePhoto, FileID: "f1"}
	m2 := tgMsg(31, 1, "")
	m2.Media = &MediaInfo{Type: MediaTypePhoto, FileID: "f2"}

	b.Submit(ctx, m1, "group-1")
	b.Submit(ctx, m2, "group-1")

	msgs := c.wait(t, 1, 5*time.Second)
	merged := msgs[0]
	if merged.Text != "album caption" {
		t.Errorf("captioned message should be primary, got %q", merged.Text)
	}
	if len(merged.MediaGroup) != 2 {
		t.Errorf("expected 2 media items in the group, got %d", len(merged.MediaGroup))
	}
}

func TestInboundBuffer_MediaWithoutGroupPassesThrough(t *testing.T) {
	c := &collectHandler{}
	b := NewInboundBuffer(c.handle, zap.NewNop())

	m := tgMsg(40, 1, "look at this")
	m.Media = &MediaInfo{Type: MediaTypeDocument, FileID: "f9"}
	b.Submit(context.Background(), m, "")

	msgs := c.wait(t, 1, time.Second)
	if msgs[0].Media == nil || msgs[0].Media.FileID != "f9" {
		t.Errorf("single media message should pass straight through")
	}
}
