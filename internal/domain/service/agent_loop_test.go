package service

import (
	"context"
	"testing"

	"github.com/osa-run/osa/internal/domain/entity"
	domaintool "github.com/osa-run/osa/internal/domain/tool"
	"go.uber.org/zap"
)

// fakeLLM scripts a sequence of responses, one per call to Generate.
type fakeLLM struct {
	responses []*LLMResponse
	calls     int
}

func (f *fakeLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	if f.calls >= len(f.responses) {
		return &LLMResponse{Content: "done"}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	return f.Generate(ctx, req)
}

// fakeTools always fails a named tool and reports it as an "execute" kind
// tool so it counts toward loop detection / doom-loop tracking.
type fakeTools struct {
	fail map[string]bool
}

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	if f.fail[name] {
		return &domaintool.Result{Success: false, Output: "", Error: "boom"}, nil
	}
	return &domaintool.Result{Success: true, Output: "ok"}, nil
}

func (f *fakeTools) GetDefinitions() []domaintool.Definition { return nil }

func (f *fakeTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindExecute }

func drain(ch <-chan entity.AgentEvent) {
	for range ch {
	}
}

func TestAgentLoop_NoToolCalls_OneShot(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		{Content: "Tokyo is 9 hours ahead of UTC."},
	}}
	loop := NewAgentLoop(llm, &fakeTools{}, DefaultAgentLoopConfig(), zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "", "what time is it in Tokyo?", nil, "")
	drain(eventCh)

	if result.TotalSteps != 1 {
		t.Errorf("expected 1 step, got %d", result.TotalSteps)
	}
	if result.FinalContent == "" {
		t.Errorf("expected non-empty final content")
	}
}

func TestAgentLoop_DoomLoopHalt(t *testing.T) {
	brokenCall := func() *LLMResponse {
		return &LLMResponse{
			ToolCalls: []entity.ToolCallInfo{{ID: "c1", Name: "broken_tool", Arguments: map[string]interface{}{}}},
		}
	}
	llm := &fakeLLM{responses: []*LLMResponse{
		brokenCall(), brokenCall(), brokenCall(), brokenCall(), brokenCall(),
	}}
	cfg := DefaultAgentLoopConfig()
	cfg.LoopNameThreshold = 1000 // disable the reflection-based detector for this test
	cfg.LoopDetectThreshold = 1000
	loop := NewAgentLoop(llm, &fakeTools{fail: map[string]bool{"broken_tool": true}}, cfg, zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "", "please do the thing", nil, "")
	drain(eventCh)

	if !containsStr(result.FinalContent, "repeated-failure halt") {
		t.Fatalf("expected repeated-failure halt message, got %q", result.FinalContent)
	}
	// The streak starts at the first all-failing iteration, so with the
	// failing signature present from iteration 1 the third iteration halts.
	if result.TotalSteps != 3 {
		t.Errorf("expected halt on the 3rd iteration, got %d", result.TotalSteps)
	}
}

// The run opens with two successful tool iterations, then broken_tool
// starts failing at iteration 3: the failing signature repeats over
// iterations 3, 4, 5 and the run halts at iteration_count=5 with the
// failure streak at 3.
func TestAgentLoop_DoomLoopHalt_AfterSuccessfulIterations(t *testing.T) {
	okCall := func(id string) *LLMResponse {
		return &LLMResponse{
			ToolCalls: []entity.ToolCallInfo{{ID: id, Name: "ok_tool", Arguments: map[string]interface{}{}}},
		}
	}
	brokenCall := func(id string) *LLMResponse {
		return &LLMResponse{
			ToolCalls: []entity.ToolCallInfo{{ID: id, Name: "broken_tool", Arguments: map[string]interface{}{}}},
		}
	}
	llm := &fakeLLM{responses: []*LLMResponse{
		okCall("c1"), okCall("c2"),
		brokenCall("c3"), brokenCall("c4"), brokenCall("c5"),
	}}
	cfg := DefaultAgentLoopConfig()
	cfg.LoopNameThreshold = 1000
	cfg.LoopDetectThreshold = 1000
	loop := NewAgentLoop(llm, &fakeTools{fail: map[string]bool{"broken_tool": true}}, cfg, zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "", "please do the thing", nil, "")
	drain(eventCh)

	if !containsStr(result.FinalContent, "repeated-failure halt") {
		t.Fatalf("expected repeated-failure halt message, got %q", result.FinalContent)
	}
	if result.TotalSteps != 5 {
		t.Errorf("expected iteration_count=5 (failing signature over iterations 3,4,5), got %d", result.TotalSteps)
	}
}

func TestAgentLoop_ParallelTools_DeterministicOrder(t *testing.T) {
	llm := &fakeLLM{responses: []*LLMResponse{
		{ToolCalls: []entity.ToolCallInfo{
			{ID: "b", Name: "file_read", Arguments: map[string]interface{}{"path": "b.txt"}},
			{ID: "a", Name: "file_read", Arguments: map[string]interface{}{"path": "a.txt"}},
		}},
		{Content: "read both files"},
	}}
	loop := NewAgentLoop(llm, &fakeTools{}, DefaultAgentLoopConfig(), zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "", "read a.txt and b.txt", nil, "")

	var toolResultIDs []string
	for ev := range eventCh {
		if ev.Type == entity.EventToolResult {
			toolResultIDs = append(toolResultIDs, ev.ToolCall.ID)
		}
	}

	if len(toolResultIDs) != 2 || toolResultIDs[0] != "a" || toolResultIDs[1] != "b" {
		t.Errorf("expected tool results in lexical id order [a b], got %v", toolResultIDs)
	}
	if result.TotalSteps != 2 {
		t.Errorf("expected 2 steps, got %d", result.TotalSteps)
	}
}

func TestDoomLoopDetector_TripsOnRepeatedAllFailingSignature(t *testing.T) {
	d := NewDoomLoopDetector(3)
	names := []string{"broken_tool"}

	if tripped, streak := d.Observe(names, true); tripped || streak != 1 {
		t.Fatalf("first all-failing observation: want streak 1, no trip; got tripped=%v streak=%d", tripped, streak)
	}
	if tripped, streak := d.Observe(names, true); tripped || streak != 2 {
		t.Fatalf("second observation: want streak 2, no trip; got tripped=%v streak=%d", tripped, streak)
	}
	tripped, streak := d.Observe(names, true)
	if !tripped || streak != 3 {
		t.Fatalf("expected trip on 3rd matching observation, got tripped=%v streak=%d", tripped, streak)
	}
}

func TestDoomLoopDetector_ResetsOnSuccess(t *testing.T) {
	d := NewDoomLoopDetector(3)
	names := []string{"broken_tool"}
	d.Observe(names, true)
	d.Observe(names, true)
	if tripped, streak := d.Observe(names, false); tripped || streak != 0 {
		t.Fatalf("a successful iteration must reset the streak, got tripped=%v streak=%d", tripped, streak)
	}
	if tripped, streak := d.Observe(names, true); tripped || streak != 1 {
		t.Fatalf("streak should restart at 1 after the reset, got tripped=%v streak=%d", tripped, streak)
	}
}

func TestDoomLoopDetector_DifferentSignatureResets(t *testing.T) {
	d := NewDoomLoopDetector(3)
	d.Observe([]string{"tool_a"}, true)
	d.Observe([]string{"tool_a"}, true)
	if tripped, _ := d.Observe([]string{"tool_b"}, true); tripped {
		t.Fatalf("a differing tool signature must not continue the streak")
	}
}

func TestToolSignature_OrderIndependent(t *testing.T) {
	a := ToolSignature([]string{"x", "y"})
	b := ToolSignature([]string{"y", "x"})
	if a != b {
		t.Errorf("expected order-independent signature, got %q vs %q", a, b)
	}
}

func containsStr(s, substr string) bool {
	return len(s) >= len(substr) && findSubstring(s, substr)
}
