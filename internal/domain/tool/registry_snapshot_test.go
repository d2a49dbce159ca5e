package tool

import (
	"context"
	"sync"
	"testing"
)

type stubTool struct {
	name string
	kind Kind
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Kind() Kind          { return s.kind }
func (s *stubTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return &Result{Output: "ok", Success: true}, nil
}

func TestRegistry_RegisterPublishesSnapshot(t *testing.T) {
	r := NewInMemoryRegistry()
	if err := r.Register(&stubTool{name: "read_file", kind: KindRead}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Has("read_file") {
		t.Fatalf("expected tool to be visible immediately after registration")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 tool in snapshot, got %d", len(r.List()))
	}
}

func TestRegistry_DuplicateRegisterFails(t *testing.T) {
	r := NewInMemoryRegistry()
	_ = r.Register(&stubTool{name: "x", kind: KindRead})
	if err := r.Register(&stubTool{name: "x", kind: KindRead}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestRegistry_UnregisterRepublishes(t *testing.T) {
	r := NewInMemoryRegistry()
	_ = r.Register(&stubTool{name: "x", kind: KindRead})
	if err := r.Unregister("x"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if r.Has("x") {
		t.Fatalf("expected tool to be gone after unregister")
	}
}

func TestRegistry_MachineToggleFiltersSnapshot(t *testing.T) {
	r := NewInMemoryRegistry()
	_ = r.RegisterWithMachine(&stubTool{name: "browser_open", kind: KindFetch}, "browser")
	if !r.Has("browser_open") {
		t.Fatalf("expected tool visible before toggle")
	}
	r.SetMachineToggle("browser", false)
	if r.Has("browser_open") {
		t.Fatalf("expected tool hidden after machine disabled")
	}
	r.SetMachineToggle("browser", true)
	if !r.Has("browser_open") {
		t.Fatalf("expected tool visible again after machine re-enabled")
	}
}

func TestRegistry_ExecuteDirectReentrant(t *testing.T) {
	r := NewInMemoryRegistry()
	_ = r.Register(&stubTool{name: "x", kind: KindRead})

	// Simulate a tool whose execution recursively calls the registry —
	// must not deadlock since reads never take writeMu.
	result, err := r.ExecuteDirect(context.Background(), "x", nil)
	if err != nil || !result.Success {
		t.Fatalf("ExecuteDirect: %+v, %v", result, err)
	}
}

func TestRegistry_ConcurrentReadWrite(t *testing.T) {
	r := NewInMemoryRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		name := string(rune('a' + i%26))
		go func(n string) {
			defer wg.Done()
			_ = r.Register(&stubTool{name: n + "_w", kind: KindRead})
		}(name)
		go func() {
			defer wg.Done()
			_ = r.List()
			_ = r.Has("anything")
		}()
	}
	wg.Wait()
}
