package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	job := &CronJob{ID: "j1", Expr: "* * * * *", Command: "echo hi", Enabled: true, CreatedAt: time.Now()}
	if err := s.AddCron(job); err != nil {
		t.Fatalf("AddCron: %v", err)
	}

	reloaded, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	crons := reloaded.ListCrons()
	if len(crons) != 1 || crons[0].ID != "j1" {
		t.Fatalf("expected reloaded store to contain job j1, got %+v", crons)
	}
}

func TestStore_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := newStoreAt(t, dir)
	_ = s.AddCron(&CronJob{ID: "a", Expr: "* * * * *", Enabled: true})

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if ok, _ := filepath.Match(".tmp-*", e.Name()); ok {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func newStoreAt(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestScheduler_CronFiresWhenDue(t *testing.T) {
	store := newTestStore(t)
	_ = store.AddCron(&CronJob{ID: "j1", Expr: "* * * * *", Command: "noop", Enabled: true})

	var mu sync.Mutex
	var runs int
	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return "ok", nil
	}

	s := New(store, exec, HeartbeatConfig{}, zap.NewNop())
	s.runDueCrons(context.Background(), time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		r := runs
		mu.Unlock()
		if r == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected cron job to fire exactly once")
}

func TestScheduler_BreakerTripsAfterThreeFailures(t *testing.T) {
	store := newTestStore(t)
	_ = store.AddCron(&CronJob{ID: "j1", Expr: "* * * * *", Command: "noop", Enabled: true})

	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		return "", errors.New("boom")
	}
	s := New(store, exec, HeartbeatConfig{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		s.runCron(context.Background(), "j1")
	}

	crons := store.ListCrons()
	if !crons[0].BreakerOpen {
		t.Fatalf("expected breaker open after 3 consecutive failures, got %+v", crons[0])
	}

	// A tripped job must not be picked up by the scan.
	var ran bool
	exec2 := func(ctx context.Context, sessionID, command string) (string, error) {
		ran = true
		return "", nil
	}
	s2 := New(store, exec2, HeartbeatConfig{}, zap.NewNop())
	s2.runDueCrons(context.Background(), time.Now())
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Errorf("expected tripped breaker to prevent execution")
	}
}

func TestScheduler_TriggerFiresOnMatchingEvent(t *testing.T) {
	store := newTestStore(t)
	_ = store.AddTrigger(&Trigger{ID: "t1", EventType: "signal_received", Command: "respond", Enabled: true})

	var mu sync.Mutex
	var gotCmd string
	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		mu.Lock()
		gotCmd = command
		mu.Unlock()
		return "", nil
	}

	s := New(store, exec, HeartbeatConfig{}, zap.NewNop())
	s.HandleEvent(context.Background(), "signal_received", map[string]string{"text": "hi"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := gotCmd
		mu.Unlock()
		if c == "respond" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected trigger to fire on matching event")
}

func TestScheduler_TriggerIgnoresNonMatchingEvent(t *testing.T) {
	store := newTestStore(t)
	_ = store.AddTrigger(&Trigger{ID: "t1", EventType: "signal_received", Command: "respond", Enabled: true})

	var ran bool
	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		ran = true
		return "", nil
	}
	s := New(store, exec, HeartbeatConfig{}, zap.NewNop())
	s.HandleEvent(context.Background(), "tool_call", nil)

	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Errorf("expected non-matching event to not fire trigger")
	}
}

func TestHeartbeat_ParseAndMarkDone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	content := "# Heartbeat\n\n- [ ] check inbox\n- [x] already done\n- [ ] water the plants\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tasks, err := ParseHeartbeatTasks(path)
	if err != nil {
		t.Fatalf("ParseHeartbeatTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Done || tasks[0].Text != "check inbox" {
		t.Errorf("unexpected task[0]: %+v", tasks[0])
	}
	if !tasks[1].Done {
		t.Errorf("expected task[1] done")
	}

	if err := MarkHeartbeatTaskDone(path, tasks[0].Line, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("MarkHeartbeatTaskDone: %v", err)
	}

	reparsed, err := ParseHeartbeatTasks(path)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reparsed[0].Done {
		t.Fatalf("expected task[0] marked done after rewrite, got %+v", reparsed[0])
	}
	if reparsed[0].Text != "check inbox" {
		t.Errorf("expected stamp stripped from Text, got %q", reparsed[0].Text)
	}
	// The untouched third task's line must be byte-identical.
	if reparsed[2].Raw != "- [ ] water the plants" {
		t.Errorf("expected untouched line preserved, got %q", reparsed[2].Raw)
	}
}

func TestHeartbeatLoop_QuietHoursSuppressesTick(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	_ = os.WriteFile(path, []byte("- [ ] should not run\n"), 0o644)

	store := newTestStore(t)
	var ran bool
	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		ran = true
		return "", nil
	}
	s := New(store, exec, HeartbeatConfig{FilePath: path, Enabled: true}, zap.NewNop())
	s.runHeartbeatTick(context.Background(), alwaysQuiet{})
	if ran {
		t.Errorf("expected quiet hours to suppress heartbeat tick")
	}
}

type alwaysQuiet struct{}

func (alwaysQuiet) IsQuiet(time.Time) (bool, error) { return true, nil }

func TestHeartbeatLoop_QuietHoursLookupFailureRunsAnyway(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	_ = os.WriteFile(path, []byte("- [ ] do the thing\n"), 0o644)

	store := newTestStore(t)
	var ran bool
	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		ran = true
		return "ok", nil
	}
	s := New(store, exec, HeartbeatConfig{FilePath: path, Enabled: true}, zap.NewNop())
	s.runHeartbeatTick(context.Background(), failingQuiet{})
	if !ran {
		t.Errorf("expected quiet-hours lookup failure to be treated as not-quiet")
	}
}

type failingQuiet struct{}

func (failingQuiet) IsQuiet(time.Time) (bool, error) { return false, errors.New("lookup down") }

func TestStore_SplitsCronsAndTriggersIntoSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	s := newStoreAt(t, dir)
	_ = s.AddCron(&CronJob{ID: "c1", Expr: "* * * * *", Enabled: true})
	_ = s.AddTrigger(&Trigger{ID: "t1", EventType: "signal_received", Enabled: true})

	if _, err := os.Stat(filepath.Join(dir, "CRONS.json")); err != nil {
		t.Errorf("expected CRONS.json to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "TRIGGERS.json")); err != nil {
		t.Errorf("expected TRIGGERS.json to exist: %v", err)
	}
}

func TestStore_MalformedCronsFileDoesNotBlockTriggers(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CRONS.json"), []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "TRIGGERS.json"), []byte(`{"triggers":[{"id":"t1","event_type":"x","enabled":true}]}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore should tolerate a malformed CRONS.json, got: %v", err)
	}
	if len(s.ListCrons()) != 0 {
		t.Errorf("expected empty in-memory cron set after malformed file, got %+v", s.ListCrons())
	}
	triggers := s.ListTriggers()
	if len(triggers) != 1 || triggers[0].ID != "t1" {
		t.Errorf("expected TRIGGERS.json to still load despite malformed CRONS.json, got %+v", triggers)
	}
}

func TestScheduler_CommandJobRoutesThroughShellRunner(t *testing.T) {
	store := newTestStore(t)
	_ = store.AddCron(&CronJob{ID: "j1", Expr: "* * * * *", Type: ActionCommand, Command: "echo hi", Enabled: true})

	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		t.Fatalf("command-type job must not use the agent executor")
		return "", nil
	}
	s := New(store, exec, HeartbeatConfig{}, zap.NewNop())

	var gotCmd string
	s.SetShellRunner(func(ctx context.Context, command string) (string, error) {
		gotCmd = command
		return "ok", nil
	})

	s.runCron(context.Background(), "j1")
	if gotCmd != "echo hi" {
		t.Errorf("expected shell runner to receive rendered command, got %q", gotCmd)
	}
}

func TestScheduler_WebhookJobFallsBackToAgentOnFailure(t *testing.T) {
	store := newTestStore(t)
	_ = store.AddCron(&CronJob{
		ID: "j1", Expr: "* * * * *", Type: ActionWebhook,
		WebhookURL: "https://example.invalid/hook", Command: "ping",
		OnFailure: OnFailureAgent, FallbackTask: "notify on-call", Enabled: true,
	})

	var fallbackRan bool
	exec := func(ctx context.Context, sessionID, command string) (string, error) {
		if command == "notify on-call" {
			fallbackRan = true
		}
		return "", nil
	}
	s := New(store, exec, HeartbeatConfig{}, zap.NewNop())
	s.SetWebhookRunner(func(ctx context.Context, target string, payload map[string]any) (string, error) {
		return "", errors.New("unreachable")
	})

	s.runCron(context.Background(), "j1")
	if !fallbackRan {
		t.Errorf("expected on_failure=agent fallback to run after webhook error")
	}
}

func TestRenderCommandTemplate_ShellEscapesSubstitutions(t *testing.T) {
	cmd, err := renderCommandTemplate("notify {{.Event}}", map[string]any{
		"Event": `"; rm -rf /; echo "`,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `notify '"; rm -rf /; echo "'`
	if cmd != want {
		t.Errorf("expected escaped substitution\n got: %s\nwant: %s", cmd, want)
	}
}

func TestRenderCommandTemplate_EscapesNestedPayloadKeys(t *testing.T) {
	cmd, err := renderCommandTemplate("deploy {{.Event.branch}}", map[string]any{
		"Event": map[string]any{"branch": "main'; reboot'"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `deploy 'main'\''; reboot'\'''`
	if cmd != want {
		t.Errorf("expected nested value escaped\n got: %s\nwant: %s", cmd, want)
	}
}

func TestStore_ReloadCronsPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = s.AddCron(&CronJob{ID: "old", Expr: "* * * * *", Command: "a", Enabled: true})

	// Simulate an external editor replacing the file wholesale.
	edited := `{"jobs":[{"id":"new","expr":"*/5 * * * *","type":"command","command":"echo hi","enabled":true}]}`
	if err := os.WriteFile(filepath.Join(dir, "CRONS.json"), []byte(edited), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.ReloadCrons()

	crons := s.ListCrons()
	if len(crons) != 1 || crons[0].ID != "new" {
		t.Fatalf("expected reloaded set to replace in-memory jobs, got %v", crons)
	}
}

func TestStore_ReloadKeepsSetOnMalformedFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = s.AddCron(&CronJob{ID: "keep", Expr: "* * * * *", Command: "a", Enabled: true})

	if err := os.WriteFile(filepath.Join(dir, "CRONS.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.ReloadCrons()

	crons := s.ListCrons()
	if len(crons) != 1 || crons[0].ID != "keep" {
		t.Fatalf("a malformed file must leave the in-memory set unchanged, got %v", crons)
	}
}
