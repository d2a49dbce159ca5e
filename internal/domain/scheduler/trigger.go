package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HandleEvent runs every enabled, non-tripped trigger whose EventType
// matches eventType. The caller subscribes this to the event bus (or the
// PubSub bridge's per-type topic) — the Scheduler itself has no bus
// dependency, so it stays testable without standing up a bus.
func (s *Scheduler) HandleEvent(ctx context.Context, eventType string, payload any) {
	for _, tr := range s.store.ListTriggers() {
		if !tr.Enabled || tr.BreakerOpen || tr.EventType != eventType {
			continue
		}
		go s.runTrigger(ctx, tr.ID, payload)
	}
}

func (s *Scheduler) runTrigger(ctx context.Context, id string, payload any) {
	var tr *Trigger
	for _, t := range s.store.ListTriggers() {
		if t.ID == id {
			tr = t
			break
		}
	}
	if tr == nil {
		return
	}

	data := map[string]any{
		"Event":     payload,
		"TriggerID": tr.ID,
		"Timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	var cmd string
	var err error
	if tr.Type == ActionCommand {
		// Every substitution is shell-escaped — a hostile payload value can
		// only ever appear as a quoted argument, never as shell syntax.
		cmd, err = renderCommandTemplate(tr.Command, data)
	} else {
		cmd, err = renderTemplate(tr.Command, data)
	}
	if err != nil {
		s.logger.Error("trigger template render failed", zap.String("trigger_id", id), zap.Error(err))
		return
	}

	var execErr error
	if tr.Type == ActionCommand {
		_, execErr = s.shell(ctx, cmd)
	} else {
		_, execErr = s.executor(ctx, tr.SessionID, cmd)
	}
	if execErr != nil {
		s.logger.Error("trigger job failed", zap.String("trigger_id", id), zap.Error(execErr))
	}

	_ = s.store.UpdateTrigger(id, func(t *Trigger) {
		recordOutcome(&t.ConsecutiveFailures, &t.BreakerOpen, execErr)
	})
}
