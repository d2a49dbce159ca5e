// Package scheduler implements osa's own clock: cron-style recurring jobs,
// a HEARTBEAT.md checkbox-driven tick, and event-triggered command
// dispatch, all sharing one atomically-persisted job store and one
// per-job circuit breaker.
package scheduler

import (
	"time"
)

// JobKind distinguishes how a job is scheduled.
type JobKind string

const (
	KindCron    JobKind = "cron"
	KindTrigger JobKind = "trigger"
)

// ActionType is what a cron job or trigger actually does when it fires.
type ActionType string

const (
	// ActionAgent runs Command as a message to the agent loop.
	ActionAgent ActionType = "agent"
	// ActionCommand runs Command as a shell command, gated by shellpolicy.
	ActionCommand ActionType = "command"
	// ActionWebhook POSTs to WebhookURL. CronJob only — triggers don't
	// carry a webhook action, since they already originate from an event.
	ActionWebhook ActionType = "webhook"
)

// OnFailureMode controls what happens after a webhook action errors out.
type OnFailureMode string

const (
	// OnFailureNone does nothing beyond recording the breaker outcome.
	OnFailureNone OnFailureMode = ""
	// OnFailureAgent runs FallbackTask through the agent loop when the
	// webhook call fails, so a dead endpoint still gets handled.
	OnFailureAgent OnFailureMode = "agent"
)

// CronJob is a recurring action run on a cron schedule.
type CronJob struct {
	ID         string     `json:"id"`
	Expr       string     `json:"expr"` // standard 5-field cron expression
	Type       ActionType `json:"type"` // "agent" | "command" | "webhook"
	Command    string     `json:"command"` // template, may reference {{.Var}}; agent/command body
	WebhookURL string     `json:"webhook_url,omitempty"`
	OnFailure  OnFailureMode `json:"on_failure,omitempty"`
	FallbackTask string      `json:"fallback_task,omitempty"`
	SessionID  string     `json:"session_id"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastRun    time.Time  `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"` // "ok" | "error" | ""

	// breaker fields, persisted so a restart doesn't reset a tripped job.
	ConsecutiveFailures int  `json:"consecutive_failures"`
	BreakerOpen         bool `json:"breaker_open"`
}

// Trigger fires an action whenever an event matching EventType is
// published on the event bus, with the event payload available to the
// command template under {{.Event}}.
type Trigger struct {
	ID        string     `json:"id"`
	EventType string     `json:"event_type"`
	Type      ActionType `json:"type"` // "agent" | "command"
	Command   string     `json:"command"`
	SessionID string     `json:"session_id"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`

	ConsecutiveFailures int  `json:"consecutive_failures"`
	BreakerOpen         bool `json:"breaker_open"`
}

// HeartbeatTask is one checkbox line parsed out of HEARTBEAT.md.
type HeartbeatTask struct {
	Line      int    // 1-based source line, used to rewrite the file in place
	Text      string // task text, checkbox markup stripped
	Done      bool
	Raw       string // original line, preserved for round-trip rewriting
}

// breakerThreshold is the number of consecutive failures that trips a
// job's circuit breaker — matching the Tool Registry's hook-failure
// threshold so the whole system fails the same way everywhere.
const breakerThreshold = 3

func recordOutcome(failures *int, open *bool, err error) {
	if err == nil {
		*failures = 0
		*open = false
		return
	}
	*failures++
	if *failures >= breakerThreshold {
		*open = true
	}
}
