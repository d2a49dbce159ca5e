package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// CommandExecutor runs an interpolated command string in the context of a
// session and returns its textual result. The gateway wires this to the
// same tool-execution path a channel adapter would use, so a scheduled job
// goes through the identical shell-policy and sandbox checks as a live
// chat turn.
type CommandExecutor func(ctx context.Context, sessionID, command string) (string, error)

// Scheduler runs cron ticks, trigger dispatch, and the heartbeat tick
// against a shared Store, one goroutine per tick kind.
type Scheduler struct {
	store     *Store
	gron      *gronx.Gronx
	executor  CommandExecutor
	shell     ShellRunner
	webhook   WebhookRunner
	logger    *zap.Logger
	heartbeat HeartbeatConfig

	cancel context.CancelFunc
}

// HeartbeatConfig configures the heartbeat tick; Enabled false disables it
// entirely (the Scheduler still runs cron/trigger ticks).
type HeartbeatConfig struct {
	FilePath  string
	Interval  time.Duration
	SessionID string
	Enabled   bool
	Quiet     QuietHours // nil disables quiet-hours suppression entirely
}

// New creates a Scheduler backed by store. executor must be non-nil.
func New(store *Store, executor CommandExecutor, hb HeartbeatConfig, logger *zap.Logger) *Scheduler {
	if hb.Interval == 0 {
		hb.Interval = time.Hour
	}
	if hb.FilePath == "" {
		hb.FilePath = "HEARTBEAT.md"
	}
	return &Scheduler{
		store:     store,
		gron:      gronx.New(),
		executor:  executor,
		shell:     defaultShellRunner,
		webhook:   defaultWebhookRunner,
		logger:    logger,
		heartbeat: hb,
	}
}

// Store exposes the job store so channel surfaces (the Telegram /cron
// command, the HTTP job API) mutate the same persisted set the tick loops
// read.
func (s *Scheduler) Store() *Store { return s.store }

// SetShellRunner overrides how command-type jobs execute. Tests use this to
// stub out actual subprocess execution.
func (s *Scheduler) SetShellRunner(r ShellRunner) { s.shell = r }

// SetWebhookRunner overrides how webhook-type jobs are dispatched.
func (s *Scheduler) SetWebhookRunner(r WebhookRunner) { s.webhook = r }

// Start launches the cron-tick and heartbeat-tick goroutines. Call Stop to
// halt them. Trigger dispatch is driven separately by HandleEvent, which
// the caller wires to event-bus subscriptions.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.cronLoop(ctx)
	if s.heartbeat.Enabled {
		go s.heartbeatLoop(ctx)
	}
}

// Stop halts all running tick loops.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDueCrons(ctx, now)
		}
	}
}

func (s *Scheduler) runDueCrons(ctx context.Context, now time.Time) {
	for _, job := range s.store.ListCrons() {
		if !job.Enabled || job.BreakerOpen {
			continue
		}
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			s.logger.Warn("invalid cron expression", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		go s.runCron(ctx, job.ID)
	}
}

func (s *Scheduler) runCron(ctx context.Context, id string) {
	// Re-fetch under the store's own lock so LastRun/failures reflect the
	// latest state even if the job was edited between scan and execution.
	crons := s.store.ListCrons()
	var job *CronJob
	for _, c := range crons {
		if c.ID == id {
			job = c
			break
		}
	}
	if job == nil {
		return
	}

	data := map[string]any{"JobID": job.ID, "Timestamp": time.Now().UTC().Format(time.RFC3339)}
	var cmd string
	var err error
	if job.Type == ActionCommand {
		cmd, err = renderCommandTemplate(job.Command, data)
	} else {
		cmd, err = renderTemplate(job.Command, data)
	}
	if err != nil {
		s.logger.Error("cron template render failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	_, execErr := s.dispatchCron(ctx, job, cmd)
	if execErr != nil {
		s.logger.Error("cron job failed", zap.String("job_id", id), zap.Error(execErr))
	}

	_ = s.store.UpdateCron(id, func(c *CronJob) {
		c.LastRun = time.Now().UTC()
		if execErr != nil {
			c.LastStatus = "error"
		} else {
			c.LastStatus = "ok"
		}
		recordOutcome(&c.ConsecutiveFailures, &c.BreakerOpen, execErr)
	})
}

// dispatchCron routes a fired cron job to its action runner. An empty
// Type is treated as ActionAgent for backward compatibility with jobs
// created before the type field existed.
func (s *Scheduler) dispatchCron(ctx context.Context, job *CronJob, cmd string) (string, error) {
	switch job.Type {
	case ActionCommand:
		return s.shell(ctx, cmd)
	case ActionWebhook:
		out, err := s.webhook(ctx, job.WebhookURL, map[string]any{"job_id": job.ID, "command": cmd})
		if err != nil && job.OnFailure == OnFailureAgent && job.FallbackTask != "" {
			fallbackCmd, rerr := renderTemplate(job.FallbackTask, map[string]any{"JobID": job.ID})
			if rerr == nil {
				if _, ferr := s.executor(ctx, job.SessionID, fallbackCmd); ferr != nil {
					s.logger.Error("webhook on_failure agent fallback also failed",
						zap.String("job_id", job.ID), zap.Error(ferr))
				}
			}
		}
		return out, err
	default:
		return s.executor(ctx, job.SessionID, cmd)
	}
}

// renderTemplate renders an agent-type body as-is; the rendered string is a
// message to the loop, not a shell fragment, and still passes through
// shellpolicy.Validate if the loop's shell tool is invoked on it.
func renderTemplate(tmplText string, data map[string]any) (string, error) {
	tmpl, err := template.New("job").Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// renderCommandTemplate renders a command-type body with every substituted
// value shell-quoted first, so an event payload can never break out of its
// argument position in the command line. The template text itself is
// operator-authored and rendered verbatim; only the data is escaped.
func renderCommandTemplate(tmplText string, data map[string]any) (string, error) {
	escaped := make(map[string]any, len(data))
	for k, v := range data {
		escaped[k] = shellEscapeValue(v)
	}
	return renderTemplate(tmplText, escaped)
}

// shellQuote wraps s in single quotes with embedded single quotes escaped.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellEscapeValue(v any) any {
	switch t := v.(type) {
	case string:
		return shellQuote(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = shellEscapeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = shellEscapeValue(val)
		}
		return out
	default:
		return v
	}
}
