package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QuietHours reports whether at is inside a configured do-not-disturb
// window. A lookup failure (Err != nil) is treated as "not quiet" —
// liveness is preserved over silence when the window can't be evaluated.
type QuietHours interface {
	IsQuiet(at time.Time) (quiet bool, err error)
}

// noQuietHours never suppresses the heartbeat tick.
type noQuietHours struct{}

func (noQuietHours) IsQuiet(time.Time) (bool, error) { return false, nil }

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	quiet := s.heartbeat.Quiet
	if quiet == nil {
		quiet = noQuietHours{}
	}

	s.runHeartbeatTick(ctx, quiet)

	ticker := time.NewTicker(s.heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runHeartbeatTick(ctx, quiet)
		}
	}
}

func (s *Scheduler) runHeartbeatTick(ctx context.Context, quiet QuietHours) {
	isQuiet, err := quiet.IsQuiet(time.Now())
	if err != nil {
		s.logger.Warn("quiet-hours lookup failed, proceeding as not-quiet", zap.Error(err))
		isQuiet = false
	}
	if isQuiet {
		s.logger.Debug("heartbeat tick suppressed by quiet hours")
		return
	}

	tasks, err := ParseHeartbeatTasks(s.heartbeat.FilePath)
	if err != nil {
		s.logger.Debug("heartbeat file not available", zap.Error(err))
		return
	}

	for _, task := range tasks {
		if task.Done {
			continue
		}
		result, execErr := s.executor(ctx, s.heartbeat.SessionID, task.Text)
		if execErr != nil {
			s.logger.Error("heartbeat task failed", zap.Int("line", task.Line), zap.Error(execErr))
			continue
		}
		if err := MarkHeartbeatTaskDone(s.heartbeat.FilePath, task.Line, time.Now()); err != nil {
			s.logger.Error("failed to mark heartbeat task done", zap.Int("line", task.Line), zap.Error(err))
		}
		s.logger.Info("heartbeat task completed", zap.Int("line", task.Line), zap.Int("result_len", len(result)))
	}
}
