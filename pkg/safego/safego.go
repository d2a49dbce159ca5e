package safego

import (
	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery. The gateway's long-lived
// background workers (websocket hub, schedule watcher) run under it, so a
// panic in one worker is logged and that worker dies alone — the process
// and its sibling workers keep running.
//
// Usage:
//
//	safego.Go(logger, "ws-hub", func() {
//	    hub.Run(ctx)
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
