package scheduler

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the job store when CRONS.json or TRIGGERS.json is
// rewritten outside the gateway (hand-edited, synced, or written by another
// tool). The store's own atomic writes also land here, which is harmless —
// a reload right after a persist is a no-op.
type Watcher struct {
	store  *Store
	fs     *fsnotify.Watcher
	logger *zap.Logger
}

// NewWatcher watches the store's directory. Watching the directory rather
// than the files themselves survives the temp-file-then-rename pattern,
// which replaces the inode a per-file watch would be pinned to.
func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(store.Dir()); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{store: store, fs: fs, logger: logger.With(zap.String("component", "schedule-watcher"))}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			switch filepath.Base(ev.Name) {
			case "CRONS.json":
				w.logger.Info("CRONS.json changed on disk, reloading")
				w.store.ReloadCrons()
			case "TRIGGERS.json":
				w.logger.Info("TRIGGERS.json changed on disk, reloading")
				w.store.ReloadTriggers()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("schedule watcher error", zap.Error(err))
		}
	}
}
