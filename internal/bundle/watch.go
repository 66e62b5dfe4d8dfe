package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is a registry that can rescan its storage.
type Reloader interface {
	Root() string
	Reload() error
}

const watchDebounce = 250 * time.Millisecond

// Watch reloads reg whenever its root directory changes, until ctx is done.
// Bursts of events are coalesced into one reload.
func Watch(ctx context.Context, reg Reloader, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create bundle watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(reg.Root()); err != nil {
		return fmt.Errorf("watch %s: %w", reg.Root(), err)
	}
	logger.Info("watching bundles dir", "root", reg.Root())

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			logger.Debug("bundles dir changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("bundle watcher error", "error", err)
		case <-timer.C:
			if err := reg.Reload(); err != nil {
				logger.Error("bundle reload failed", "root", reg.Root(), "error", err)
				continue
			}
			logger.Info("bundles reloaded", "root", reg.Root())
		}
	}
}
