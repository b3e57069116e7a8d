package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads hot-reloadable config fields whenever the file changes.
// Editors replace files rather than writing in place, so the parent directory
// is watched and events are debounced. Returns once ctx is cancelled.
func Watch(ctx context.Context, cfg *Config, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Base(path)
	var pending *time.Timer
	reload := func() {
		if err := cfg.Reload(path); err != nil {
			slog.Warn("config reload failed", "path", path, "error", err)
			return
		}
		slog.Info("config reloaded", "path", path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Debug("config watcher error", "error", err)
		}
	}
}
