package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjeanneret/ZeroCam/internal/debug"
)

// WatchDebounce coalesces the bursts of events editors produce on save.
const WatchDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands valid configurations to
// onChange. Invalid files are logged and skipped. It blocks until ctx is
// done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)
	debug.Verbose("Watching %s for changes", target)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debug.Trace("config event: %s", ev)
			reload = time.After(WatchDebounce)
		case <-reload:
			reload = nil
			cfg, err := Load(path)
			if err != nil {
				debug.Error(fmt.Errorf("reload %s: %w", path, err))
				continue
			}
			debug.Info("Config reloaded from %s", path)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debug.Error(fmt.Errorf("config watcher: %w", err))
		}
	}
}
