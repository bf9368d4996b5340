package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the new
// config to onChange. Invalid files are logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := LoadFile(path)
			if err != nil {
				slog.Error("config reload failed", "path", path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
