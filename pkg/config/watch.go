package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls onChange with the reloaded configuration each time path is
// written, until ctx is cancelled.  Invalid edits are logged and skipped.
// The directory is watched so that editors which replace the file are seen.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	log.Info("Watching config", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", zap.Error(err))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
				// Truncated mid-write; the write that follows triggers again.
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("Ignoring config change", zap.Error(err))
				continue
			}
			log.Info("Config reloaded", zap.String("path", path))
			onChange(cfg)
		}
	}
}
