package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/e2openplugins/webgrab/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it is written and hands the new
// value to onChange. It blocks until ctx is done. The parent directory is
// watched so editors that replace the file by rename are picked up.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(abs)
			if err != nil {
				logging.WarningLogger.Printf("Keeping previous configuration: %v", err)
				continue
			}
			logging.InfoLogger.Printf("Reloaded configuration from %s", abs)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.ErrorLogger.Printf("Config watcher error: %v", err)
		}
	}
}
