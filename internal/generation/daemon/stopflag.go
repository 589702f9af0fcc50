package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RequestStop asks the daemon using flagPath to stop after its current step.
func RequestStop(flagPath string) error {
	if err := os.MkdirAll(filepath.Dir(flagPath), 0o755); err != nil {
		return fmt.Errorf("create flag dir: %w", err)
	}
	content := fmt.Sprintf("stop requested at %s by pid %d\n", time.Now().UTC().Format(time.RFC3339), os.Getpid())
	if err := os.WriteFile(flagPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write stop flag: %w", err)
	}
	return nil
}

// watchStopFlag calls stop once flagPath appears. It returns when ctx is done.
func watchStopFlag(ctx context.Context, flagPath string, stop func(), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(flagPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create flag dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// the flag may have appeared before the watch was in place
	if flagExists(flagPath) {
		logger.Info("Stop flag found", "path", flagPath)
		stop()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(flagPath) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				logger.Info("Stop flag found", "path", flagPath)
				stop()
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Stop flag watcher error", "error", err)
		}
	}
}

func flagExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func clearStopFlag(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stop flag: %w", err)
	}
	return nil
}
