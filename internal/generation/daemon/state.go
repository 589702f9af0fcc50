package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/filelock"
)

// loadState reads the persisted daemon state. A missing file yields nil; an
// unreadable one is reported and also yields nil so the daemon starts fresh.
func loadState(path string, logger *slog.Logger) *domain.DaemonState {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		var st domain.DaemonState
		if err = json.Unmarshal(data, &st); err == nil {
			return &st
		}
	}
	metrics.StateCorruptTotal.WithLabelValues("daemon").Inc()
	logger.Warn("Daemon state unreadable, starting fresh", "path", path, "error", err)
	return nil
}

func saveState(path string, st *domain.DaemonState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode daemon state: %w", err)
	}
	if err := filelock.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write daemon state: %w", err)
	}
	return nil
}

// Status is a read-only view of a daemon.
type Status struct {
	Running bool
	State   *domain.DaemonState // nil when no state was ever written
}

// ReadStatus reports whether a daemon holds the state at path and what it
// last persisted. It never modifies anything.
func ReadStatus(path string) (Status, error) {
	running, err := filelock.IsLocked(lockPath(path))
	if err != nil {
		return Status{}, fmt.Errorf("probe daemon lock: %w", err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Status{Running: running}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read daemon state: %w", err)
	}
	var st domain.DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{Running: running}, fmt.Errorf("decode daemon state: %w", err)
	}
	return Status{Running: running, State: &st}, nil
}

func lockPath(statePath string) string {
	return statePath + ".lock"
}
