package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/filelock"
)

// Store persists the quota ledger with cross-process exclusion.
type Store interface {
	// Update runs fn under the store lock. The state is written back when fn
	// returns dirty=true and no error.
	Update(ctx context.Context, fn func(s *State) (dirty bool, err error)) error
	// View runs fn under the store lock without writing.
	View(ctx context.Context, fn func(s *State) error) error
}

// FileStore keeps the ledger in a JSON file guarded by flock on <path>.lock.
type FileStore struct {
	path   string
	lock   string
	logger *slog.Logger
}

// NewFileStore creates a file-backed store. The file is created on first write.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, lock: path + ".lock", logger: logger}
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Update(ctx context.Context, fn func(*State) (bool, error)) error {
	return s.withLock(ctx, func() error {
		st := s.load()
		dirty, err := fn(st)
		if err != nil || !dirty {
			return err
		}
		return s.save(st)
	})
}

func (s *FileStore) View(ctx context.Context, fn func(*State) error) error {
	return s.withLock(ctx, func() error {
		return fn(s.load())
	})
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	l := filelock.New(s.lock)
	if err := l.Lock(ctx, filelock.DefaultPollInterval); err != nil {
		return fmt.Errorf("lock quota state: %w", err)
	}
	defer func() {
		if err := l.Unlock(); err != nil {
			s.logger.Warn("Failed to release quota lock", "path", s.lock, "error", err)
		}
	}()
	return fn()
}

// load never fails: a missing file is an empty ledger, an unreadable one is
// reported and replaced by an empty ledger on the next write.
func (s *FileStore) load() *State {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState()
	}
	if err != nil {
		s.corrupt(err)
		return NewState()
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		s.corrupt(err)
		return NewState()
	}
	if st.Version != StateVersion {
		s.corrupt(fmt.Errorf("unsupported state version %d", st.Version))
		return NewState()
	}
	if st.Backends == nil {
		st.Backends = make(map[string]*BackendState)
	}
	return st
}

func (s *FileStore) corrupt(err error) {
	metrics.StateCorruptTotal.WithLabelValues("quota").Inc()
	s.logger.Warn("Quota state unreadable, starting empty", "path", s.path, "error", err)
}

func (s *FileStore) save(st *State) error {
	st.Version = StateVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quota state: %w", err)
	}
	if err := filelock.WriteAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write quota state: %w", err)
	}
	return nil
}
