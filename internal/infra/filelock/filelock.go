// Package filelock provides advisory, cross-process file locks.
//
// Locks are held on a dedicated lock file (never on the data file itself) so
// that data files can be replaced atomically with rename while the lock is
// held.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is how often Lock retries a contended lock.
const DefaultPollInterval = 25 * time.Millisecond

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("file is locked by another process")

// Lock is an exclusive advisory lock on a single path.
// A Lock is not reentrant; callers must pair Lock/TryLock with Unlock.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New returns an unlocked Lock for path. The file is created on first use.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryLock attempts to take the lock without blocking.
// It returns ErrLocked if the lock is held elsewhere.
func (l *Lock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return fmt.Errorf("lock %s already held by this handle", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return err
	}

	l.file = f
	return nil
}

// Lock blocks until the lock is acquired or ctx is done. Contended locks are
// retried every poll interval (DefaultPollInterval when poll <= 0).
func (l *Lock) Lock(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	for {
		err := l.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for lock %s: %w", l.path, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// Unlock releases the lock. Safe to call when not held.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil

	return errors.Join(unlockErr, closeErr)
}

// Held reports whether this handle currently owns the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// IsLocked probes whether some other holder owns the lock at path.
// It takes and immediately releases the lock when it is free.
func IsLocked(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	probe := New(path)
	err := probe.TryLock()
	if errors.Is(err, ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, probe.Unlock()
}
