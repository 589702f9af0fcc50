// Package activity keeps the append-only JSONL log of attempts and daemon runs.
package activity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/filelock"
)

// Event types.
const (
	EventAttempt = "attempt"
	EventRun     = "run"
)

// Entry is one line of the activity log.
type Entry struct {
	Time      time.Time        `json:"time"`
	Event     string           `json:"event"`
	JobID     string           `json:"job_id"`
	Run       int              `json:"run,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Backend   domain.BackendID `json:"backend,omitempty"`
	Outcome   domain.Outcome   `json:"outcome"`
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message,omitempty"`
	Artifact  string           `json:"artifact,omitempty"`
	LatencyMS int64            `json:"latency_ms"`
}

// FromAttempt converts an attempt record to a log entry.
func FromAttempt(rec domain.AttemptRecord) Entry {
	return Entry{
		Time:      rec.StartedAt.Add(rec.Latency).UTC(),
		Event:     EventAttempt,
		JobID:     rec.JobID,
		Attempt:   rec.Attempt,
		Backend:   rec.Backend,
		Outcome:   rec.Outcome,
		Kind:      rec.Kind,
		Message:   rec.Message,
		LatencyMS: rec.Latency.Milliseconds(),
	}
}

// Log appends entries to a JSONL file. Appends from several processes are
// serialized with a lock file.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog returns a log writing to path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes one entry as a single line.
func (l *Log) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode activity entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	// appends are short, other writers hold the lock only briefly
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lock := filelock.New(l.path + ".lock")
	if err := lock.Lock(ctx, filelock.DefaultPollInterval); err != nil {
		return fmt.Errorf("lock activity log: %w", err)
	}
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append activity log: %w", err)
	}
	return f.Close()
}

// RecordAttempt appends an attempt entry.
func (l *Log) RecordAttempt(_ context.Context, rec domain.AttemptRecord) error {
	return l.Append(FromAttempt(rec))
}

// Tail returns the last n entries of the log at path, oldest first.
// A missing log yields no entries; malformed lines are skipped.
func Tail(path string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	return tail(f, n)
}

func tail(r io.Reader, n int) ([]Entry, error) {
	ring := make([]Entry, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read activity log: %w", err)
	}
	return ring, nil
}
