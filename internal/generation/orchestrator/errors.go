package orchestrator

import (
	"fmt"
	"strings"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// BackendSummary aggregates the attempts made on one backend.
type BackendSummary struct {
	Backend     domain.BackendID
	Attempts    int
	LastKind    domain.ErrorKind
	LastMessage string
}

// FailedError is returned when a job exhausts every backend it may use.
type FailedError struct {
	JobID    string
	Attempts int
	RootKind domain.ErrorKind
	Backends []BackendSummary
	History  []domain.AttemptRecord
	Last     *domain.BackendError
}

func newFailedError(jobID string, history []domain.AttemptRecord, last *domain.BackendError) *FailedError {
	e := &FailedError{
		JobID:    jobID,
		Attempts: len(history),
		History:  history,
		Last:     last,
	}
	if last != nil {
		e.RootKind = last.Kind
	}

	index := make(map[domain.BackendID]int)
	for _, rec := range history {
		i, ok := index[rec.Backend]
		if !ok {
			i = len(e.Backends)
			index[rec.Backend] = i
			e.Backends = append(e.Backends, BackendSummary{Backend: rec.Backend})
		}
		s := &e.Backends[i]
		s.Attempts++
		s.LastKind = rec.Kind
		s.LastMessage = rec.Message
	}
	return e
}

func (e *FailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed after %d attempts (%s)", e.JobID, e.Attempts, e.RootKind)
	for i, s := range e.Backends {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %d attempts, last %s", s.Backend, s.Attempts, s.LastKind)
	}
	if e.Last != nil && e.Last.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Last.Message)
	}
	return b.String()
}

func (e *FailedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// Used reports whether any attempt ran on backend.
func (e *FailedError) Used(backend domain.BackendID) bool {
	for _, s := range e.Backends {
		if s.Backend == backend {
			return true
		}
	}
	return false
}
