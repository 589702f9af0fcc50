package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the normalized failure class shared by all backends.
type ErrorKind int

const (
	KindNone         ErrorKind = iota
	KindTransient              // server-side or network failure, retry with backoff
	KindRateLimited            // backend reported quota exhaustion
	KindPermanent              // invalid input, auth, content policy; never retried
	KindResourceBusy           // local device occupied; cheap recheck
	KindCorruptState           // persisted state unreadable
	KindCanceled               // caller or daemon cancellation
)

var kindNames = map[ErrorKind]string{
	KindNone:         "none",
	KindTransient:    "transient",
	KindRateLimited:  "rate_limited",
	KindPermanent:    "permanent",
	KindResourceBusy: "resource_busy",
	KindCorruptState: "corrupt_state",
	KindCanceled:     "canceled",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", s)
}

// Retryable reports whether another attempt on the same backend may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindResourceBusy
}

// BackendError is the only error type a backend returns from Submit.
type BackendError struct {
	Backend    BackendID
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // server hint, zero when absent
	Err        error
}

// NewBackendError wraps err with a classification.
func NewBackendError(backend BackendID, kind ErrorKind, msg string, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: kind, Message: msg, Err: err}
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Backend))
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// AsBackendError extracts a *BackendError from an error chain.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
