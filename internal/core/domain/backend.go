package domain

import (
	"fmt"
	"strings"
)

// BackendID identifies a compute backend.
type BackendID string

const (
	BackendCloud BackendID = "cloud"
	BackendLocal BackendID = "local"
)

// ParseBackendID validates a backend name.
func ParseBackendID(s string) (BackendID, error) {
	switch BackendID(strings.ToLower(strings.TrimSpace(s))) {
	case BackendCloud:
		return BackendCloud, nil
	case BackendLocal:
		return BackendLocal, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// Mode is the backend selection mode of a job.
type Mode string

const (
	ModeAuto   Mode = "auto"   // cloud first, local on exhaustion
	ModeForced Mode = "forced" // one backend, no failover
)

// Preference selects which backend(s) a job may use.
type Preference struct {
	Mode    Mode      `json:"mode"`
	Backend BackendID `json:"backend,omitempty"`
}

// Auto returns the failover-enabled preference.
func Auto() Preference {
	return Preference{Mode: ModeAuto}
}

// Forced pins a job to one backend.
func Forced(b BackendID) Preference {
	return Preference{Mode: ModeForced, Backend: b}
}

// ParsePreference accepts "auto", "cloud" or "local".
func ParsePreference(s string) (Preference, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == string(ModeAuto) {
		return Auto(), nil
	}
	b, err := ParseBackendID(s)
	if err != nil {
		return Preference{}, fmt.Errorf("invalid backend preference: %w", err)
	}
	return Forced(b), nil
}

func (p Preference) String() string {
	if p.Mode == ModeForced {
		return string(p.Backend)
	}
	return string(ModeAuto)
}
