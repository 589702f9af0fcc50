package routing

import (
	"errors"
	"fmt"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// ErrNoBackend is returned when no configured backend can serve a preference.
var ErrNoBackend = errors.New("no backend available")

// Route returns the ordered backends a job may use. Auto prefers the cloud
// and falls back to local; a forced preference yields exactly one backend.
// available reports whether a backend is configured.
func Route(pref domain.Preference, available func(domain.BackendID) bool) ([]domain.BackendID, error) {
	switch pref.Mode {
	case domain.ModeForced:
		if !available(pref.Backend) {
			return nil, fmt.Errorf("backend %s: %w", pref.Backend, ErrNoBackend)
		}
		return []domain.BackendID{pref.Backend}, nil
	case domain.ModeAuto, "":
		var plan []domain.BackendID
		for _, b := range []domain.BackendID{domain.BackendCloud, domain.BackendLocal} {
			if available(b) {
				plan = append(plan, b)
			}
		}
		if len(plan) == 0 {
			return nil, ErrNoBackend
		}
		return plan, nil
	}
	return nil, fmt.Errorf("unknown selection mode %q", pref.Mode)
}
