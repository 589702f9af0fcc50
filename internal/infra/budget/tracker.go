// Package budget enforces the cloud backend's call quota.
//
// This package contains:
//   - Tracker: sliding-window limiter over one or more named windows
//   - Store: persistence contract, with FileStore as the default
//   - State: the JSON ledger shared by every process on the host
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/genrelay/internal/generation/metrics"
)

// DefaultSafetyMargin is added to every computed quota wait in Acquire.
const DefaultSafetyMargin = 100 * time.Millisecond

// WindowConfig is one named sliding window.
type WindowConfig struct {
	Name   string        `yaml:"name"`
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// Config holds tracker configuration.
type Config struct {
	Backend      string
	Windows      []WindowConfig
	SafetyMargin time.Duration
}

// WindowUsage is a read-only snapshot of one window.
type WindowUsage struct {
	Backend   string
	Name      string
	Window    time.Duration
	Limit     int
	Count     int
	Remaining int           // -1 when the window is unlimited
	ResetIn   time.Duration // until the oldest record leaves the window
}

// Tracker is a persistent sliding-window rate limiter for one backend.
type Tracker struct {
	store   Store
	backend string
	windows []WindowConfig
	margin  time.Duration
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSleeper replaces the context-aware wait used by Acquire.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, cfg Config, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("quota store is required")
	}
	if cfg.Backend == "" {
		return nil, errors.New("quota backend name is required")
	}
	seen := make(map[string]bool, len(cfg.Windows))
	for _, w := range cfg.Windows {
		if w.Name == "" {
			return nil, errors.New("quota window name is required")
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("duplicate quota window %q", w.Name)
		}
		seen[w.Name] = true
		if w.Window <= 0 {
			return nil, fmt.Errorf("quota window %q: duration must be positive", w.Name)
		}
	}

	margin := cfg.SafetyMargin
	if margin < 0 {
		margin = 0
	}

	t := &Tracker{
		store:   store,
		backend: cfg.Backend,
		windows: append([]WindowConfig(nil), cfg.Windows...),
		margin:  margin,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Backend returns the backend name the tracker guards.
func (t *Tracker) Backend() string {
	return t.backend
}

// Reserve reports how long the caller must wait before a call fits into
// every window. It does not record anything.
func (t *Tracker) Reserve(ctx context.Context) (time.Duration, error) {
	var wait time.Duration
	err := t.store.Update(ctx, func(s *State) (bool, error) {
		var dirty bool
		wait, dirty = t.check(s, t.now())
		return dirty, nil
	})
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	return wait, nil
}

// Record appends a call issued now to every window.
func (t *Tracker) Record(ctx context.Context) error {
	err := t.store.Update(ctx, func(s *State) (bool, error) {
		now := t.now()
		t.check(s, now)
		t.append(s, now)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("record quota call: %w", err)
	}
	return nil
}

// Acquire blocks until a call fits, then records it. Capacity check and
// record happen under one lock hold, so concurrent processes cannot both
// take the last slot.
func (t *Tracker) Acquire(ctx context.Context) error {
	var waited time.Duration
	defer func() {
		metrics.QuotaWaitSeconds.WithLabelValues(t.backend).Observe(waited.Seconds())
	}()

	for {
		var wait time.Duration
		err := t.store.Update(ctx, func(s *State) (bool, error) {
			now := t.now()
			var dirty bool
			wait, dirty = t.check(s, now)
			if wait > 0 {
				return dirty, nil
			}
			t.append(s, now)
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("acquire quota: %w", err)
		}
		if wait == 0 {
			return nil
		}

		wait += t.margin
		t.logger.Info("Quota exhausted, waiting",
			"backend", t.backend,
			"wait", wait.Round(time.Millisecond),
		)
		if err := t.sleep(ctx, wait); err != nil {
			return fmt.Errorf("acquire quota: %w", err)
		}
		waited += wait
	}
}

// Usage returns a snapshot of every configured window.
func (t *Tracker) Usage(ctx context.Context) ([]WindowUsage, error) {
	var out []WindowUsage
	err := t.store.View(ctx, func(s *State) error {
		now := t.now()
		out = make([]WindowUsage, 0, len(t.windows))
		for _, wc := range t.windows {
			ws := s.window(t.backend, wc)
			ws.prune(now)

			u := WindowUsage{
				Backend:   t.backend,
				Name:      wc.Name,
				Window:    wc.Window,
				Limit:     wc.Limit,
				Count:     len(ws.Calls),
				Remaining: -1,
			}
			if wc.Limit > 0 {
				u.Remaining = max(wc.Limit-u.Count, 0)
			}
			if len(ws.Calls) > 0 {
				u.ResetIn = wc.Window - now.Sub(ws.Calls[0])
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}
	return out, nil
}

// Reset drops every record of this backend.
func (t *Tracker) Reset(ctx context.Context) error {
	err := t.store.Update(ctx, func(s *State) (bool, error) {
		delete(s.Backends, t.backend)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	for _, wc := range t.windows {
		metrics.QuotaUsage.WithLabelValues(t.backend, wc.Name).Set(0)
	}
	t.logger.Info("Quota reset", "backend", t.backend)
	return nil
}

// check prunes every window and returns the largest wait.
func (t *Tracker) check(s *State, now time.Time) (time.Duration, bool) {
	var (
		wait  time.Duration
		dirty bool
	)
	for _, wc := range t.windows {
		ws := s.window(t.backend, wc)
		if ws.prune(now) {
			dirty = true
		}
		wait = max(wait, ws.wait(now))
		metrics.QuotaUsage.WithLabelValues(t.backend, wc.Name).Set(float64(len(ws.Calls)))
	}
	return wait, dirty
}

func (t *Tracker) append(s *State, now time.Time) {
	for _, wc := range t.windows {
		ws := s.window(t.backend, wc)
		ws.Calls = append(ws.Calls, now.UTC())
		metrics.QuotaUsage.WithLabelValues(t.backend, wc.Name).Set(float64(len(ws.Calls)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
