// Package routing decides how a failed attempt is handled and which backend
// comes next.
//
// This package contains:
//   - Policy: error classification, exponential backoff and jitter
//   - Route: backend order for a job preference
package routing

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// RetryConfig defines retry behavior for one backend.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

// DefaultRetryConfig provides sensible defaults.
// 30s, 1m, 2m, ... (Max 10m)
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    30 * time.Second,
	MaxDelay:        10 * time.Minute,
	BackoffMultiple: 2.0,
	Jitter:          0.2,
}

// Validate rejects configurations that cannot produce a sane schedule.
func (c RetryConfig) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("initial_delay must not be negative, got %v", c.InitialDelay))
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, fmt.Errorf("max_delay %v is below initial_delay %v", c.MaxDelay, c.InitialDelay))
	}
	if c.BackoffMultiple < 1 {
		errs = append(errs, fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiple))
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0,1], got %v", c.Jitter))
	}
	return errors.Join(errs...)
}

// Policy classifies failures and computes delays between attempts.
// It is safe for concurrent use.
type Policy struct {
	cfg  RetryConfig
	rand func() float64
}

// NewPolicy creates a policy. An invalid config is rejected.
func NewPolicy(cfg RetryConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &Policy{cfg: cfg, rand: rand.Float64}, nil
}

// WithJitterSource returns a copy of p drawing jitter from src, which must
// return values in [0,1).
func (p *Policy) WithJitterSource(src func() float64) *Policy {
	cp := *p
	cp.rand = src
	return &cp
}

// Config returns the policy configuration.
func (p *Policy) Config() RetryConfig {
	return p.cfg
}

// MaxAttempts is the attempt budget per backend.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Classify maps err to a failure kind.
func (p *Policy) Classify(err error) domain.ErrorKind {
	return Classify(err)
}

// Backoff returns the un-jittered delay after attempt n (1-based):
// InitialDelay * BackoffMultiple^(n-1), capped at MaxDelay.
func (p *Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiple, float64(n-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Delay returns Backoff(n) plus jitter. The jitter never exceeds a fraction
// of the gap to Backoff(n+1), so delays stay non-decreasing and capped.
func (p *Policy) Delay(n int) time.Duration {
	base := p.Backoff(n)
	if p.cfg.Jitter == 0 {
		return base
	}
	gap := p.Backoff(n+1) - base
	if gap <= 0 {
		return base
	}
	r := p.rand()
	if r < 0 || r >= 1 {
		r = 0
	}
	return base + time.Duration(p.cfg.Jitter*r*float64(gap))
}
