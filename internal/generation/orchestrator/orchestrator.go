// Package orchestrator drives a job through backend selection, retries and
// failover until it succeeds or every allowed backend is exhausted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/backend"
	"github.com/vietddude/genrelay/internal/infra/routing"
)

// Failover parameter modes.
const (
	FailoverPassthrough = "passthrough"
	FailoverAdapt       = "adapt"
)

// Recorder receives every attempt record. Recorder errors are logged and
// never fail a run.
type Recorder interface {
	RecordAttempt(ctx context.Context, rec domain.AttemptRecord) error
}

// QuotaReserver reports the wait until the cloud quota has room.
// *budget.Tracker implements it.
type QuotaReserver interface {
	Reserve(ctx context.Context) (time.Duration, error)
}

// Config holds orchestrator configuration.
type Config struct {
	FailoverParams      string        `yaml:"failover_params"`
	FailoverOnPermanent bool          `yaml:"failover_on_permanent"`
	BusyRecheck         time.Duration `yaml:"busy_recheck"`
	MaxBusyRechecks     int           `yaml:"max_busy_rechecks"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FailoverParams:  FailoverPassthrough,
	BusyRecheck:     5 * time.Second,
	MaxBusyRechecks: 60,
}

// Orchestrator runs jobs against the configured backends.
type Orchestrator struct {
	cfg       Config
	policy    *routing.Policy
	policies  map[domain.BackendID]*routing.Policy
	backends  map[domain.BackendID]backend.Backend
	quota     QuotaReserver
	recorders []Recorder
	onChange  func(Transition)
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithBackend registers a backend. A nil *Cloud or *Local is ignored so
// callers can pass optional backends unconditionally.
func WithBackend(b backend.Backend) Option {
	return func(o *Orchestrator) {
		switch v := b.(type) {
		case *backend.Cloud:
			if v == nil {
				return
			}
		case *backend.Local:
			if v == nil {
				return
			}
		case nil:
			return
		}
		o.backends[b.ID()] = b
	}
}

// WithPolicy overrides the retry policy of one backend.
func WithPolicy(id domain.BackendID, p *routing.Policy) Option {
	return func(o *Orchestrator) { o.policies[id] = p }
}

// WithQuota lets rate-limited cloud attempts wait for quota capacity.
func WithQuota(q QuotaReserver) Option {
	return func(o *Orchestrator) { o.quota = q }
}

// WithRecorders adds attempt sinks.
func WithRecorders(rs ...Recorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, rs...) }
}

// WithTransitionHook observes every state transition.
func WithTransitionHook(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.onChange = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces the wall clock and the context-aware sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.sleep = sleep
	}
}

// New creates an orchestrator.
func New(cfg Config, policy *routing.Policy, opts ...Option) (*Orchestrator, error) {
	if policy == nil {
		return nil, errors.New("retry policy is required")
	}
	switch cfg.FailoverParams {
	case "":
		cfg.FailoverParams = FailoverPassthrough
	case FailoverPassthrough, FailoverAdapt:
	default:
		return nil, fmt.Errorf("unknown failover_params %q", cfg.FailoverParams)
	}
	if cfg.BusyRecheck <= 0 {
		cfg.BusyRecheck = DefaultConfig.BusyRecheck
	}
	if cfg.MaxBusyRechecks < 0 {
		cfg.MaxBusyRechecks = 0
	}

	o := &Orchestrator{
		cfg:      cfg,
		policy:   policy,
		policies: make(map[domain.BackendID]*routing.Policy),
		backends: make(map[domain.BackendID]backend.Backend),
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.backends) == 0 {
		return nil, routing.ErrNoBackend
	}
	return o, nil
}

// Has reports whether backend id is configured.
func (o *Orchestrator) Has(id domain.BackendID) bool {
	_, ok := o.backends[id]
	return ok
}

// Run executes job to completion. On failure the error is a *FailedError,
// or wraps routing.ErrNoBackend when the preference cannot be served.
func (o *Orchestrator) Run(ctx context.Context, job *domain.GenerationJob) (*domain.Result, error) {
	r := &run{o: o, job: job, state: StateIdle}
	r.to(StateSelectingBackend, "", 0, domain.KindNone)

	plan, err := routing.Route(job.Preference, o.Has)
	if err != nil {
		r.to(StateFailed, "", 0, domain.KindPermanent)
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}

	var last *domain.BackendError
	for i, id := range plan {
		b := o.backends[id]
		if i > 0 {
			r.to(StateFailingOver, id, 0, last.Kind)
			metrics.FailoversTotal.WithLabelValues(string(plan[i-1]), string(id)).Inc()
			o.logger.Warn("Failing over",
				"job_id", job.ID,
				"from", plan[i-1],
				"to", id,
				"kind", last.Kind,
			)
		}

		res, be := r.attemptLoop(ctx, b, o.paramsFor(job, b))
		if be == nil {
			r.to(StateSucceeded, id, 0, domain.KindNone)
			o.logger.Info("Job succeeded",
				"job_id", job.ID,
				"backend", id,
				"attempts", len(r.history),
				"artifact", res.Artifact,
			)
			return res, nil
		}

		last = be
		if !o.canFailover(be.Kind) {
			break
		}
	}

	r.to(StateFailed, last.Backend, 0, last.Kind)
	failed := newFailedError(job.ID, r.history, last)
	o.logger.Error("Job failed", "job_id", job.ID, "attempts", failed.Attempts, "kind", failed.RootKind, "error", last)
	return nil, failed
}

func (o *Orchestrator) canFailover(kind domain.ErrorKind) bool {
	switch kind {
	case domain.KindTransient, domain.KindRateLimited, domain.KindResourceBusy:
		return true
	case domain.KindPermanent:
		return o.cfg.FailoverOnPermanent
	}
	return false
}

// paramsFor returns the job as submitted to b.
func (o *Orchestrator) paramsFor(job *domain.GenerationJob, b backend.Backend) *domain.GenerationJob {
	switch v := b.(type) {
	case *backend.Local:
		if o.cfg.FailoverParams == FailoverAdapt && job.Preference.Mode != domain.ModeForced {
			return job.WithParams(job.Params.AdaptTo(v.Capabilities()))
		}
	case *backend.Cloud:
	}
	return job
}

func (o *Orchestrator) policyFor(id domain.BackendID) *routing.Policy {
	if p, ok := o.policies[id]; ok && p != nil {
		return p
	}
	return o.policy
}

// retryWait is the pause after a failed attempt n of kind RateLimited or
// Transient.
func (o *Orchestrator) retryWait(ctx context.Context, b backend.Backend, be *domain.BackendError, p *routing.Policy, n int) time.Duration {
	if be.Kind != domain.KindRateLimited {
		return p.Delay(n)
	}

	var wait time.Duration
	switch b.(type) {
	case *backend.Cloud:
		if o.quota != nil {
			w, err := o.quota.Reserve(ctx)
			if err != nil {
				o.logger.Warn("Failed to read quota", "error", err)
			} else {
				wait = w
			}
		}
	case *backend.Local:
	}
	wait = max(wait, be.RetryAfter)
	if wait == 0 {
		wait = p.Delay(n)
	}
	return wait
}

func (o *Orchestrator) record(ctx context.Context, rec domain.AttemptRecord) {
	metrics.AttemptsTotal.WithLabelValues(string(rec.Backend), string(rec.Outcome), rec.Kind.String()).Inc()
	metrics.AttemptLatency.WithLabelValues(string(rec.Backend)).Observe(rec.Latency.Seconds())
	for _, r := range o.recorders {
		if err := r.RecordAttempt(ctx, rec); err != nil {
			o.logger.Warn("Failed to record attempt", "job_id", rec.JobID, "error", err)
		}
	}
}

// run is the state of one Run call.
type run struct {
	o       *Orchestrator
	job     *domain.GenerationJob
	state   State
	history []domain.AttemptRecord
}

func (r *run) to(next State, id domain.BackendID, attempt int, kind domain.ErrorKind) {
	t := Transition{JobID: r.job.ID, From: r.state, To: next, Backend: id, Attempt: attempt, Kind: kind}
	r.state = next
	metrics.TransitionsTotal.WithLabelValues(string(next)).Inc()
	r.o.logger.Debug("Orchestrator transition",
		"job_id", t.JobID,
		"from", t.From,
		"to", t.To,
		"backend", t.Backend,
		"attempt", t.Attempt,
	)
	if r.o.onChange != nil {
		r.o.onChange(t)
	}
}

// attemptLoop retries job on b until success, a non-retryable failure, or
// the attempt budget is spent. ResourceBusy rechecks do not consume attempts.
func (r *run) attemptLoop(ctx context.Context, b backend.Backend, job *domain.GenerationJob) (*domain.Result, *domain.BackendError) {
	o := r.o
	p := o.policyFor(b.ID())
	n, busy := 1, 0

	for {
		r.to(StateAttempting, b.ID(), n, domain.KindNone)

		started := o.now()
		res, err := b.Submit(ctx, job)
		rec := domain.AttemptRecord{
			JobID:     r.job.ID,
			Backend:   b.ID(),
			Attempt:   n,
			StartedAt: started.UTC(),
			Latency:   o.now().Sub(started),
		}

		if err == nil {
			rec.Outcome = domain.OutcomeSucceeded
			r.history = append(r.history, rec)
			o.record(ctx, rec)
			return res, nil
		}

		be, ok := domain.AsBackendError(err)
		if !ok {
			be = domain.NewBackendError(b.ID(), routing.Classify(err), "", err)
		}
		rec.Outcome = domain.OutcomeFailed
		rec.Kind = be.Kind
		rec.Message = be.Error()
		r.history = append(r.history, rec)
		o.record(ctx, rec)

		var wait time.Duration
		switch be.Kind {
		case domain.KindResourceBusy:
			busy++
			if busy > o.cfg.MaxBusyRechecks {
				return nil, be
			}
			wait = o.cfg.BusyRecheck
		case domain.KindTransient, domain.KindRateLimited:
			if n >= p.MaxAttempts() {
				o.logger.Warn("Attempts exhausted",
					"job_id", r.job.ID,
					"backend", b.ID(),
					"attempts", n,
					"kind", be.Kind,
				)
				return nil, be
			}
			wait = o.retryWait(ctx, b, be, p, n)
			n++
		default:
			return nil, be
		}

		r.to(StateRetrying, b.ID(), n, be.Kind)
		o.logger.Info("Retrying",
			"job_id", r.job.ID,
			"backend", b.ID(),
			"attempt", n,
			"kind", be.Kind,
			"wait", wait.Round(time.Millisecond),
		)
		if err := o.sleep(ctx, wait); err != nil {
			return nil, domain.NewBackendError(b.ID(), domain.KindCanceled, "wait canceled", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
