// Package daemon retries one generation job at a fixed cadence until it
// succeeds, surviving process restarts through a persisted state file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/activity"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/generation/orchestrator"
	"github.com/vietddude/genrelay/internal/infra/filelock"
	"github.com/vietddude/genrelay/internal/infra/routing"
)

// Resume policies.
const (
	ResumeContinue = "resume"
	ResumeReset    = "reset"
)

var (
	// ErrAlreadyRunning is returned when another daemon holds the state file.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrMaxDuration is returned when the daemon gives up after MaxDuration.
	ErrMaxDuration = errors.New("daemon max duration reached")
	// ErrAlreadyFailed is returned when the persisted state for the job is a
	// terminal failure. Use the reset policy to run it again.
	ErrAlreadyFailed = errors.New("job already failed")

	errStopRequested = errors.New("stop requested")
)

// Runner executes one full orchestrator run. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	Run(ctx context.Context, job *domain.GenerationJob) (*domain.Result, error)
}

// Config holds daemon configuration.
type Config struct {
	StatePath       string        `yaml:"state_path"`
	StopFlagPath    string        `yaml:"stop_flag_path"`
	Cadence         time.Duration `yaml:"cadence"`
	ResumePolicy    string        `yaml:"resume_policy"`
	StopOnPermanent bool          `yaml:"stop_on_permanent"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	MaxRuns         int           `yaml:"max_runs"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	StatePath:       "data/daemon_state.json",
	Cadence:         5 * time.Minute,
	ResumePolicy:    ResumeContinue,
	StopOnPermanent: true,
}

// StopFlag returns the stop flag path for cfg.
func (c Config) StopFlag() string {
	if c.StopFlagPath != "" {
		return c.StopFlagPath
	}
	return c.StatePath + ".stop"
}

// Daemon supervises one job across restarts.
type Daemon struct {
	cfg      Config
	runner   Runner
	activity *activity.Log
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithClock replaces the wall clock and the context-aware sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Daemon) {
		d.now = now
		d.sleep = sleep
	}
}

// New creates a daemon. log may be nil.
func New(cfg Config, runner Runner, log *activity.Log, opts ...Option) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("daemon runner is required")
	}
	if cfg.StatePath == "" {
		return nil, errors.New("daemon state path is required")
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultConfig.Cadence
	}
	switch cfg.ResumePolicy {
	case "":
		cfg.ResumePolicy = ResumeContinue
	case ResumeContinue, ResumeReset:
	default:
		return nil, fmt.Errorf("unknown resume policy %q", cfg.ResumePolicy)
	}

	d := &Daemon{
		cfg:      cfg,
		runner:   runner,
		activity: log,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Stop asks a running daemon to stop. It is safe to call at any time.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel(errStopRequested)
	}
}

// Run supervises job until it succeeds, fails permanently, is stopped, or
// MaxDuration elapses. The final persisted state is returned in every case
// except ErrAlreadyRunning. A job persisted as failed is not rerun and
// yields ErrAlreadyFailed.
func (d *Daemon) Run(ctx context.Context, job *domain.GenerationJob) (*domain.DaemonState, error) {
	lock := filelock.New(lockPath(d.cfg.StatePath))
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", d.cfg.StatePath, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("lock daemon state: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			d.logger.Warn("Failed to release daemon lock", "error", err)
		}
	}()

	if err := clearStopFlag(d.cfg.StopFlag()); err != nil {
		return nil, err
	}

	state := d.initialState(job)
	if state.Terminal {
		d.logger.Info("Job already finished, nothing to do",
			"job_id", state.Job.ID,
			"status", state.Status,
			"attempts", state.Attempt,
		)
		if state.Status == domain.DaemonFailed {
			return state, fmt.Errorf("%s after %d runs: %w", state.Job.ID, state.Attempt, ErrAlreadyFailed)
		}
		return state, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d.cfg.MaxDuration > 0 {
		var stopTimer context.CancelFunc
		runCtx, stopTimer = context.WithTimeoutCause(runCtx, d.cfg.MaxDuration, ErrMaxDuration)
		defer stopTimer()
	}

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stop := func() { cancel(errStopRequested) }
		if err := watchStopFlag(runCtx, d.cfg.StopFlag(), stop, d.logger); err != nil {
			d.logger.Warn("Stop flag disabled", "error", err)
		}
	}()
	defer wg.Wait()
	defer cancel(nil)

	d.logger.Info("Continuous retry daemon started",
		"job_id", state.Job.ID,
		"next_attempt", state.Attempt+1,
		"cadence", d.cfg.Cadence,
		"state", d.cfg.StatePath,
		"stop_flag", d.cfg.StopFlag(),
	)

	return d.loop(runCtx, state)
}

func (d *Daemon) loop(ctx context.Context, state *domain.DaemonState) (*domain.DaemonState, error) {
	for {
		if wait := state.NextAttemptAt.Sub(d.now()); !state.NextAttemptAt.IsZero() && wait > 0 {
			state.Status = domain.DaemonWaiting
			d.persist(state)
			if err := d.sleep(ctx, wait); err != nil {
				return d.interrupted(ctx, state)
			}
		}
		if ctx.Err() != nil {
			return d.interrupted(ctx, state)
		}

		state.Attempt++
		state.Status = domain.DaemonRunning
		state.NextAttemptAt = time.Time{}
		d.persist(state)

		d.logger.Info("Daemon attempt", "job_id", state.Job.ID, "attempt", state.Attempt)
		started := d.now()
		res, err := d.runner.Run(ctx, &state.Job)
		d.recordRun(state, res, err, d.now().Sub(started))

		if err == nil {
			state.Status = domain.DaemonSucceeded
			state.Terminal = true
			state.LastOutcome = domain.OutcomeSucceeded
			state.LastKind = domain.KindNone
			state.LastMessage = ""
			state.Artifact = res.Artifact
			d.persist(state)
			metrics.DaemonRunsTotal.WithLabelValues("succeeded").Inc()
			d.logger.Info("Daemon job succeeded",
				"job_id", state.Job.ID,
				"attempt", state.Attempt,
				"backend", res.Backend,
				"artifact", res.Artifact,
			)
			return state, nil
		}

		kind := kindOf(err)
		state.LastOutcome = domain.OutcomeFailed
		state.LastKind = kind
		state.LastMessage = err.Error()

		if kind == domain.KindCanceled || ctx.Err() != nil {
			return d.interrupted(ctx, state)
		}
		metrics.DaemonRunsTotal.WithLabelValues("failed").Inc()

		if kind == domain.KindPermanent && d.cfg.StopOnPermanent {
			return d.finishFailed(state, err, "permanent failure")
		}
		if d.cfg.MaxRuns > 0 && state.Attempt >= d.cfg.MaxRuns {
			return d.finishFailed(state, err, "max runs reached")
		}

		state.NextAttemptAt = d.now().Add(d.cfg.Cadence).UTC()
		state.Status = domain.DaemonWaiting
		d.persist(state)
		d.logger.Warn("Daemon attempt failed",
			"job_id", state.Job.ID,
			"attempt", state.Attempt,
			"kind", kind,
			"next_attempt_at", state.NextAttemptAt.Format(time.RFC3339),
			"error", err,
		)
	}
}

func (d *Daemon) finishFailed(state *domain.DaemonState, err error, reason string) (*domain.DaemonState, error) {
	state.Status = domain.DaemonFailed
	state.Terminal = true
	d.persist(state)
	d.logger.Error("Daemon giving up", "job_id", state.Job.ID, "attempt", state.Attempt, "reason", reason)
	return state, fmt.Errorf("daemon %s after %d runs: %w", reason, state.Attempt, err)
}

// interrupted persists a resumable state after cancellation.
func (d *Daemon) interrupted(ctx context.Context, state *domain.DaemonState) (*domain.DaemonState, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrMaxDuration) {
		state.Status = domain.DaemonExpired
		d.persist(state)
		metrics.DaemonRunsTotal.WithLabelValues("expired").Inc()
		d.logger.Warn("Daemon max duration reached", "job_id", state.Job.ID, "attempt", state.Attempt)
		return state, ErrMaxDuration
	}

	state.Status = domain.DaemonStopped
	d.persist(state)
	metrics.DaemonRunsTotal.WithLabelValues("stopped").Inc()
	d.logger.Info("Daemon stopped", "job_id", state.Job.ID, "attempt", state.Attempt, "cause", cause)
	return state, nil
}

func (d *Daemon) initialState(job *domain.GenerationJob) *domain.DaemonState {
	now := d.now().UTC()
	prev := loadState(d.cfg.StatePath, d.logger)

	if prev != nil && d.cfg.ResumePolicy == ResumeContinue && prev.Job.SameWork(*job) {
		d.logger.Info("Resuming daemon state",
			"job_id", prev.Job.ID,
			"completed_attempts", prev.Attempt,
			"status", prev.Status,
		)
		prev.PID = os.Getpid()
		prev.UpdatedAt = now
		return prev
	}
	if prev != nil {
		d.logger.Info("Starting fresh daemon state",
			"policy", d.cfg.ResumePolicy,
			"previous_job_id", prev.Job.ID,
			"previous_attempts", prev.Attempt,
		)
	}

	return &domain.DaemonState{
		Job:       *job,
		Status:    domain.DaemonRunning,
		StartedAt: now,
		UpdatedAt: now,
		PID:       os.Getpid(),
	}
}

func (d *Daemon) persist(state *domain.DaemonState) {
	state.UpdatedAt = d.now().UTC()
	if err := saveState(d.cfg.StatePath, state); err != nil {
		d.logger.Error("Failed to persist daemon state", "path", d.cfg.StatePath, "error", err)
	}
}

func (d *Daemon) recordRun(state *domain.DaemonState, res *domain.Result, err error, latency time.Duration) {
	if d.activity == nil {
		return
	}
	e := activity.Entry{
		Time:      d.now().UTC(),
		Event:     activity.EventRun,
		JobID:     state.Job.ID,
		Run:       state.Attempt,
		LatencyMS: latency.Milliseconds(),
	}
	if err == nil {
		e.Outcome = domain.OutcomeSucceeded
		e.Backend = res.Backend
		e.Artifact = res.Artifact
	} else {
		e.Outcome = domain.OutcomeFailed
		e.Kind = kindOf(err)
		e.Message = err.Error()
		var failed *orchestrator.FailedError
		if errors.As(err, &failed) && failed.Last != nil {
			e.Backend = failed.Last.Backend
		}
	}
	if err := d.activity.Append(e); err != nil {
		d.logger.Warn("Failed to append activity log", "error", err)
	}
}

func kindOf(err error) domain.ErrorKind {
	var failed *orchestrator.FailedError
	if errors.As(err, &failed) {
		return failed.RootKind
	}
	if errors.Is(err, routing.ErrNoBackend) {
		return domain.KindPermanent
	}
	return routing.Classify(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
