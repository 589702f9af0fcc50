package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// CloudRequest is what the cloud transport needs to start an operation.
type CloudRequest struct {
	JobID      string
	Model      string
	InputAsset string
	Params     domain.Params
}

// Operation is the polled state of a remote long-running operation.
type Operation struct {
	Name     string
	Done     bool
	Artifact string // set when Done and Err is nil
	Err      error  // terminal failure reported by the service
}

// CloudTransport is the network session to the remote service.
type CloudTransport interface {
	Start(ctx context.Context, req CloudRequest) (string, error)
	Poll(ctx context.Context, operation string) (*Operation, error)
}

// RequestValidator is implemented by transports that can reject a request
// before it is sent. Rejected requests do not consume quota.
type RequestValidator interface {
	Validate(req CloudRequest) error
}

// Quota gates every cloud call. *budget.Tracker implements it.
type Quota interface {
	Acquire(ctx context.Context) error
}

// CloudConfig holds cloud backend configuration.
type CloudConfig struct {
	Model          string
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	Capabilities   domain.Capabilities
}

// Cloud submits jobs to the remote service.
type Cloud struct {
	transport CloudTransport
	quota     Quota
	cfg       CloudConfig
	logger    *slog.Logger
}

// NewCloud creates the cloud backend. quota may be nil for an unmetered
// service.
func NewCloud(transport CloudTransport, quota Quota, cfg CloudConfig, logger *slog.Logger) (*Cloud, error) {
	if transport == nil {
		return nil, errors.New("cloud transport is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloud{transport: transport, quota: quota, cfg: cfg, logger: logger}, nil
}

func (c *Cloud) sealed() {}

// ID returns domain.BackendCloud.
func (c *Cloud) ID() domain.BackendID { return domain.BackendCloud }

// Capabilities returns the configured limits of the remote model.
func (c *Cloud) Capabilities() domain.Capabilities { return c.cfg.Capabilities }

// Submit validates the request, acquires quota, starts the remote operation and polls it to completion.
func (c *Cloud) Submit(ctx context.Context, job *domain.GenerationJob) (*domain.Result, error) {
	start := time.Now()

	req := CloudRequest{
		JobID:      job.ID,
		Model:      c.cfg.Model,
		InputAsset: job.InputAsset,
		Params:     job.Params,
	}
	if v, ok := c.transport.(RequestValidator); ok {
		if err := v.Validate(req); err != nil {
			return nil, classify(ctx, domain.BackendCloud, "validate request", err)
		}
	}

	if c.quota != nil {
		if err := c.quota.Acquire(ctx); err != nil {
			return nil, classify(ctx, domain.BackendCloud, "acquire quota", err)
		}
	}

	attemptCtx, cancel := withAttemptTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	op, err := c.transport.Start(attemptCtx, req)
	if err != nil {
		return nil, classify(ctx, domain.BackendCloud, "start operation", err)
	}
	c.logger.Debug("Cloud operation started", "job_id", job.ID, "operation", op)

	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	limiter.Allow() // first poll waits one interval

	for {
		if err := limiter.Wait(attemptCtx); err != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("operation %s timed out after %v: %w", op, time.Since(start).Round(time.Second), context.DeadlineExceeded)
			}
			return nil, classify(ctx, domain.BackendCloud, "poll operation", err)
		}

		status, err := c.transport.Poll(attemptCtx, op)
		if err != nil {
			return nil, classify(ctx, domain.BackendCloud, "poll operation", err)
		}
		if !status.Done {
			continue
		}
		if status.Err != nil {
			return nil, classify(ctx, domain.BackendCloud, "operation failed", status.Err)
		}

		return &domain.Result{
			JobID:    job.ID,
			Backend:  domain.BackendCloud,
			Artifact: status.Artifact,
			Latency:  time.Since(start),
		}, nil
	}
}
