package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/metrics"
)

// LocalRequest is what the local transport needs to run inference.
type LocalRequest struct {
	JobID      string        `json:"job_id"`
	InputAsset string        `json:"input_asset"`
	Params     domain.Params `json:"params"`
	OutputDir  string        `json:"output_dir,omitempty"`
}

// LocalTransport runs one generation on the local device.
type LocalTransport interface {
	Generate(ctx context.Context, req LocalRequest) (string, error)
}

// LocalConfig holds local backend configuration.
type LocalConfig struct {
	QueueWhenBusy  bool
	BusyWait       time.Duration
	AttemptTimeout time.Duration
	OutputDir      string
	Capabilities   domain.Capabilities
}

// Local submits jobs to a local inference process.
type Local struct {
	transport LocalTransport
	device    *Device
	cfg       LocalConfig
	logger    *slog.Logger
}

// NewLocal creates the local backend.
func NewLocal(transport LocalTransport, device *Device, cfg LocalConfig, logger *slog.Logger) (*Local, error) {
	if transport == nil {
		return nil, errors.New("local transport is required")
	}
	if device == nil {
		device = NewDevice(DeviceConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{transport: transport, device: device, cfg: cfg, logger: logger}, nil
}

func (l *Local) sealed() {}

// ID returns domain.BackendLocal.
func (l *Local) ID() domain.BackendID { return domain.BackendLocal }

// Capabilities returns the local model limits used for failover adaptation.
func (l *Local) Capabilities() domain.Capabilities { return l.cfg.Capabilities }

// Device returns the device handle.
func (l *Local) Device() *Device { return l.device }

// Submit runs the job on the device, holding it exclusively for the attempt.
func (l *Local) Submit(ctx context.Context, job *domain.GenerationJob) (*domain.Result, error) {
	start := time.Now()

	var wait time.Duration
	if l.cfg.QueueWhenBusy {
		wait = l.cfg.BusyWait
	}
	release, err := l.device.Acquire(ctx, wait)
	if err != nil {
		if errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrLowMemory) {
			metrics.DeviceBusyTotal.WithLabelValues(l.device.Name()).Inc()
			return nil, domain.NewBackendError(domain.BackendLocal, domain.KindResourceBusy, "acquire device", err)
		}
		return nil, classify(ctx, domain.BackendLocal, "acquire device", err)
	}
	defer release()

	attemptCtx, cancel := withAttemptTimeout(ctx, l.cfg.AttemptTimeout)
	defer cancel()

	l.logger.Debug("Local generation started", "job_id", job.ID, "device", l.device.Name())
	artifact, err := l.transport.Generate(attemptCtx, LocalRequest{
		JobID:      job.ID,
		InputAsset: job.InputAsset,
		Params:     job.Params,
		OutputDir:  l.cfg.OutputDir,
	})
	if err != nil {
		return nil, classify(ctx, domain.BackendLocal, "generate", err)
	}
	if artifact == "" {
		return nil, domain.NewBackendError(domain.BackendLocal, domain.KindTransient, "generate",
			fmt.Errorf("transport returned no artifact"))
	}

	return &domain.Result{
		JobID:    job.ID,
		Backend:  domain.BackendLocal,
		Artifact: artifact,
		Latency:  time.Since(start),
	}, nil
}
