// Package control wires configuration into running components.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vietddude/genrelay/internal/core/config"
	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/worker"
	"github.com/vietddude/genrelay/internal/generation/activity"
	"github.com/vietddude/genrelay/internal/generation/daemon"
	"github.com/vietddude/genrelay/internal/generation/orchestrator"
	"github.com/vietddude/genrelay/internal/generation/status"
	"github.com/vietddude/genrelay/internal/infra/backend"
	"github.com/vietddude/genrelay/internal/infra/budget"
	redisclient "github.com/vietddude/genrelay/internal/infra/redis"
	"github.com/vietddude/genrelay/internal/infra/routing"
	"github.com/vietddude/genrelay/internal/infra/storage/postgres"
)

// App owns every long-lived component built from one configuration.
type App struct {
	cfg      *config.AppConfig
	tracker  *budget.Tracker
	cloud    *backend.Cloud
	local    *backend.Local
	device   *backend.Device
	orch     *orchestrator.Orchestrator
	orchErr  error
	activity *activity.Log
	db       *postgres.DB
	attempts *postgres.AttemptRepo
	redis    *redisclient.Client
	log      *slog.Logger
}

// Option customizes an App.
type Option func(*appOptions)

type appOptions struct {
	cloudTransport backend.CloudTransport
	localTransport backend.LocalTransport
	orchOpts       []orchestrator.Option
	trackerOpts    []budget.Option
}

// WithCloudTransport replaces the REST transport of the cloud backend.
func WithCloudTransport(t backend.CloudTransport) Option {
	return func(o *appOptions) { o.cloudTransport = t }
}

// WithLocalTransport replaces the sidecar transport of the local backend.
func WithLocalTransport(t backend.LocalTransport) Option {
	return func(o *appOptions) { o.localTransport = t }
}

// WithOrchestratorOptions appends orchestrator options.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(o *appOptions) { o.orchOpts = append(o.orchOpts, opts...) }
}

// WithTrackerOptions appends quota tracker options.
func WithTrackerOptions(opts ...budget.Option) Option {
	return func(o *appOptions) { o.trackerOpts = append(o.trackerOpts, opts...) }
}

// New builds the application. Optional stores (Redis, Postgres) are
// connected here; a configured but unreachable store is an error.
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: logger}
	if cfg.Logging.ActivityLog != "" {
		a.activity = activity.NewLog(cfg.Logging.ActivityLog)
	}

	// 1. Quota
	store, err := a.quotaStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tracker, err = budget.NewTracker(store, budget.Config{
		Backend:      string(domain.BackendCloud),
		Windows:      cfg.Quota.Windows,
		SafetyMargin: cfg.Quota.SafetyMargin,
	}, append([]budget.Option{budget.WithLogger(logger)}, o.trackerOpts...)...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init quota tracker: %w", err)
	}

	// 2. Attempt history
	if cfg.Database.URL != "" {
		a.db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := a.db.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.attempts = postgres.NewAttemptRepo(a.db)
		logger.Info("Using PostgreSQL attempt history")
	}

	// 3. Backends
	a.device = backend.NewDevice(backend.DeviceConfig{
		Name:            cfg.Local.DeviceName,
		LockPath:        cfg.Local.LockPath,
		MinFreeMemoryMB: cfg.Local.MinFreeMemoryMB,
	})
	if err := a.buildBackends(o); err != nil {
		a.Close()
		return nil, err
	}

	// 4. Orchestrator
	a.orch, a.orchErr = a.buildOrchestrator(o)
	if a.orchErr != nil && !errors.Is(a.orchErr, routing.ErrNoBackend) {
		a.Close()
		return nil, a.orchErr
	}
	return a, nil
}

func (a *App) quotaStore() (budget.Store, error) {
	switch a.cfg.Quota.Store {
	case config.StoreRedis:
		client, err := redisclient.NewClient(a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis quota store: %w", err)
		}
		a.redis = client
		a.log.Info("Using Redis quota store", "prefix", a.cfg.Redis.KeyPrefix)
		return redisclient.NewQuotaStore(client, string(domain.BackendCloud), a.log), nil
	default:
		return budget.NewFileStore(a.cfg.Quota.Path, a.log), nil
	}
}

func (a *App) buildBackends(o appOptions) error {
	cfg := a.cfg

	cloudTransport := o.cloudTransport
	if cloudTransport == nil && cfg.Cloud.Enabled() {
		cloudTransport = backend.NewCloudHTTPTransport(backend.CloudHTTPConfig{
			BaseURL:       cfg.Cloud.BaseURL,
			APIKey:        cfg.Cloud.APIKey,
			MaxInputBytes: cfg.Cloud.MaxInputMB << 20,
			OutputDir:     cfg.Cloud.OutputDir,
			Timeout:       cfg.Cloud.RequestTimeout,
		})
	}
	if cloudTransport != nil {
		cloud, err := backend.NewCloud(cloudTransport, a.tracker, backend.CloudConfig{
			Model:          cfg.Cloud.Model,
			PollInterval:   cfg.Cloud.PollInterval,
			AttemptTimeout: cfg.Cloud.AttemptTimeout,
			Capabilities:   cfg.Cloud.Capabilities,
		}, a.log)
		if err != nil {
			return fmt.Errorf("init cloud backend: %w", err)
		}
		a.cloud = cloud
	} else {
		a.log.Info("Cloud backend disabled, no API key configured")
	}

	localTransport := o.localTransport
	if localTransport == nil && cfg.Local.Enabled() {
		localTransport = backend.NewLocalHTTPTransport(cfg.Local.URL)
	}
	if localTransport != nil {
		local, err := backend.NewLocal(localTransport, a.device, backend.LocalConfig{
			QueueWhenBusy:  cfg.Local.QueueWhenBusy,
			BusyWait:       cfg.Local.BusyWait,
			AttemptTimeout: cfg.Local.AttemptTimeout,
			OutputDir:      cfg.Local.OutputDir,
			Capabilities:   cfg.Local.Capabilities,
		}, a.log)
		if err != nil {
			return fmt.Errorf("init local backend: %w", err)
		}
		a.local = local
	} else {
		a.log.Info("Local backend disabled, no URL configured")
	}
	return nil
}

func (a *App) buildOrchestrator(o appOptions) (*orchestrator.Orchestrator, error) {
	policy, err := routing.NewPolicy(a.cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithBackend(a.cloud),
		orchestrator.WithBackend(a.local),
		orchestrator.WithQuota(a.tracker),
		orchestrator.WithLogger(a.log),
	}
	for id, rc := range map[domain.BackendID]*routing.RetryConfig{
		domain.BackendCloud: a.cfg.Cloud.Retry,
		domain.BackendLocal: a.cfg.Local.Retry,
	} {
		if rc == nil {
			continue
		}
		p, err := routing.NewPolicy(*rc)
		if err != nil {
			return nil, fmt.Errorf("%s retry policy: %w", id, err)
		}
		opts = append(opts, orchestrator.WithPolicy(id, p))
	}

	var recorders []orchestrator.Recorder
	if a.activity != nil {
		recorders = append(recorders, a.activity)
	}
	if a.attempts != nil {
		recorders = append(recorders, a.attempts)
	}
	opts = append(opts, orchestrator.WithRecorders(recorders...))

	return orchestrator.New(a.cfg.Backend.Orchestrator(), policy, append(opts, o.orchOpts...)...)
}

// Orchestrator returns the orchestrator, or an error wrapping
// routing.ErrNoBackend when neither backend is configured.
func (a *App) Orchestrator() (*orchestrator.Orchestrator, error) {
	if a.orch == nil {
		return nil, fmt.Errorf("no backend configured (set cloud.api_key or local.url): %w", a.orchErr)
	}
	return a.orch, nil
}

// Tracker returns the cloud quota tracker.
func (a *App) Tracker() *budget.Tracker {
	return a.tracker
}

// Preference returns the configured default backend preference.
func (a *App) Preference() domain.Preference {
	p, err := domain.ParsePreference(a.cfg.Backend.Preference)
	if err != nil {
		return domain.Auto()
	}
	return p
}

// Generate runs jobs with the configured parallelism.
func (a *App) Generate(ctx context.Context, jobs []*domain.GenerationJob) ([]orchestrator.BatchResult, error) {
	orch, err := a.Orchestrator()
	if err != nil {
		return nil, err
	}
	return orch.RunBatch(ctx, jobs, a.cfg.Backend.Parallelism), nil
}

// Daemon builds the continuous retry daemon.
func (a *App) Daemon(opts ...daemon.Option) (*daemon.Daemon, error) {
	orch, err := a.Orchestrator()
	if err != nil {
		return nil, err
	}
	return daemon.New(a.cfg.Daemon, orch, a.activity, append([]daemon.Option{daemon.WithLogger(a.log)}, opts...)...)
}

// Collector builds the status collector over every configured source.
func (a *App) Collector(recent int) *status.Collector {
	opts := []status.Option{
		status.WithQuota(a.tracker),
		status.WithDaemonState(a.cfg.Daemon.StatePath),
		status.WithDevice(a.device),
		status.WithLogger(a.log),
	}
	if a.activity != nil {
		opts = append(opts, status.WithActivity(a.activity.Path(), recent))
	}
	if a.db != nil {
		opts = append(opts, status.WithPinger("database", a.db.Health))
	}
	if a.redis != nil {
		opts = append(opts, status.WithPinger("redis", a.redis.Ping))
	}
	return status.NewCollector(opts...)
}

// StatusServer returns the HTTP status server, or nil when server.port is 0.
func (a *App) StatusServer() *status.Server {
	if a.cfg.Server.Port == 0 {
		return nil
	}
	return status.NewServer(a.Collector(status.DefaultRecent), ":"+strconv.Itoa(a.cfg.Server.Port), a.log)
}

// StartWorkers launches background maintenance until ctx is done.
func (a *App) StartWorkers(ctx context.Context) {
	if a.attempts != nil && a.cfg.Database.Retention > 0 {
		pruner := worker.NewPruner("generation_attempts", a.cfg.Database.Retention, a.attempts, a.log)
		a.log.Info("Starting pruner", "retention", a.cfg.Database.Retention)
		go pruner.Start(ctx)
	}
}

// Close releases store connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
