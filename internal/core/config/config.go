package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/daemon"
	"github.com/vietddude/genrelay/internal/generation/orchestrator"
	"github.com/vietddude/genrelay/internal/infra/budget"
	redisclient "github.com/vietddude/genrelay/internal/infra/redis"
	"github.com/vietddude/genrelay/internal/infra/routing"
	"github.com/vietddude/genrelay/internal/infra/storage/postgres"
)

// Quota store kinds.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logging  LoggingConfig       `yaml:"logging"`
	Quota    QuotaConfig         `yaml:"quota"`
	Retry    routing.RetryConfig `yaml:"retry"`
	Backend  BackendConfig       `yaml:"backend"`
	Cloud    CloudConfig         `yaml:"cloud"`
	Local    LocalConfig         `yaml:"local"`
	Daemon   daemon.Config       `yaml:"daemon"`
	Redis    redisclient.Config  `yaml:"redis"`
	Database postgres.Config     `yaml:"database"`
}

// ServerConfig holds status server settings. Port 0 disables the server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	ActivityLog string `yaml:"activity_log"`
}

// QuotaConfig holds the cloud quota settings.
type QuotaConfig struct {
	Store        string                `yaml:"store"` // file or redis
	Path         string                `yaml:"path"`
	SafetyMargin time.Duration         `yaml:"safety_margin"`
	Windows      []budget.WindowConfig `yaml:"windows"`
}

// BackendConfig holds backend selection and failover settings.
type BackendConfig struct {
	Preference          string        `yaml:"preference"` // auto, cloud, local
	FailoverParams      string        `yaml:"failover_params"`
	FailoverOnPermanent bool          `yaml:"failover_on_permanent"`
	BusyRecheck         time.Duration `yaml:"busy_recheck"`
	MaxBusyRechecks     int           `yaml:"max_busy_rechecks"`
	Parallelism         int           `yaml:"parallelism"`
}

// Orchestrator converts the section to orchestrator settings.
func (b BackendConfig) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		FailoverParams:      b.FailoverParams,
		FailoverOnPermanent: b.FailoverOnPermanent,
		BusyRecheck:         b.BusyRecheck,
		MaxBusyRechecks:     b.MaxBusyRechecks,
	}
}

// CloudConfig holds the cloud backend settings. An empty APIKey disables it.
type CloudConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	PollInterval   time.Duration        `yaml:"poll_interval"`
	AttemptTimeout time.Duration        `yaml:"attempt_timeout"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	MaxInputMB     int64                `yaml:"max_input_mb"`
	OutputDir      string               `yaml:"output_dir"`
	Capabilities   domain.Capabilities  `yaml:"capabilities"`
	Retry          *routing.RetryConfig `yaml:"retry"` // overrides the top-level retry section
}

// Enabled reports whether the cloud backend is configured.
func (c CloudConfig) Enabled() bool {
	return c.APIKey != ""
}

// LocalConfig holds the local backend settings. An empty URL disables it.
type LocalConfig struct {
	URL             string               `yaml:"url"`
	DeviceName      string               `yaml:"device_name"`
	LockPath        string               `yaml:"lock_path"`
	MinFreeMemoryMB uint64               `yaml:"min_free_memory_mb"`
	QueueWhenBusy   bool                 `yaml:"queue_when_busy"`
	BusyWait        time.Duration        `yaml:"busy_wait"`
	AttemptTimeout  time.Duration        `yaml:"attempt_timeout"`
	OutputDir       string               `yaml:"output_dir"`
	Capabilities    domain.Capabilities  `yaml:"capabilities"`
	Retry           *routing.RetryConfig `yaml:"retry"`
}

// Enabled reports whether the local backend is configured.
func (c LocalConfig) Enabled() bool {
	return c.URL != ""
}

// Default returns the configuration used for every key the file omits.
func Default() AppConfig {
	return AppConfig{
		Server:  ServerConfig{Port: 0},
		Logging: LoggingConfig{Level: "info", ActivityLog: "data/activity.jsonl"},
		Quota: QuotaConfig{
			Store:        StoreFile,
			Path:         "data/quota_state.json",
			SafetyMargin: budget.DefaultSafetyMargin,
			Windows: []budget.WindowConfig{
				{Name: "minute", Window: time.Minute, Limit: 10},
				{Name: "daily", Window: 24 * time.Hour, Limit: 100},
			},
		},
		Retry: routing.DefaultRetryConfig,
		Backend: BackendConfig{
			Preference:      "auto",
			FailoverParams:  orchestrator.DefaultConfig.FailoverParams,
			BusyRecheck:     orchestrator.DefaultConfig.BusyRecheck,
			MaxBusyRechecks: orchestrator.DefaultConfig.MaxBusyRechecks,
			Parallelism:     1,
		},
		Cloud: CloudConfig{
			Model:          "veo-3.0-generate-001",
			PollInterval:   10 * time.Second,
			AttemptTimeout: 10 * time.Minute,
			RequestTimeout: 60 * time.Second,
			MaxInputMB:     10,
			OutputDir:      "output",
			Capabilities:   domain.Capabilities{MaxDurationSeconds: 8, Resolutions: []string{"720p", "1080p"}},
		},
		Local: LocalConfig{
			DeviceName:     "local",
			BusyWait:       2 * time.Minute,
			AttemptTimeout: 30 * time.Minute,
			OutputDir:      "output",
			Capabilities:   domain.Capabilities{MaxDurationSeconds: 4, Resolutions: []string{"576p"}},
		},
		Daemon: daemon.DefaultConfig,
		Redis:  redisclient.Config{KeyPrefix: "genrelay"},
		Database: postgres.Config{
			Driver:   "pgx",
			MaxConns: 5,
		},
	}
}

// Validate rejects values that cannot work.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Quota.Store {
	case StoreFile:
		if c.Quota.Path == "" {
			errs = append(errs, errors.New("quota.path is required for the file store"))
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis quota store"))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.store must be file or redis, got %q", c.Quota.Store))
	}
	if c.Quota.SafetyMargin < 0 {
		errs = append(errs, errors.New("quota.safety_margin must not be negative"))
	}
	seen := make(map[string]bool)
	for _, w := range c.Quota.Windows {
		switch {
		case w.Name == "":
			errs = append(errs, errors.New("quota window without a name"))
		case seen[w.Name]:
			errs = append(errs, fmt.Errorf("duplicate quota window %q", w.Name))
		}
		seen[w.Name] = true
		if w.Window <= 0 {
			errs = append(errs, fmt.Errorf("quota window %q: window must be positive", w.Name))
		}
		if w.Limit < 0 {
			errs = append(errs, fmt.Errorf("quota window %q: limit must not be negative", w.Name))
		}
	}

	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if r := c.Cloud.Retry; r != nil {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cloud.retry: %w", err))
		}
	}
	if r := c.Local.Retry; r != nil {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("local.retry: %w", err))
		}
	}

	if _, err := domain.ParsePreference(c.Backend.Preference); err != nil {
		errs = append(errs, fmt.Errorf("backend.preference: %w", err))
	}
	switch c.Backend.FailoverParams {
	case orchestrator.FailoverPassthrough, orchestrator.FailoverAdapt:
	default:
		errs = append(errs, fmt.Errorf("backend.failover_params must be %s or %s, got %q",
			orchestrator.FailoverPassthrough, orchestrator.FailoverAdapt, c.Backend.FailoverParams))
	}
	if c.Backend.BusyRecheck <= 0 {
		errs = append(errs, errors.New("backend.busy_recheck must be positive"))
	}
	if c.Backend.MaxBusyRechecks < 0 {
		errs = append(errs, errors.New("backend.max_busy_rechecks must not be negative"))
	}
	if c.Backend.Parallelism < 1 {
		errs = append(errs, errors.New("backend.parallelism must be >= 1"))
	}

	if c.Cloud.PollInterval <= 0 {
		errs = append(errs, errors.New("cloud.poll_interval must be positive"))
	}
	if c.Cloud.MaxInputMB < 0 {
		errs = append(errs, errors.New("cloud.max_input_mb must not be negative"))
	}
	if c.Local.BusyWait < 0 {
		errs = append(errs, errors.New("local.busy_wait must not be negative"))
	}

	if c.Daemon.Cadence <= 0 {
		errs = append(errs, errors.New("daemon.cadence must be positive"))
	}
	switch c.Daemon.ResumePolicy {
	case daemon.ResumeContinue, daemon.ResumeReset:
	default:
		errs = append(errs, fmt.Errorf("daemon.resume_policy must be %s or %s, got %q",
			daemon.ResumeContinue, daemon.ResumeReset, c.Daemon.ResumePolicy))
	}
	if c.Daemon.MaxDuration < 0 || c.Daemon.MaxRuns < 0 {
		errs = append(errs, errors.New("daemon.max_duration and daemon.max_runs must not be negative"))
	}

	if c.Database.URL != "" {
		switch c.Database.Driver {
		case "", "pgx", "postgres":
		default:
			errs = append(errs, fmt.Errorf("database.driver must be pgx or postgres, got %q", c.Database.Driver))
		}
	}

	return errors.Join(errs...)
}
