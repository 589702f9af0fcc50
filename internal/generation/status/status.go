// Package status assembles the operator view of genrelay: quota usage,
// daemon progress, recent outcomes and local device state.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/activity"
	"github.com/vietddude/genrelay/internal/generation/daemon"
	"github.com/vietddude/genrelay/internal/infra/backend"
	"github.com/vietddude/genrelay/internal/infra/budget"
)

// Health is the aggregate state reported by /healthz.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// DefaultRecent is the number of activity entries included in a report.
const DefaultRecent = 10

// QuotaSource reports sliding-window usage. *budget.Tracker implements it.
type QuotaSource interface {
	Backend() string
	Usage(ctx context.Context) ([]budget.WindowUsage, error)
}

// Pinger checks a dependency such as the database or Redis.
type Pinger func(ctx context.Context) error

// QuotaWindow is one quota window in a report.
type QuotaWindow struct {
	Backend   string `json:"backend"`
	Window    string `json:"window"`
	Length    string `json:"length"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	ResetIn   string `json:"reset_in"`
}

// Exhausted reports whether no call is currently allowed in the window.
func (q QuotaWindow) Exhausted() bool {
	return q.Limit > 0 && q.Remaining == 0
}

// DaemonReport is the daemon section of a report.
type DaemonReport struct {
	Running bool                `json:"running"`
	State   *domain.DaemonState `json:"state,omitempty"`
}

// Report is a point-in-time status snapshot.
type Report struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	Health       Health              `json:"health"`
	Quota        []QuotaWindow       `json:"quota"`
	Daemon       *DaemonReport       `json:"daemon,omitempty"`
	Recent       []activity.Entry    `json:"recent"`
	Device       *backend.DeviceInfo `json:"device,omitempty"`
	Dependencies map[string]string   `json:"dependencies,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
}

// Collector builds reports. Every source is optional.
type Collector struct {
	quotas       []QuotaSource
	daemonState  string
	activityPath string
	recent       int
	device       *backend.Device
	pingers      map[string]Pinger
	logger       *slog.Logger
	now          func() time.Time
}

// Option customizes a Collector.
type Option func(*Collector)

// WithQuota adds a quota source.
func WithQuota(q QuotaSource) Option {
	return func(c *Collector) {
		if q != nil {
			c.quotas = append(c.quotas, q)
		}
	}
}

// WithDaemonState reads daemon progress from the given state file.
func WithDaemonState(path string) Option {
	return func(c *Collector) { c.daemonState = path }
}

// WithActivity includes the last n entries of the activity log.
func WithActivity(path string, n int) Option {
	return func(c *Collector) {
		c.activityPath = path
		if n > 0 {
			c.recent = n
		}
	}
}

// WithDevice includes local device info.
func WithDevice(d *backend.Device) Option {
	return func(c *Collector) { c.device = d }
}

// WithPinger adds a named dependency check.
func WithPinger(name string, p Pinger) Option {
	return func(c *Collector) {
		if p != nil {
			c.pingers[name] = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		recent:  DefaultRecent,
		pingers: make(map[string]Pinger),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect builds a report. Source failures are reported inside the report
// and degrade its health; Collect itself only fails on a canceled context.
func (c *Collector) Collect(ctx context.Context) (*Report, error) {
	r := &Report{
		GeneratedAt: c.now().UTC(),
		Health:      HealthOK,
		Quota:       []QuotaWindow{},
		Recent:      []activity.Entry{},
	}

	for _, q := range c.quotas {
		usage, err := q.Usage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.fail(HealthDegraded, "quota "+q.Backend()+": "+err.Error())
			continue
		}
		for _, u := range usage {
			w := QuotaWindow{
				Backend:   u.Backend,
				Window:    u.Name,
				Length:    u.Window.String(),
				Limit:     u.Limit,
				Used:      u.Count,
				Remaining: u.Remaining,
				ResetIn:   u.ResetIn.Round(time.Second).String(),
			}
			if w.Exhausted() {
				r.degrade(HealthDegraded)
			}
			r.Quota = append(r.Quota, w)
		}
	}

	if c.daemonState != "" {
		st, err := daemon.ReadStatus(c.daemonState)
		if err != nil {
			r.fail(HealthDegraded, "daemon: "+err.Error())
		} else {
			r.Daemon = &DaemonReport{Running: st.Running, State: st.State}
			if st.State != nil && st.State.Status == domain.DaemonFailed {
				r.degrade(HealthDegraded)
			}
		}
	}

	if c.activityPath != "" {
		entries, err := activity.Tail(c.activityPath, c.recent)
		if err != nil {
			r.fail(HealthDegraded, "activity: "+err.Error())
		} else if entries != nil {
			r.Recent = entries
		}
	}

	if c.device != nil {
		info, err := c.device.Info()
		if err != nil {
			c.logger.Debug("Device info unavailable", "error", err)
		}
		r.Device = &info
	}

	if len(c.pingers) > 0 {
		r.Dependencies = make(map[string]string, len(c.pingers))
		for name, ping := range c.pingers {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := ping(pctx)
			cancel()
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil, ctx.Err()
				}
				r.Dependencies[name] = err.Error()
				r.degrade(HealthCritical)
				continue
			}
			r.Dependencies[name] = "ok"
		}
	}

	return r, nil
}

func (r *Report) fail(h Health, msg string) {
	r.Errors = append(r.Errors, msg)
	r.degrade(h)
}

// degrade lowers the health; the worst state wins.
func (r *Report) degrade(h Health) {
	if rank(h) > rank(r.Health) {
		r.Health = h
	}
}

func rank(h Health) int {
	switch h {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	}
	return 0
}
