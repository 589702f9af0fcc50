package worker

import (
	"context"
	"log/slog"
	"time"
)

// Deleter removes records older than a cutoff.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes old history based on a retention period.
type Pruner struct {
	name      string
	retention time.Duration
	target    Deleter
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. A retention <= 0 disables it.
func NewPruner(name string, retention time.Duration, target Deleter, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		name:      name,
		retention: retention,
		target:    target,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 || p.target == nil {
		return
	}

	// 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one deletion pass and returns the number of removed records.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.target.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("Prune failed", "target", p.name, "error", err)
		return 0
	}
	if n > 0 {
		p.logger.Info("Pruned old records", "target", p.name, "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n
}
