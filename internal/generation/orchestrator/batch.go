package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// BatchResult is the outcome of one job of a batch.
type BatchResult struct {
	Job    *domain.GenerationJob
	Result *domain.Result
	Err    error
}

// RunBatch runs independent jobs with at most parallelism in flight. Each
// job is still strictly sequential; results keep the input order.
func (o *Orchestrator) RunBatch(ctx context.Context, jobs []*domain.GenerationJob, parallelism int) []BatchResult {
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]BatchResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(parallelism)

	for i, job := range jobs {
		g.Go(func() error {
			res, err := o.Run(ctx, job)
			results[i] = BatchResult{Job: job, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
