// Package backend executes single generation attempts.
//
// This package contains:
//   - Backend: closed interface implemented by *Cloud and *Local
//   - Cloud: quota-guarded remote long-running operations
//   - Local: device-exclusive local inference
//   - CloudHTTPTransport, LocalHTTPTransport: the network clients behind them
package backend

import (
	"context"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/routing"
)

// Backend runs one attempt of a job. Every error returned by Submit is a
// *domain.BackendError.
type Backend interface {
	ID() domain.BackendID
	Submit(ctx context.Context, job *domain.GenerationJob) (*domain.Result, error)
	Capabilities() domain.Capabilities

	sealed()
}

var (
	_ Backend = (*Cloud)(nil)
	_ Backend = (*Local)(nil)
)

// classify wraps err into a BackendError of backend id. Cancellation of the
// caller's ctx always wins over whatever the transport reported; an expired
// per-attempt deadline is a Transient timeout.
func classify(ctx context.Context, id domain.BackendID, msg string, err error) *domain.BackendError {
	if ctx.Err() != nil {
		return domain.NewBackendError(id, domain.KindCanceled, msg, err)
	}
	if be, ok := domain.AsBackendError(err); ok {
		if be.Backend == "" {
			be.Backend = id
		}
		return be
	}

	kind := routing.Classify(err)
	if kind == domain.KindCanceled || kind == domain.KindNone {
		// the caller is still alive, so only the attempt context ended
		kind = domain.KindTransient
	}
	be := domain.NewBackendError(id, kind, msg, err)
	be.RetryAfter = routing.RetryAfter(err)
	return be
}

func withAttemptTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
