package control

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/genrelay/internal/core/config"
	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/activity"
	"github.com/vietddude/genrelay/internal/generation/orchestrator"
	"github.com/vietddude/genrelay/internal/infra/backend"
	"github.com/vietddude/genrelay/internal/infra/routing"
)

type failingCloud struct {
	mu    sync.Mutex
	kind  domain.ErrorKind
	calls int
}

func (f *failingCloud) Start(context.Context, backend.CloudRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "", domain.NewBackendError(domain.BackendCloud, f.kind, "scripted", nil)
}

func (f *failingCloud) Poll(context.Context, string) (*backend.Operation, error) {
	return nil, errors.New("unreachable")
}

type okLocal struct{}

func (okLocal) Generate(_ context.Context, req backend.LocalRequest) (string, error) {
	return filepath.Join(req.OutputDir, req.JobID+".mp4"), nil
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Quota.Path = filepath.Join(dir, "quota.json")
	cfg.Logging.ActivityLog = filepath.Join(dir, "activity.jsonl")
	cfg.Daemon.StatePath = filepath.Join(dir, "daemon_state.json")
	cfg.Local.OutputDir = filepath.Join(dir, "out")
	cfg.Retry = routing.RetryConfig{
		MaxAttempts:     2,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		BackoffMultiple: 1,
	}
	cfg.Cloud.PollInterval = time.Millisecond
	return &cfg
}

func testJob() *domain.GenerationJob {
	return domain.NewJob("frame.png", domain.Params{Prompt: "tide", DurationSeconds: 8}, domain.Auto())
}

func TestApp_AutoFailsOverToLocal(t *testing.T) {
	cfg := testConfig(t)
	cloud := &failingCloud{kind: domain.KindTransient}
	app, err := New(context.Background(), cfg, nil,
		WithCloudTransport(cloud),
		WithLocalTransport(okLocal{}),
	)
	require.NoError(t, err)
	defer app.Close()

	job := testJob()
	results, err := app.Generate(context.Background(), []*domain.GenerationJob{job})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, domain.BackendLocal, results[0].Result.Backend)
	assert.Equal(t, 2, cloud.calls)

	// failed calls still consume quota
	usage, err := app.Tracker().Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, usage[0].Count)

	entries, err := activity.Tail(cfg.Logging.ActivityLog, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.BackendLocal, entries[2].Backend)
	assert.Equal(t, domain.OutcomeSucceeded, entries[2].Outcome)
}

func TestApp_PermanentCloudFailureDoesNotFailOver(t *testing.T) {
	cfg := testConfig(t)
	cloud := &failingCloud{kind: domain.KindPermanent}
	app, err := New(context.Background(), cfg, nil,
		WithCloudTransport(cloud),
		WithLocalTransport(okLocal{}),
	)
	require.NoError(t, err)
	defer app.Close()

	results, err := app.Generate(context.Background(), []*domain.GenerationJob{testJob()})
	require.NoError(t, err)

	var failed *orchestrator.FailedError
	require.ErrorAs(t, results[0].Err, &failed)
	assert.Equal(t, domain.KindPermanent, failed.RootKind)
	assert.Equal(t, 1, failed.Attempts)
	assert.False(t, failed.Used(domain.BackendLocal))
}

func TestApp_NoBackendConfigured(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	_, err = app.Orchestrator()
	assert.ErrorIs(t, err, routing.ErrNoBackend)
	_, err = app.Daemon()
	assert.ErrorIs(t, err, routing.ErrNoBackend)

	// status works without backends
	report, err := app.Collector(5).Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Quota, 2)
	assert.Nil(t, app.StatusServer())
}

func TestApp_Daemon(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, nil, WithLocalTransport(okLocal{}))
	require.NoError(t, err)
	defer app.Close()

	d, err := app.Daemon()
	require.NoError(t, err)

	job := domain.NewJob("frame.png", domain.Params{Prompt: "tide"}, domain.Forced(domain.BackendLocal))
	state, err := d.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.DaemonSucceeded, state.Status)
	assert.Equal(t, 1, state.Attempt)
}
