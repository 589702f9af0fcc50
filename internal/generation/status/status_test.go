package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/activity"
	"github.com/vietddude/genrelay/internal/infra/budget"
	"github.com/vietddude/genrelay/internal/infra/filelock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	dir     string
	tracker *budget.Tracker
	log     *activity.Log
	state   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	now := t0
	tracker, err := budget.NewTracker(
		budget.NewFileStore(filepath.Join(dir, "quota.json"), nil),
		budget.Config{
			Backend: "cloud",
			Windows: []budget.WindowConfig{
				{Name: "minute", Window: time.Minute, Limit: 2},
				{Name: "day", Window: 24 * time.Hour},
			},
		},
		budget.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	return &fixture{
		dir:     dir,
		tracker: tracker,
		log:     activity.NewLog(filepath.Join(dir, "activity.jsonl")),
		state:   filepath.Join(dir, "daemon_state.json"),
	}
}

func (f *fixture) collector(opts ...Option) *Collector {
	base := []Option{
		WithQuota(f.tracker),
		WithDaemonState(f.state),
		WithActivity(f.log.Path(), 2),
		WithClock(func() time.Time { return t0 }),
	}
	return NewCollector(append(base, opts...)...)
}

func writeDaemonState(t *testing.T, path string, st domain.DaemonState) {
	t.Helper()
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, filelock.WriteAtomic(path, data, 0o644))
}

func TestCollector_Report(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tracker.Record(ctx))
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.log.Append(activity.Entry{
			Time:    t0,
			Event:   activity.EventAttempt,
			JobID:   "job-1",
			Attempt: i,
			Backend: domain.BackendCloud,
			Outcome: domain.OutcomeFailed,
			Kind:    domain.KindTransient,
		}))
	}
	writeDaemonState(t, f.state, domain.DaemonState{Attempt: 3, Status: domain.DaemonWaiting})

	report, err := f.collector().Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, HealthOK, report.Health)
	require.Len(t, report.Quota, 2)
	assert.Equal(t, QuotaWindow{
		Backend: "cloud", Window: "minute", Length: "1m0s",
		Limit: 2, Used: 1, Remaining: 1, ResetIn: "1m0s",
	}, report.Quota[0])
	assert.Equal(t, -1, report.Quota[1].Remaining)

	require.NotNil(t, report.Daemon)
	assert.False(t, report.Daemon.Running)
	assert.Equal(t, 3, report.Daemon.State.Attempt)

	require.Len(t, report.Recent, 2)
	assert.Equal(t, 2, report.Recent[0].Attempt)
	assert.Equal(t, 3, report.Recent[1].Attempt)
}

func TestCollector_ExhaustedQuotaDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.Record(ctx))
	require.NoError(t, f.tracker.Record(ctx))

	report, err := f.collector().Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, report.Health)
	assert.True(t, report.Quota[0].Exhausted())
	assert.Nil(t, report.Daemon.State)
	assert.Empty(t, report.Recent)
}

func TestCollector_FailedDependencyIsCritical(t *testing.T) {
	f := newFixture(t)
	c := f.collector(
		WithPinger("database", func(context.Context) error { return errors.New("connection refused") }),
		WithPinger("redis", func(context.Context) error { return nil }),
	)

	report, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Health)
	assert.Equal(t, map[string]string{"database": "connection refused", "redis": "ok"}, report.Dependencies)
}

func TestServer_Endpoints(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewServer(f.collector(), ":0", nil).Router())
	defer srv.Close()

	get := func(path string) (int, []byte) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = get("/status")
	assert.Equal(t, http.StatusOK, code)
	var report Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Len(t, report.Quota, 2)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_HealthCritical(t *testing.T) {
	f := newFixture(t)
	c := f.collector(WithPinger("database", func(context.Context) error { return errors.New("down") }))
	srv := httptest.NewServer(NewServer(c, ":0", nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWriteText(t *testing.T) {
	f := newFixture(t)
	writeDaemonState(t, f.state, domain.DaemonState{
		Job:           domain.GenerationJob{ID: "0123456789abcdef"},
		Attempt:       2,
		Status:        domain.DaemonWaiting,
		NextAttemptAt: t0.Add(5 * time.Minute),
		LastKind:      domain.KindRateLimited,
		LastMessage:   "quota exceeded",
	})

	report, err := f.collector().Collect(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, report))
	out := buf.String()

	for _, want := range []string{"minute", "unlimited", "Completed runs:", "2026-03-01T12:05:00Z", "quota exceeded (rate_limited)"} {
		assert.True(t, strings.Contains(out, want), "missing %q in:\n%s", want, out)
	}
}
