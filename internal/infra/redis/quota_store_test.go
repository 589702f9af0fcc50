package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/genrelay/internal/infra/budget"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRDB(rdb, "test"), mr
}

func TestQuotaStore_SharedLedger(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := budget.Config{
		Backend: "cloud",
		Windows: []budget.WindowConfig{{Name: "minute", Window: time.Minute, Limit: 2}},
	}

	hostA, err := budget.NewTracker(NewQuotaStore(client, "veo", nil), cfg, budget.WithClock(clock))
	require.NoError(t, err)
	hostB, err := budget.NewTracker(NewQuotaStore(client, "veo", nil), cfg, budget.WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, hostA.Record(ctx))
	require.NoError(t, hostB.Record(ctx))

	wait, err := hostA.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, wait)

	usage, err := hostB.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 2, usage[0].Count)
	assert.Equal(t, 0, usage[0].Remaining)
}

func TestQuotaStore_LockReleased(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewQuotaStore(client, "veo", nil)

	err := store.View(context.Background(), func(*budget.State) error { return nil })
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:quota:veo:lock"), "lock key must be deleted after use")
}

func TestQuotaStore_WaitsForHeldLock(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewQuotaStore(client, "veo", nil)

	require.NoError(t, mr.Set("test:quota:veo:lock", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := store.Update(ctx, func(*budget.State) (bool, error) { return true, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// a foreign lock is never released by us
	got, err := mr.Get("test:quota:veo:lock")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestQuotaStore_CorruptValue(t *testing.T) {
	client, mr := newTestClient(t)
	require.NoError(t, mr.Set("test:quota:veo", "not-json"))

	store := NewQuotaStore(client, "veo", nil)
	var backends int
	err := store.View(context.Background(), func(s *budget.State) error {
		backends = len(s.Backends)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, backends)
}
