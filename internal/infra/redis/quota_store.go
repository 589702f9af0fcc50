package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/budget"
)

const (
	defaultLockTTL  = 10 * time.Second
	defaultLockPoll = 25 * time.Millisecond
)

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// QuotaStore keeps the quota ledger in Redis so several hosts share one quota.
type QuotaStore struct {
	client  *Client
	name    string
	lockTTL time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

var _ budget.Store = (*QuotaStore)(nil)

// NewQuotaStore creates a store for the ledger called name.
func NewQuotaStore(client *Client, name string, logger *slog.Logger) *QuotaStore {
	if name == "" {
		name = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaStore{
		client:  client,
		name:    name,
		lockTTL: defaultLockTTL,
		poll:    defaultLockPoll,
		logger:  logger,
	}
}

func (s *QuotaStore) Update(ctx context.Context, fn func(*budget.State) (bool, error)) error {
	return s.withLock(ctx, func() error {
		st, err := s.load(ctx)
		if err != nil {
			return err
		}
		dirty, err := fn(st)
		if err != nil || !dirty {
			return err
		}
		return s.save(ctx, st)
	})
}

func (s *QuotaStore) View(ctx context.Context, fn func(*budget.State) error) error {
	return s.withLock(ctx, func() error {
		st, err := s.load(ctx)
		if err != nil {
			return err
		}
		return fn(st)
	})
}

func (s *QuotaStore) withLock(ctx context.Context, fn func() error) error {
	key := s.client.quotaLockKey(s.name)
	token := uuid.NewString()

	for {
		ok, err := s.client.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for quota lock: %w", ctx.Err())
		case <-time.After(s.poll):
		}
	}

	defer func() {
		// release even when ctx is already canceled
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, s.client.rdb, []string{key}, token).Err(); err != nil {
			s.logger.Warn("Failed to release quota lock", "key", key, "error", err)
		}
	}()
	return fn()
}

func (s *QuotaStore) load(ctx context.Context) (*budget.State, error) {
	data, err := s.client.rdb.Get(ctx, s.client.quotaKey(s.name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return budget.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota state: %w", err)
	}

	st := budget.NewState()
	if err := json.Unmarshal(data, st); err != nil || st.Version != budget.StateVersion {
		metrics.StateCorruptTotal.WithLabelValues("quota").Inc()
		s.logger.Warn("Quota state unreadable, starting empty", "key", s.client.quotaKey(s.name), "error", err)
		return budget.NewState(), nil
	}
	if st.Backends == nil {
		st.Backends = make(map[string]*budget.BackendState)
	}
	return st, nil
}

func (s *QuotaStore) save(ctx context.Context, st *budget.State) error {
	st.Version = budget.StateVersion
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode quota state: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.client.quotaKey(s.name), data, 0).Err(); err != nil {
		return fmt.Errorf("set quota state: %w", err)
	}
	return nil
}
