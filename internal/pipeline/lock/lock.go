package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrContention means the ledger write lock stayed held for the whole
// wait budget. Callers should retry later; this is not a domain
// failure.
var ErrContention = errors.New("ledger_write_lock_contention")

// WriteLock serializes canonical ledger writes per tenant. Acquire
// queues until the lock frees or the wait budget runs out; the
// returned release function is safe to call exactly once from a defer.
type WriteLock interface {
	Acquire(ctx context.Context, tenantID snowflake.ID) (release func(), err error)
}

const (
	// holdTTL bounds how long an abandoned holder can block a tenant if
	// its process dies without releasing.
	holdTTL      = 5 * time.Minute
	waitBudget   = 2 * time.Minute
	pollInterval = 250 * time.Millisecond
)

// releaseScript deletes the lock key only when the caller still owns
// it, so a holder that overran its TTL cannot release a successor.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) WriteLock {
	return &redisLock{client: client}
}

func (l *redisLock) Acquire(ctx context.Context, tenantID snowflake.ID) (func(), error) {
	key := fmt.Sprintf("ledgerline:ledger_lock:%d", tenantID)
	token := uuid.NewString()

	deadline := time.Now().Add(waitBudget)
	for {
		ok, err := l.client.SetNX(ctx, key, token, holdTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Result()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// localLock is the single-process fallback used when no redis address
// is configured, and by tests. Waiters queue on a per-tenant channel.
type localLock struct {
	mu    sync.Mutex
	held  map[snowflake.ID]chan struct{}
	await time.Duration
}

func NewLocalLock() WriteLock {
	return &localLock{held: map[snowflake.ID]chan struct{}{}, await: waitBudget}
}

func (l *localLock) Acquire(ctx context.Context, tenantID snowflake.ID) (func(), error) {
	deadline := time.NewTimer(l.await)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		waitCh, busy := l.held[tenantID]
		if !busy {
			done := make(chan struct{})
			l.held[tenantID] = done
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, tenantID)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrContention
		}
	}
}
