package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Both scripts act only while the key still holds the caller's token.
const (
	releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// LockManager leases per-symbol locks across bot instances. A held lease is
// extended every third of its TTL until released, so an averaging pass that
// outlives the TTL keeps its symbol; a crashed holder's lease still expires.
type LockManager struct {
	c       *Client
	release *redis.Script
	extend  *redis.Script
	logger  *slog.Logger
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:       c,
		release: redis.NewScript(releaseLua),
		extend:  redis.NewScript(extendLua),
		logger:  logger.With(slog.String("component", "lock")),
	}
}

// Acquire takes the lease on key or returns domain.ErrLockHeld. The returned
// release function stops the keepalive and is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	l := newLease(key, ttl, func(ctx context.Context) (bool, error) {
		n, err := lm.extend.Run(ctx, lm.c.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
		return n == 1, err
	}, lm.logger)
	go l.keepAlive()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.stop()
			// The caller's context may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.release.Run(rctx, lm.c.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Warn("lock release failed; lease will expire",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

// lease extends one held lock until stopped or lost.
type lease struct {
	key    string
	every  time.Duration
	extend func(ctx context.Context) (bool, error)
	logger *slog.Logger

	quit chan struct{}
	done chan struct{}
}

func newLease(key string, ttl time.Duration, extend func(ctx context.Context) (bool, error), logger *slog.Logger) *lease {
	every := ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	return &lease{
		key:    key,
		every:  every,
		extend: extend,
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *lease) keepAlive() {
	defer close(l.done)
	t := time.NewTicker(l.every)
	defer t.Stop()
	for {
		select {
		case <-l.quit:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.every)
		held, err := l.extend(ctx)
		cancel()
		switch {
		case err != nil:
			// Transient; the next tick retries before the TTL runs out.
			l.logger.Warn("lock extend failed",
				slog.String("key", l.key),
				slog.String("error", err.Error()),
			)
		case !held:
			l.logger.Error("lock lease lost", slog.String("key", l.key))
			return
		}
	}
}

func (l *lease) stop() {
	close(l.quit)
	<-l.done
}

var _ domain.LockManager = (*LockManager)(nil)
