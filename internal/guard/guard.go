// Package guard serializes mutating work per symbol.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// Guard is a registry of per-symbol locks. Work on different symbols runs in
// parallel; work on one symbol is strictly sequential. When a distributed
// LockManager is configured, the process-local lock is backed by a lease so
// several bot instances never act on the same symbol at once.
type Guard struct {
	mu    sync.Mutex
	locks map[string]chan struct{}

	remote   domain.LockManager
	leaseTTL time.Duration
	retry    time.Duration
}

// Option customises a Guard.
type Option func(*Guard)

// WithLockManager backs each symbol lock with a distributed lease.
func WithLockManager(lm domain.LockManager, ttl time.Duration) Option {
	return func(g *Guard) {
		g.remote = lm
		g.leaseTTL = ttl
	}
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		locks:    make(map[string]chan struct{}),
		leaseTTL: 2 * time.Minute,
		retry:    250 * time.Millisecond,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) slot(symbol string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.locks[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		g.locks[symbol] = ch
	}
	return ch
}

// Lock blocks until the symbol lock is held or ctx is done. The returned
// function releases the lock and is safe to call more than once.
func (g *Guard) Lock(ctx context.Context, symbol string) (func(), error) {
	ch := g.slot(symbol)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("guard: lock %s: %w", symbol, ctx.Err())
	}

	release := func() { <-ch }
	if g.remote != nil {
		unlockRemote, err := g.acquireRemote(ctx, symbol)
		if err != nil {
			release()
			return nil, err
		}
		local := release
		release = func() {
			unlockRemote()
			local()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// TryLock acquires the symbol lock only if it is free, locally and on the
// distributed lease.
func (g *Guard) TryLock(ctx context.Context, symbol string) (func(), bool) {
	ch := g.slot(symbol)
	select {
	case ch <- struct{}{}:
	default:
		return nil, false
	}

	release := func() { <-ch }
	if g.remote != nil {
		unlockRemote, err := g.remote.Acquire(ctx, lockKey(symbol), g.leaseTTL)
		if err != nil {
			release()
			return nil, false
		}
		local := release
		release = func() {
			unlockRemote()
			local()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, true
}

func (g *Guard) acquireRemote(ctx context.Context, symbol string) (func(), error) {
	for {
		unlock, err := g.remote.Acquire(ctx, lockKey(symbol), g.leaseTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("guard: lease %s: %w", symbol, err)
		}

		t := time.NewTimer(g.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("guard: lease %s: %w", symbol, ctx.Err())
		case <-t.C:
		}
	}
}

func lockKey(symbol string) string {
	return "symbol:" + symbol
}
