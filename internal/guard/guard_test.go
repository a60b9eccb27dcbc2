package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

func TestGuardSerializesPerSymbol(t *testing.T) {
	g := New()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := g.Lock(ctx, "BTCUSDT")
			if err != nil {
				return
			}
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("maxActive=%d, expected 1", maxActive)
	}
}

func TestGuardIndependentSymbols(t *testing.T) {
	g := New()
	ctx := context.Background()

	unlockBTC, err := g.Lock(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Lock BTC: %v", err)
	}
	defer unlockBTC()

	unlockETH, ok := g.TryLock(ctx, "ETHUSDT")
	if !ok {
		t.Fatal("expected ETH lock to be free while BTC is held")
	}
	unlockETH()

	if _, ok := g.TryLock(ctx, "BTCUSDT"); ok {
		t.Fatal("expected BTC TryLock to fail while held")
	}
}

func TestGuardLockHonoursContext(t *testing.T) {
	g := New()
	unlock, err := g.Lock(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Lock(ctx, "BTCUSDT"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, expected DeadlineExceeded", err)
	}
}

func TestGuardUnlockIdempotent(t *testing.T) {
	g := New()
	unlock, err := g.Lock(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()
	unlock()

	unlock2, ok := g.TryLock(context.Background(), "BTCUSDT")
	if !ok {
		t.Fatal("expected lock to be free")
	}
	unlock2()
}

type fakeLeases struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLeases) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

func TestGuardWaitsForRemoteLease(t *testing.T) {
	leases := &fakeLeases{held: map[string]bool{"symbol:BTCUSDT": true}}
	g := New(WithLockManager(leases, time.Minute))
	g.retry = 5 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		leases.mu.Lock()
		delete(leases.held, "symbol:BTCUSDT")
		leases.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := g.Lock(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	leases.mu.Lock()
	held := leases.held["symbol:BTCUSDT"]
	leases.mu.Unlock()
	if !held {
		t.Fatal("expected lease to be held")
	}

	unlock()
	leases.mu.Lock()
	held = leases.held["symbol:BTCUSDT"]
	leases.mu.Unlock()
	if held {
		t.Fatal("expected lease to be released")
	}
}
