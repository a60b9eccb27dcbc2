package signal

import (
	"sync"
	"time"
)

// CandleDedup remembers which (symbol, candle) pairs already produced a
// signal so a candle is acted on at most once. It is safe for concurrent use.
type CandleDedup struct {
	seen map[string]time.Time // signal key -> time handled
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewCandleDedup creates a CandleDedup that forgets keys after ttl.
func NewCandleDedup(ttl time.Duration) *CandleDedup {
	return &CandleDedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether key was handled within the TTL window.
func (d *CandleDedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts, ok := d.seen[key]
	return ok && d.now().Sub(ts) < d.ttl
}

// Mark records key as handled.
func (d *CandleDedup) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.now()
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *CandleDedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
