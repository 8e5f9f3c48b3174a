package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepEvery bounds how often Check scans for idle buckets.
const sweepEvery = time.Minute

// Memory is a process-local token-bucket limiter: max tokens refilled evenly over window.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	lim    *rate.Limiter
	max    int
	window time.Duration
	last   time.Time
}

// NewMemory constructs an in-process limiter. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{buckets: map[string]*bucket{}, now: now}
}

// Check takes one token from key's bucket.
func (m *Memory) Check(_ context.Context, key string, max int, window time.Duration) (Result, error) {
	if max <= 0 || window <= 0 {
		return Result{OK: false, RetryAfter: window}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	b, ok := m.buckets[key]
	if !ok || b.max != max || b.window != window {
		b = &bucket{lim: rate.NewLimiter(rate.Every(window/time.Duration(max)), max), max: max, window: window}
		m.buckets[key] = b
	}
	b.last = now
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Result{OK: false, RetryAfter: window}, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Result{OK: false, RetryAfter: d}, nil
	}
	return Result{OK: true}, nil
}

// sweep drops buckets untouched for a full window. Such a bucket has
// refilled completely, so recreating it on the next call changes nothing.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepEvery {
		return
	}
	m.lastSweep = now
	for k, b := range m.buckets {
		if now.Sub(b.last) >= b.window {
			delete(m.buckets, k)
		}
	}
}
