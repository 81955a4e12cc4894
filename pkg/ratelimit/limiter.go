package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"github.com/puzpuzpuz/xsync/v3"
)

// Limiter is a token bucket. A nil bucket means unlimited.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// New creates a limiter refilling rate tokens per second up to capacity.
// A non-positive rate disables limiting.
func New(rate float64, capacity int64) *Limiter {
	if rate <= 0 || capacity <= 0 {
		return &Limiter{}
	}
	return &Limiter{bucket: ratelimit.NewBucketWithRate(rate, capacity)}
}

// NewWithInterval creates a limiter allowing count tokens per interval.
func NewWithInterval(count int64, interval time.Duration) *Limiter {
	if count <= 0 || interval <= 0 {
		return &Limiter{}
	}
	return &Limiter{bucket: ratelimit.NewBucketWithQuantum(interval, count, count)}
}

// Allow takes one token if one is available.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens only if all of them are available now.
func (l *Limiter) AllowN(n int64) bool {
	if l.bucket == nil {
		return true
	}
	if n > l.bucket.Capacity() {
		return false
	}
	_, ok := l.bucket.TakeMaxDuration(n, 0)
	return ok
}

// Wait blocks until a token is available
func (l *Limiter) Wait() {
	l.WaitN(1)
}

// WaitN blocks until n tokens are available
func (l *Limiter) WaitN(n int64) {
	if l.bucket == nil {
		return
	}
	l.bucket.Wait(n)
}

// WaitContext takes a token, waiting at most until ctx is done. It returns
// ctx.Err() without taking a token if the wait would outlast ctx.
func (l *Limiter) WaitContext(ctx context.Context) error {
	if l.bucket == nil {
		return nil
	}
	maxWait := time.Duration(1<<63 - 1)
	if d, ok := ctx.Deadline(); ok {
		maxWait = time.Until(d)
	}
	wait, ok := l.bucket.TakeMaxDuration(1, maxWait)
	if !ok {
		return context.DeadlineExceeded
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Keyed holds one limiter per key, e.g. per author pubkey or remote address.
type Keyed struct {
	rate     float64
	capacity int64
	buckets  *xsync.MapOf[string, *keyedEntry]
}

type keyedEntry struct {
	limiter  *Limiter
	lastSeen atomic.Int64
}

// NewKeyed creates an empty keyed limiter.
func NewKeyed(rate float64, capacity int64) *Keyed {
	return &Keyed{
		rate:     rate,
		capacity: capacity,
		buckets:  xsync.NewMapOf[string, *keyedEntry](),
	}
}

// Allow takes a token from key's bucket, creating it on first use.
func (k *Keyed) Allow(key string) bool {
	entry, _ := k.buckets.LoadOrCompute(key, func() *keyedEntry {
		return &keyedEntry{limiter: New(k.rate, k.capacity)}
	})
	entry.lastSeen.Store(time.Now().UnixNano())
	return entry.limiter.Allow()
}

// Prune drops buckets idle for longer than idle. It returns the number removed.
func (k *Keyed) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	removed := 0
	k.buckets.Range(func(key string, e *keyedEntry) bool {
		if e.lastSeen.Load() < cutoff {
			k.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	return k.buckets.Size()
}
