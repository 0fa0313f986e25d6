package main

import (
	"sync"
	"time"
)

// FixedWindowLimiter is a per-key fixed-window admission counter. The first
// request from a key opens a window anchored at that instant with count=1;
// requests inside the window increment the count and are denied once it
// would exceed the limit; the first request after the window has elapsed
// resets the counter instead of accumulating. Bursts are therefore possible
// across a window boundary, which is the intended behavior of this
// algorithm, not a defect to smooth over.
//
// Each key owns its own mutex inside a sync.Map, so admission checks for
// unrelated keys never contend.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	counters sync.Map // key -> *windowCounter

	stop chan struct{}
	once sync.Once
}

type windowCounter struct {
	mu    sync.Mutex
	count int
	start time.Time

	// retired is set by the sweep, under mu, just before the entry leaves
	// the map. A caller that locked the entry after that must not record
	// its request here or the sweep would erase it.
	retired bool
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		limit:  limit,
		window: window,
		stop:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

// AdmitResult reports an admission decision and the retry hint for denials.
type AdmitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow records one request for key and reports whether it is admitted.
func (l *FixedWindowLimiter) Allow(key string) AdmitResult {
	now := time.Now()
	for {
		value, _ := l.counters.LoadOrStore(key, &windowCounter{})
		wc := value.(*windowCounter)

		wc.mu.Lock()
		// The sweep retires an entry before removing it from the map. An
		// entry caught in that state is already gone as far as admission is
		// concerned, so take a fresh one.
		if wc.retired {
			wc.mu.Unlock()
			continue
		}
		res := wc.admit(now, l.limit, l.window)
		wc.mu.Unlock()
		return res
	}
}

// admit applies the fixed-window rule. Callers hold wc.mu.
func (wc *windowCounter) admit(now time.Time, limit int, window time.Duration) AdmitResult {
	// A window older than the configured duration is treated as absent.
	if wc.count == 0 || now.Sub(wc.start) >= window {
		wc.count = 1
		wc.start = now
		return AdmitResult{Allowed: true, Remaining: limit - 1}
	}

	wc.count++
	if wc.count > limit {
		return AdmitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: wc.start.Add(window).Sub(now),
		}
	}
	return AdmitResult{Allowed: true, Remaining: limit - wc.count}
}

// sweep drops keys whose window has fully elapsed, at the window cadence.
// Admission decisions never depend on sweep ordering: a stale entry that the
// sweep has not reached yet is reset by Allow itself, and an entry the sweep
// removes is retired under its own lock so Allow cannot revive it.
func (l *FixedWindowLimiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.removeStale(time.Now())
		}
	}
}

func (l *FixedWindowLimiter) removeStale(now time.Time) {
	l.counters.Range(func(key, value interface{}) bool {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		if now.Sub(wc.start) >= l.window {
			wc.retired = true
			l.counters.Delete(key)
		}
		wc.mu.Unlock()
		return true
	})
}

// Close stops the background sweep.
func (l *FixedWindowLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
