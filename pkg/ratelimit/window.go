// Package ratelimit holds the per-connection frame limiter and the
// per-address handshake throttle.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const shardCount = 32

// window is a fixed counting window. It is reset lazily when a call
// arrives at or after resetAt.
type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// FixedWindow allows at most Limit calls per key within each Window.
// Bursts are capped per window boundary rather than smoothed.
type FixedWindow struct {
	limit  int
	length time.Duration
	clock  clock.Clock
	shards [shardCount]*shard

	allowed atomic.Int64
	denied  atomic.Int64
}

// Stats is an aggregate view for the health endpoint.
type Stats struct {
	TrackedWindows int   `json:"trackedWindows"`
	Allowed        int64 `json:"allowed"`
	Denied         int64 `json:"denied"`
	Limit          int   `json:"limit"`
	WindowMillis   int64 `json:"windowMillis"`
}

// NewFixedWindow creates a limiter. A nil clk uses the wall clock.
func NewFixedWindow(limit int, length time.Duration, clk clock.Clock) *FixedWindow {
	if clk == nil {
		clk = clock.New()
	}
	fw := &FixedWindow{limit: limit, length: length, clock: clk}
	for i := range fw.shards {
		fw.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return fw
}

func (fw *FixedWindow) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fw.shards[h.Sum32()%shardCount]
}

// IsAllowed counts one call for key and reports whether it may proceed.
func (fw *FixedWindow) IsAllowed(key string) bool {
	now := fw.clock.Now()
	s := fw.shardFor(key)

	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		s.windows[key] = &window{count: 1, resetAt: now.Add(fw.length)}
		s.mu.Unlock()
		fw.allowed.Add(1)
		return true
	}
	w.count++
	allowed := w.count <= fw.limit
	s.mu.Unlock()

	if allowed {
		fw.allowed.Add(1)
	} else {
		fw.denied.Add(1)
	}
	return allowed
}

// RetryAfter returns how long until key's current window resets; zero if
// there is no active window.
func (fw *FixedWindow) RetryAfter(key string) time.Duration {
	now := fw.clock.Now()
	s := fw.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		return 0
	}
	return w.resetAt.Sub(now)
}

// Forget drops key's window, e.g. when its connection closes.
func (fw *FixedWindow) Forget(key string) {
	s := fw.shardFor(key)
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
}

// Sweep removes windows whose key is no longer live and returns how many
// were removed.
func (fw *FixedWindow) Sweep(isLive func(key string) bool) int {
	removed := 0
	for _, s := range fw.shards {
		s.mu.Lock()
		for key := range s.windows {
			if !isLive(key) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (fw *FixedWindow) Run(ctx context.Context, interval time.Duration, isLive func(key string) bool) {
	ticker := fw.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fw.Sweep(isLive)
		}
	}
}

func (fw *FixedWindow) Stats() Stats {
	tracked := 0
	for _, s := range fw.shards {
		s.mu.Lock()
		tracked += len(s.windows)
		s.mu.Unlock()
	}
	return Stats{
		TrackedWindows: tracked,
		Allowed:        fw.allowed.Load(),
		Denied:         fw.denied.Load(),
		Limit:          fw.limit,
		WindowMillis:   fw.length.Milliseconds(),
	}
}
