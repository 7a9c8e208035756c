package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// HandshakeLimiter throttles upgrade attempts per source address with a
// token bucket. It only guards the connect path; frames use FixedWindow.
type HandshakeLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	clock    clock.Clock
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHandshakeLimiter allows perSecond attempts per address with the given
// burst. A non-positive perSecond disables throttling.
func NewHandshakeLimiter(perSecond float64, burst int, idleTTL time.Duration, clk clock.Clock) *HandshakeLimiter {
	if clk == nil {
		clk = clock.New()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &HandshakeLimiter{
		visitors: make(map[string]*visitor),
		rate:     limit,
		burst:    burst,
		idleTTL:  idleTTL,
		clock:    clk,
	}
}

// Allow reports whether addr may attempt another handshake now.
func (h *HandshakeLimiter) Allow(addr string) bool {
	now := h.clock.Now()
	h.mu.Lock()
	v, ok := h.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(h.rate, h.burst)}
		h.visitors[addr] = v
	}
	v.lastSeen = now
	h.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Cleanup removes visitors idle for longer than the configured TTL.
func (h *HandshakeLimiter) Cleanup() int {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for addr, v := range h.visitors {
		if now.Sub(v.lastSeen) > h.idleTTL {
			delete(h.visitors, addr)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every idleTTL until ctx is done.
func (h *HandshakeLimiter) Run(ctx context.Context) {
	if h.idleTTL <= 0 {
		return
	}
	ticker := h.clock.Ticker(h.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Cleanup()
		}
	}
}

func (h *HandshakeLimiter) Visitors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.visitors)
}
