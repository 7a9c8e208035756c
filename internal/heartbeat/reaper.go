// Package heartbeat probes live connections and evicts the ones that went
// quiet or whose credentials ran out.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/benbjohnson/clock"
)

const (
	reasonStale        = "heartbeat timeout"
	reasonTokenExpired = "token expired"
)

type Options struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	ProbeTimeout time.Duration
	// EnforceTokenExpiry closes connections whose token expired after the
	// handshake.
	EnforceTokenExpiry bool
	// TokenLeeway matches the verifier's clock skew tolerance.
	TokenLeeway time.Duration
	Clock       clock.Clock
	Observer    metrics.Observer
}

type Reaper struct {
	manager state.Manager
	opts    Options
	logger  *slog.Logger
	probes  sync.WaitGroup
}

func NewReaper(logger *slog.Logger, manager state.Manager, opts Options) *Reaper {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.Nop{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = opts.Interval
	}
	return &Reaper{
		manager: manager,
		opts:    opts,
		logger:  logger.With(slog.String("component", "heartbeat")),
	}
}

// Run sweeps every interval until ctx is done, then waits for outstanding
// probes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.opts.Clock.Ticker(r.opts.Interval)
	defer ticker.Stop()
	defer r.probes.Wait()

	r.logger.Info("Heartbeat started",
		slog.Duration("interval", r.opts.Interval),
		slog.Duration("staleAfter", r.opts.StaleAfter),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("Evicted connections", slog.Int("count", n))
			}
		}
	}
}

// Sweep evicts expired and stale connections and probes the rest. It returns
// the number of evicted connections. Probes run in the background.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.opts.Clock.Now()
	evicted := 0

	for _, conn := range r.manager.Connections() {
		switch {
		case r.opts.EnforceTokenExpiry && conn.Auth != nil && conn.Auth.Expired(now.Add(-r.opts.TokenLeeway)):
			r.evict(conn, protocol.ClosePolicyViolation, reasonTokenExpired)
			evicted++
		case now.Sub(conn.LastActivity()) > r.opts.StaleAfter:
			r.evict(conn, protocol.CloseNormal, reasonStale)
			evicted++
		default:
			r.probe(ctx, conn)
		}
	}
	return evicted
}

func (r *Reaper) evict(conn *state.Connection, code int, reason string) {
	r.logger.Info("Evicting connection",
		slog.String("connID", conn.ID.String()),
		slog.String("userID", conn.UserID()),
		slog.String("reason", reason),
		slog.Time("lastActivity", conn.LastActivity()),
	)
	conn.Transport.Close(code, reason)
	r.manager.Deregister(conn.ID)
	r.opts.Observer.Observe(metrics.ConnectionReaped)
}

// probe pings conn. An answered probe counts as activity; a failed one is
// only counted, and the connection is reaped once it stays quiet past
// StaleAfter.
func (r *Reaper) probe(ctx context.Context, conn *state.Connection) {
	r.probes.Add(1)
	go func() {
		defer r.probes.Done()
		probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		defer cancel()
		if err := conn.Transport.Ping(probeCtx); err != nil {
			r.opts.Observer.Observe(metrics.ProbeFailed)
			r.logger.Debug("Liveness probe failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
			return
		}
		conn.Touch(r.opts.Clock.Now())
	}()
}

// Wait blocks until every probe started so far has finished.
func (r *Reaper) Wait() {
	r.probes.Wait()
}
