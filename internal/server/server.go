package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-fanout/internal/bridge"
	"github.com/a-essam23/go-fanout/internal/heartbeat"
	"github.com/a-essam23/go-fanout/internal/router"
	"github.com/a-essam23/go-fanout/internal/server/middleware"
	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/optimizer"
	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/a-essam23/go-fanout/pkg/ratelimit"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/a-essam23/go-fanout/pkg/state/statemanager"
	"github.com/a-essam23/go-fanout/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownReason = "server shutting down"

// Options overrides collaborators App would otherwise build from config.
type Options struct {
	Clock clock.Clock
	// Registry receives the gateway metrics. Nil creates a private registry.
	Registry *prometheus.Registry
	// Source replaces the upstream configured in cfg.Upstream.
	Source bridge.Source
}

type App struct {
	logger   *slog.Logger
	config   *config.Config
	clock    clock.Clock
	observer *metrics.Multi
	counting *metrics.Counting
	registry *prometheus.Registry

	manager   *statemanager.InMemoryManager
	router    *router.EventRouter
	limiter   *ratelimit.FixedWindow
	handshake *ratelimit.HandshakeLimiter
	optimizer *optimizer.Optimizer
	reaper    *heartbeat.Reaper
	bridge    *bridge.Bridge
	source    bridge.Source

	http          *http.Server
	acceptOptions *websocket.AcceptOptions

	// conns tracks transport goroutines, sends tracks optimizer deliveries.
	conns     sync.WaitGroup
	sends     sync.WaitGroup
	ready     atomic.Bool
	startedAt time.Time

	// ctx parents every connection. It outlives the HTTP server so queued
	// frames can drain during shutdown.
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewApp(logger *slog.Logger, cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	counting := metrics.NewCounting()
	observer := metrics.NewMulti(counting)
	if cfg.Metrics.Enabled {
		prom, err := metrics.NewPrometheus(opts.Registry, cfg.Metrics.Namespace)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		observer.Add(prom)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
		Now:      opts.Clock.Now,
	}, logger)
	if err != nil {
		return nil, err
	}

	source := opts.Source
	if source == nil {
		if source, err = bridge.NewSource(cfg.Upstream, logger); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		logger:    logger,
		config:    cfg,
		clock:     opts.Clock,
		observer:  observer,
		counting:  counting,
		registry:  opts.Registry,
		source:    source,
		startedAt: opts.Clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	app.manager = statemanager.NewInMemoryManager(logger, statemanager.Options{
		MaxConnections:  cfg.Server.ConnectionLimit.MaxTotal,
		MaxPerAddress:   cfg.Server.ConnectionLimit.MaxPerAddress,
		MaxRoomsPerConn: cfg.Server.ConnectionLimit.MaxRoomsPerConn,
		SendTimeout:     cfg.Transport.SendTimeout,
		Policy: state.Policy{
			ElevatedRoles: cfg.Auth.ElevatedRoles,
			Team:          state.TeamPolicy(cfg.Auth.TeamPolicy),
		},
		Observer: observer,
	})
	app.limiter = ratelimit.NewFixedWindow(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window, opts.Clock)
	app.handshake = ratelimit.NewHandshakeLimiter(
		cfg.Server.Handshake.RatePerSecond,
		cfg.Server.Handshake.Burst,
		cfg.Server.Handshake.IdleTTL,
		opts.Clock,
	)

	registry := router.NewRegistry(logger)
	registry.RegisterCore()
	app.router = router.NewEventRouter(logger, app.manager, app.limiter, registry, router.Options{
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		SendTimeout:   cfg.Transport.SendTimeout,
		Observer:      observer,
		Clock:         opts.Clock,
	})

	if cfg.Optimizer.Enabled {
		app.optimizer = optimizer.New(optimizer.Config{
			DedupWindow:          cfg.Optimizer.DedupWindow,
			DedupCacheSize:       cfg.Optimizer.DedupCacheSize,
			BatchSize:            cfg.Optimizer.BatchSize,
			BatchTimeout:         cfg.Optimizer.BatchTimeout,
			CompressionThreshold: cfg.Optimizer.CompressionThreshold,
		}, app.flushBatch, opts.Clock, observer, logger)
	}

	app.reaper = heartbeat.NewReaper(logger, app.manager, heartbeat.Options{
		Interval:           cfg.Heartbeat.Interval,
		StaleAfter:         cfg.Heartbeat.StaleAfter,
		ProbeTimeout:       cfg.Heartbeat.ProbeTimeout,
		EnforceTokenExpiry: cfg.Heartbeat.EnforceTokenExpiry,
		TokenLeeway:        cfg.Auth.Leeway,
		Clock:              opts.Clock,
		Observer:           observer,
	})
	app.bridge = bridge.New(logger, app, observer, opts.Clock)

	if cfg.Metrics.Enabled {
		if err := app.registerGauges(); err != nil {
			return nil, fmt.Errorf("register gauges: %w", err)
		}
	}

	app.acceptOptions = &websocket.AcceptOptions{
		OriginPatterns:     cfg.Server.AllowedOrigins,
		InsecureSkipVerify: len(cfg.Server.AllowedOrigins) == 0,
	}
	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.routes(verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

func (a *App) registerGauges() error {
	ns := a.config.Metrics.Namespace
	return multierr.Combine(
		metrics.RegisterGauge(a.registry, ns, "connections", "Live WebSocket connections.", func() float64 {
			return float64(a.manager.ConnectionCount())
		}),
		metrics.RegisterGauge(a.registry, ns, "rooms", "Rooms with at least one member.", func() float64 {
			return float64(a.manager.RoomCount())
		}),
	)
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.http.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs every background loop. It
// returns after a graceful shutdown, triggered by ctx or by the first
// background failure.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		a.ready.Store(true)
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if interval := a.config.RateLimit.SweepInterval; interval > 0 {
		g.Go(func() error {
			a.limiter.Run(gctx, interval, a.isLive)
			return nil
		})
	}
	g.Go(func() error {
		a.handshake.Run(gctx)
		return nil
	})
	if interval := a.config.Optimizer.SweepInterval; a.optimizer != nil && interval > 0 {
		g.Go(func() error {
			a.optimizer.Run(gctx, interval)
			return nil
		})
	}
	g.Go(func() error {
		a.reaper.Run(gctx)
		return nil
	})
	if a.source != nil {
		g.Go(func() error {
			a.logger.Info("Upstream bridge starting", slog.String("source", a.source.Name()))
			if err := a.source.Run(gctx, a.bridge.Handle); err != nil {
				return fmt.Errorf("upstream %s: %w", a.source.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) isLive(key string) bool {
	id, err := uuid.Parse(key)
	if err != nil {
		return false
	}
	_, ok := a.manager.Connection(id)
	return ok
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Auth == nil {
		a.logger.Error("Upgrade handler reached without an authenticated request. Check middleware order.")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Auth.UserID()),
	)

	wsConn, err := websocket.Accept(w, r, a.acceptOptions)
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.conns,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:   a.config.Transport.ReadTimeout,
			WriteTimeout:  a.config.Transport.WriteTimeout,
			SendBuffer:    a.config.Transport.SendBuffer,
			MaxFrameBytes: a.config.Transport.MaxFrameBytes,
		},
		a.logger,
	)
	connLogger = connLogger.With(slog.String("connID", conn.ID().String()))

	stateConn := state.NewConnection(conn.ID(), reqMeta.Auth, reqMeta.IP, conn, a.clock.Now())
	if err := a.manager.Register(stateConn); err != nil {
		code := protocol.CloseInternalError
		if errors.Is(err, state.ErrCapacity) || errors.Is(err, state.ErrAddressCapacity) {
			code = protocol.CloseTryAgainLater
		}
		a.observer.Observe(metrics.ConnectionRejected)
		connLogger.Warn("Failed to register connection", slog.Any("error", err))
		if cerr := conn.Abort(code, "registration failed"); cerr != nil {
			connLogger.Debug("Rejected socket did not close cleanly", slog.Any("error", cerr))
		}
		return
	}

	conn.SetOnMessageHandler(a.router.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, code websocket.StatusCode, reason string) {
		connLogger.Info("Deregistering connection due to closure",
			slog.Int("code", int(code)),
			slog.String("reason", reason),
		)
		a.manager.Deregister(id)
		a.limiter.Forget(id.String())
		if a.optimizer != nil {
			a.optimizer.Forget(id.String())
		}
		a.observer.Observe(metrics.ConnectionClosed)
	})

	if err := a.send(r.Context(), conn, protocol.Connected(conn.ID().String(), reqMeta.Auth.UserID())); err != nil {
		connLogger.Warn("Failed to queue connected frame", slog.Any("error", err))
	}
	a.observer.Observe(metrics.ConnectionOpened)
	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) send(ctx context.Context, t state.Transport, frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, a.config.Transport.SendTimeout)
	defer cancel()
	return t.Send(sendCtx, data)
}

// Broadcast sends msg to every member of roomID and returns how many members
// it was addressed to. With the optimizer enabled each member is optimized
// independently; suppressed messages are dropped and batched ones arrive
// later through flushBatch.
func (a *App) Broadcast(ctx context.Context, roomID string, msg *optimizer.OutboundMessage) int {
	if a.optimizer == nil {
		data, err := protocol.Encode(eventFrame(msg))
		if err != nil {
			a.logger.Error("Failed to encode broadcast", slog.String("room", roomID), slog.Any("error", err))
			return 0
		}
		return a.manager.Broadcast(ctx, roomID, data).Recipients
	}

	members := a.manager.Members(roomID)
	for _, conn := range members {
		res := a.optimizer.Optimize(msg, conn.ID.String())
		if !res.Deliverable() {
			continue
		}
		a.deliver(conn.ID, eventFrame(res.Message))
	}
	return len(members)
}

// flushBatch is the optimizer's flush function.
func (a *App) flushBatch(targetID string, batch []*optimizer.OutboundMessage) {
	id, err := uuid.Parse(targetID)
	if err != nil {
		a.logger.Error("Batch flushed for malformed target", slog.String("target", targetID))
		return
	}
	frames := make([]protocol.ServerFrame, 0, len(batch))
	for _, msg := range batch {
		frames = append(frames, eventFrame(msg))
	}
	a.deliver(id, protocol.Batch(frames, a.clock.Now()))
}

// deliver sends frame to one connection without blocking the caller.
func (a *App) deliver(connID uuid.UUID, frame protocol.ServerFrame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		a.logger.Error("Failed to encode frame", slog.String("type", frame.Type), slog.Any("error", err))
		return
	}
	a.sends.Add(1)
	go func() {
		defer a.sends.Done()
		a.manager.Deliver(a.ctx, connID, data)
	}()
}

// Bridge returns the upstream bridge so events can be injected directly.
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

func (a *App) Manager() state.Manager {
	return a.manager
}

// Observer exposes the in-process event counts.
func (a *App) Observer() *metrics.Counting {
	return a.counting
}

// Shutdown stops the gateway. Only the first call does any work; later calls
// return its result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

// graceful shutdown sequence.
func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down server...")
	a.ready.Store(false)

	var errs error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close upstream: %w", err))
		}
	}
	if a.optimizer != nil {
		a.optimizer.Close()
	}
	a.manager.Wait()
	a.sends.Wait()

	// drain every send queue, then close with a normal closure.
	conns := a.manager.Connections()
	a.logger.Info("Closing all active connections...", slog.Int("count", len(conns)))
	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if d, ok := conn.Transport.(interface{ Drain(context.Context) error }); ok {
				if err := d.Drain(ctx); err != nil {
					a.logger.Debug("Send queue not drained", slog.String("connID", conn.ID.String()), slog.Any("error", err))
				}
			}
			conn.Transport.Close(protocol.CloseNormal, shutdownReason)
			return nil
		})
	}
	_ = g.Wait()

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	a.cancel()

	if errs != nil {
		a.logger.Error("Server shut down with errors", slog.Any("error", errs))
		return errs
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
