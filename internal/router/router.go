package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Limiter decides whether a connection may have another frame processed.
type Limiter interface {
	IsAllowed(key string) bool
}

type Options struct {
	MaxFrameBytes int64
	SendTimeout   time.Duration
	Observer      metrics.Observer
	Clock         clock.Clock
}

type EventRouter struct {
	logger   *slog.Logger
	manager  state.Manager
	limiter  Limiter
	registry *Registry
	opts     Options
}

func NewEventRouter(logger *slog.Logger, manager state.Manager, limiter Limiter, registry *Registry, opts Options) *EventRouter {
	if opts.Observer == nil {
		opts.Observer = metrics.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		manager:  manager,
		limiter:  limiter,
		registry: registry,
		opts:     opts,
	}
}

// HandleMessage processes one inbound frame. The transport calls it serially
// per connection, so frames from one client are handled in arrival order.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.manager.Connection(connID)
	if !ok {
		r.logger.Warn("Received frame for unregistered connection", slog.String("connID", connID.String()))
		return
	}
	logger := r.logger.With(
		slog.String("connID", connID.String()),
		slog.String("userID", conn.UserID()),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic while handling frame",
				slog.Any("panic", rec),
				slog.Int("frameBytes", len(msg)),
				slog.String("stack", string(debug.Stack())),
			)
			r.sendError(ctx, conn, logger, protocol.CodeInternal)
		}
	}()

	now := r.opts.Clock.Now()
	conn.Touch(now)
	conn.IncProcessed()

	frame, perr := protocol.ParseClientFrame(msg, r.opts.MaxFrameBytes)
	if perr != nil {
		r.opts.Observer.Observe(metrics.FrameRejected)
		logger.Debug("Rejected client frame", slog.Any("error", perr))
		r.sendError(ctx, conn, logger, perr.Code)
		return
	}

	if r.limiter != nil && !r.limiter.IsAllowed(connID.String()) {
		r.opts.Observer.Observe(metrics.RateLimited)
		logger.Debug("Rate limit exceeded", slog.String("action", frame.Action))
		r.sendError(ctx, conn, logger, protocol.CodeRateLimited)
		return
	}

	fn, ok := r.registry.Action(frame.Action)
	if !ok {
		r.opts.Observer.Observe(metrics.FrameRejected)
		r.sendError(ctx, conn, logger, protocol.CodeUnknownAction)
		return
	}

	actx := &ActionContext{
		Ctx:     ctx,
		Conn:    conn,
		Frame:   frame,
		Manager: r.manager,
		Logger:  logger.With(slog.String("action", frame.Action)),
		Now:     now,
		reply: func(f any) error {
			return r.send(ctx, conn, f)
		},
	}
	if err := fn(actx); err != nil {
		code := errorFrameFor(err)
		if code == protocol.CodeInternal {
			logger.Error("Action failed", slog.String("action", frame.Action), slog.Any("error", err))
		} else {
			logger.Debug("Action refused", slog.String("action", frame.Action), slog.Any("error", err))
		}
		r.sendError(ctx, conn, logger, code)
	}
}

// errorFrameFor maps an action error to the code clients see. Anything not
// recognized is internal and its text is never sent.
func errorFrameFor(err error) protocol.Code {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		return perr.Code
	case errors.Is(err, state.ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, state.ErrInvalidRoom):
		return protocol.CodeInvalidRoom
	case errors.Is(err, state.ErrNotMember):
		return protocol.CodeNotSubscribed
	case errors.Is(err, state.ErrRoomLimit):
		return protocol.CodeRoomLimit
	default:
		return protocol.CodeInternal
	}
}

func (r *EventRouter) send(ctx context.Context, conn *state.Connection, frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()
	if err := conn.Transport.Send(sendCtx, data); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (r *EventRouter) sendError(ctx context.Context, conn *state.Connection, logger *slog.Logger, code protocol.Code) {
	if err := r.send(ctx, conn, protocol.NewError(code, r.opts.Clock.Now())); err != nil {
		logger.Warn("Failed to send error frame", slog.String("code", string(code)), slog.Any("error", err))
	}
}
