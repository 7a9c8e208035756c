package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/nats-io/nats.go"
)

// NATSSource subscribes to a subject, optionally in a queue group so several
// gateways can share one feed.
type NATSSource struct {
	cfg    config.NATSConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

func NewNATSSource(cfg config.NATSConfig, logger *slog.Logger) *NATSSource {
	return &NATSSource{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "bridge_nats"), slog.String("subject", cfg.Subject)),
	}
}

func (s *NATSSource) Name() string { return "nats" }

func (s *NATSSource) Run(ctx context.Context, handle Handler) error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("go-fanout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	s.mu.Lock()
	s.conn = nc
	s.mu.Unlock()

	cb := func(msg *nats.Msg) {
		handleLogged(ctx, s.logger, handle, msg.Data)
	}
	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, cb)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, cb)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info("Subscribed to NATS subject", slog.String("queue", s.cfg.Queue))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		s.logger.Warn("NATS unsubscribe failed", slog.Any("error", err))
	}
	return nil
}

func (s *NATSSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn = nil
	return err
}
