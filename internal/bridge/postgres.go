package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/jackc/pgx/v5"
)

// PostgresSource LISTENs on a channel fed by NOTIFY triggers. The
// connection belongs to Run; Close only stops Run and waits for it.
type PostgresSource struct {
	cfg    config.PostgresConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPostgresSource(cfg config.PostgresConfig, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "bridge_postgres"), slog.String("channel", cfg.Channel)),
	}
}

func (s *PostgresSource) Name() string { return "postgres" }

func (s *PostgresSource) Run(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	defer close(done)

	conn, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer func() {
		if err := conn.Close(context.Background()); err != nil {
			s.logger.Warn("Failed to close Postgres connection", slog.Any("error", err))
		}
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.cfg.Channel}.Sanitize()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.cfg.Channel, err)
	}
	s.logger.Info("Listening for Postgres notifications")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		handleLogged(ctx, s.logger, handle, []byte(n.Payload))
	}
}

// Close stops a running Run and returns once its connection is closed. A
// source closed before Run starts never connects.
func (s *PostgresSource) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
