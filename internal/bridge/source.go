package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-fanout/pkg/config"
)

// Handler consumes one raw upstream payload.
type Handler func(ctx context.Context, payload []byte) error

// Source is a subscription to the upstream change feed.
type Source interface {
	Name() string
	// Run delivers payloads to handle until ctx is done or the feed fails.
	// It returns nil on cancellation.
	Run(ctx context.Context, handle Handler) error
	Close() error
}

// NewSource builds the source selected by cfg.Driver. The "none" driver
// yields a nil Source.
func NewSource(cfg config.UpstreamConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "nats":
		if cfg.NATS.URL == "" || cfg.NATS.Subject == "" {
			return nil, errors.New("upstream.nats.url and upstream.nats.subject are required")
		}
		return NewNATSSource(cfg.NATS, logger), nil
	case "redis":
		if cfg.Redis.Addr == "" || len(cfg.Redis.Channels) == 0 {
			return nil, errors.New("upstream.redis.addr and upstream.redis.channels are required")
		}
		return NewRedisSource(cfg.Redis, logger), nil
	case "postgres":
		if cfg.Postgres.DSN == "" || cfg.Postgres.Channel == "" {
			return nil, errors.New("upstream.postgres.dsn and upstream.postgres.channel are required")
		}
		return NewPostgresSource(cfg.Postgres, logger), nil
	default:
		return nil, fmt.Errorf("unknown upstream driver %q", cfg.Driver)
	}
}

// handleLogged runs handle and keeps the feed going on failure. Bad events
// are the bridge's concern, not the transport's.
func handleLogged(ctx context.Context, logger *slog.Logger, handle Handler, payload []byte) {
	if err := handle(ctx, payload); err != nil {
		logger.Debug("Upstream payload not handled", slog.Any("error", err))
	}
}
