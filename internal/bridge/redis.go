package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// RedisSource listens on one or more Redis pub/sub channels.
type RedisSource struct {
	cfg    config.RedisConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	pubsub *redis.PubSub
}

func NewRedisSource(cfg config.RedisConfig, logger *slog.Logger) *RedisSource {
	return &RedisSource{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "bridge_redis"), slog.Any("channels", cfg.Channels)),
	}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Run(ctx context.Context, handle Handler) error {
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	pubsub := client.Subscribe(ctx, s.cfg.Channels...)
	s.mu.Lock()
	s.client, s.pubsub = client, pubsub
	s.mu.Unlock()

	// wait for the subscription to be confirmed before reporting success
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	s.logger.Info("Subscribed to Redis channels")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription closed")
			}
			handleLogged(ctx, s.logger, handle, []byte(msg.Payload))
		}
	}
}

func (s *RedisSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.pubsub != nil {
		err = multierr.Append(err, s.pubsub.Close())
		s.pubsub = nil
	}
	if s.client != nil {
		err = multierr.Append(err, s.client.Close())
		s.client = nil
	}
	return err
}
