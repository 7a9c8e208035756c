package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// GOFANOUT_AUTH_JWTSECRET.
const EnvPrefix = "GOFANOUT"

// Load reads configuration from a file and environment variables.
// An empty path looks for config.yaml in the working directory and tolerates
// its absence; an explicit path must exist.
func Load(logger *slog.Logger, path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default on v. Keys must be registered for
// AutomaticEnv to pick up overrides during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.trustProxy", false)
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.connectionLimit.maxTotal", 10000)
	v.SetDefault("server.connectionLimit.maxPerAddress", 50)
	v.SetDefault("server.connectionLimit.maxRoomsPerConn", 100)
	v.SetDefault("server.handshake.ratePerSecond", 5.0)
	v.SetDefault("server.handshake.burst", 10)
	v.SetDefault("server.handshake.idleTTL", "3m")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("auth.elevatedRoles", []string{"admin", "system"})
	v.SetDefault("auth.teamPolicy", "membership")

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "5s")
	v.SetDefault("transport.sendTimeout", "2s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxFrameBytes", 16*1024)

	v.SetDefault("rateLimit.maxMessages", 100)
	v.SetDefault("rateLimit.window", "1m")
	v.SetDefault("rateLimit.sweepInterval", "1m")

	v.SetDefault("optimizer.enabled", true)
	v.SetDefault("optimizer.dedupWindow", "5s")
	v.SetDefault("optimizer.dedupCacheSize", 1024)
	v.SetDefault("optimizer.batchSize", 10)
	v.SetDefault("optimizer.batchTimeout", "100ms")
	v.SetDefault("optimizer.compressionThreshold", 1024)
	v.SetDefault("optimizer.sweepInterval", "30s")

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.staleAfter", "90s")
	v.SetDefault("heartbeat.probeTimeout", "10s")
	v.SetDefault("heartbeat.enforceTokenExpiry", true)

	v.SetDefault("upstream.driver", "none")
	v.SetDefault("upstream.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("upstream.nats.subject", "changes.>")
	v.SetDefault("upstream.nats.queue", "")
	v.SetDefault("upstream.redis.addr", "127.0.0.1:6379")
	v.SetDefault("upstream.redis.password", "")
	v.SetDefault("upstream.redis.db", 0)
	v.SetDefault("upstream.redis.channels", []string{"changes"})
	v.SetDefault("upstream.postgres.dsn", "")
	v.SetDefault("upstream.postgres.channel", "entity_changes")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "fanout")
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required")
	}
	switch c.Auth.TeamPolicy {
	case "membership", "allow", "deny":
	default:
		return fmt.Errorf("auth.teamPolicy: unknown policy %q", c.Auth.TeamPolicy)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/': %q", c.Server.Path)
	}
	if c.Server.ConnectionLimit.MaxTotal <= 0 || c.Server.ConnectionLimit.MaxPerAddress <= 0 {
		return errors.New("server.connectionLimit caps must be positive")
	}
	if c.RateLimit.MaxMessages <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rateLimit.maxMessages and rateLimit.window must be positive")
	}
	if c.Transport.MaxFrameBytes <= 0 || c.Transport.SendBuffer <= 0 {
		return errors.New("transport.maxFrameBytes and transport.sendBuffer must be positive")
	}
	if c.Optimizer.Enabled {
		if c.Optimizer.BatchSize <= 0 || c.Optimizer.BatchTimeout <= 0 {
			return errors.New("optimizer.batchSize and optimizer.batchTimeout must be positive")
		}
		if c.Optimizer.DedupCacheSize <= 0 {
			return errors.New("optimizer.dedupCacheSize must be positive")
		}
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.StaleAfter <= 0 {
		return errors.New("heartbeat.interval and heartbeat.staleAfter must be positive")
	}
	switch c.Upstream.Driver {
	case "none", "nats", "redis", "postgres":
	default:
		return fmt.Errorf("upstream.driver: unknown driver %q", c.Upstream.Driver)
	}
	return nil
}
