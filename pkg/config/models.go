package config

import "time"

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Transport TransportConfig
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Optimizer OptimizerConfig
	Heartbeat HeartbeatConfig
	Upstream  UpstreamConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Address         string
	Path            string
	TrustProxy      bool                  `mapstructure:"trustProxy"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	Handshake       HandshakeConfig
	// AllowedOrigins are host patterns accepted from browsers. Empty skips
	// origin verification; tokens travel in the query string, not cookies.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type ConnectionLimitConfig struct {
	MaxTotal        int `mapstructure:"maxTotal"`
	MaxPerAddress   int `mapstructure:"maxPerAddress"`
	MaxRoomsPerConn int `mapstructure:"maxRoomsPerConn"`
}

// HandshakeConfig throttles upgrade attempts per source address.
type HandshakeConfig struct {
	RatePerSecond float64       `mapstructure:"ratePerSecond"`
	Burst         int           `mapstructure:"burst"`
	IdleTTL       time.Duration `mapstructure:"idleTTL"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwtSecret"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
	ElevatedRoles []string      `mapstructure:"elevatedRoles"`
	// TeamPolicy is one of "membership", "allow" or "deny".
	TeamPolicy string `mapstructure:"teamPolicy"`
}

type TransportConfig struct {
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	SendTimeout   time.Duration `mapstructure:"sendTimeout"`
	SendBuffer    int           `mapstructure:"sendBuffer"`
	MaxFrameBytes int64         `mapstructure:"maxFrameBytes"`
}

type RateLimitConfig struct {
	MaxMessages   int           `mapstructure:"maxMessages"`
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type OptimizerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	DedupWindow          time.Duration `mapstructure:"dedupWindow"`
	DedupCacheSize       int           `mapstructure:"dedupCacheSize"`
	BatchSize            int           `mapstructure:"batchSize"`
	BatchTimeout         time.Duration `mapstructure:"batchTimeout"`
	CompressionThreshold int           `mapstructure:"compressionThreshold"`
	SweepInterval        time.Duration `mapstructure:"sweepInterval"`
}

type HeartbeatConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	StaleAfter         time.Duration `mapstructure:"staleAfter"`
	ProbeTimeout       time.Duration `mapstructure:"probeTimeout"`
	EnforceTokenExpiry bool          `mapstructure:"enforceTokenExpiry"`
}

type UpstreamConfig struct {
	// Driver is one of "none", "nats", "redis" or "postgres".
	Driver   string
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type RedisConfig struct {
	Addr     string   `mapstructure:"addr"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Channels []string `mapstructure:"channels"`
}

type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Channel string `mapstructure:"channel"`
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}
