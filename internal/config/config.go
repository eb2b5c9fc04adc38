// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML points policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Logging  LoggingConfig
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Realtime RealtimeConfig
	Push     PushConfig
	Auth     AuthConfig
	Ledger   LedgerConfig
	Feed     FeedConfig

	// PointsFile optionally points at a YAML policy overriding Points.
	PointsFile string `env:"POINTS_POLICY_FILE"`
	Points     PointsPolicy
}

type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=text"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX,default=engagement"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=20s"`
	// RateLimit is the sustained write requests per second per viewer.
	RateLimit float64 `env:"HTTP_RATE_LIMIT,default=5"`
	RateBurst int     `env:"HTTP_RATE_BURST,default=10"`
	// CORSOrigins is a comma separated allow list; "*" allows any origin.
	CORSOrigins string `env:"HTTP_CORS_ORIGINS,default=*"`
}

// DatabaseConfig selects the store. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN          string        `env:"DATABASE_URL"`
	MaxOpenConns int           `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnLifetime time.Duration `env:"DATABASE_CONN_LIFETIME,default=30m"`
	Migrate      bool          `env:"DATABASE_MIGRATE,default=true"`
	// QueryTimeout bounds each post, feed and reaction store call.
	QueryTimeout time.Duration `env:"DATABASE_QUERY_TIMEOUT,default=5s"`
}

// RedisConfig enables the shared feed page cache when Addr is set.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB,default=0"`
	FeedTTL  time.Duration `env:"FEED_CACHE_TTL,default=15s"`
}

// RealtimeConfig enables the external reaction change stream when URL is set.
type RealtimeConfig struct {
	URL       string        `env:"SUPABASE_URL"`
	APIKey    string        `env:"SUPABASE_SERVICE_ROLE_KEY"`
	Heartbeat time.Duration `env:"REALTIME_HEARTBEAT,default=25s"`
}

// PushConfig enables FCM delivery when CredentialsFile is set.
type PushConfig struct {
	CredentialsFile string        `env:"FIREBASE_CREDENTIALS_PATH"`
	Workers         int           `env:"NOTIFY_WORKERS,default=4"`
	QueueSize       int           `env:"NOTIFY_QUEUE_SIZE,default=1024"`
	Timeout         time.Duration `env:"NOTIFY_TIMEOUT,default=10s"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 access tokens issued by Supabase Auth.
	JWTSecret string `env:"SUPABASE_JWT_SECRET"`
	// Audience is checked when set.
	Audience string `env:"JWT_AUDIENCE,default=authenticated"`
}

type LedgerConfig struct {
	Timeout          time.Duration `env:"LEDGER_TIMEOUT,default=3s"`
	RelaySchedule    string        `env:"COMPENSATION_SCHEDULE,default=@every 30s"`
	ReactionPostsLRU int           `env:"REACTION_CACHE_POSTS,default=10000"`
}

type FeedConfig struct {
	CacheSize int `env:"FEED_CACHE_SIZE,default=4096"`
}

// Load reads .env (if present), the environment, then the points policy file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes configuration from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{Points: DefaultPointsPolicy()}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.PointsFile != "" {
		policy, err := LoadPointsPolicyFromPath(cfg.PointsFile)
		if err != nil {
			return nil, err
		}
		cfg.Points = policy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Realtime.URL != "" && c.Realtime.APIKey == "" {
		problems = append(problems, "SUPABASE_SERVICE_ROLE_KEY is required with SUPABASE_URL")
	}
	if c.Realtime.URL != "" && c.Database.DSN == "" {
		problems = append(problems, "SUPABASE_URL requires DATABASE_URL: the change stream observes the postgres store")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		problems = append(problems, "rate limits must not be negative")
	}
	if err := c.Points.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
