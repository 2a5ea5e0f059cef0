package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Fees     FeeConfig      `mapstructure:"fees"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Alert    AlertConfig    `mapstructure:"alert"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	DBName           string        `mapstructure:"dbname"`
	SSLMode          string        `mapstructure:"sslmode"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// EngineConfig tunes the event processor and its retry policy.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"`
	RateLockExpiry time.Duration `mapstructure:"rate_lock_expiry"`
}

type FeeConfig struct {
	PlatformRate string `mapstructure:"platform_rate"` // decimal fraction, e.g. "0.05"
}

// Rate parses the platform fee rate. It must lie in [0, 1).
func (f FeeConfig) Rate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(f.PlatformRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing platform fee rate %q: %w", f.PlatformRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("platform fee rate %s out of range [0, 1)", rate)
	}
	return rate, nil
}

type GatewayConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	Timeout            time.Duration `mapstructure:"timeout"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"`
}

type OracleConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// AlertConfig configures the dead-event alert channel. Empty URL disables delivery.
type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Secret     string `mapstructure:"secret"`
}

// LimitsConfig bounds HTTP intake per client IP and per request.
type LimitsConfig struct {
	APIPerWindow     int64         `mapstructure:"api_per_window"`
	WebhookPerWindow int64         `mapstructure:"webhook_per_window"`
	Window           time.Duration `mapstructure:"window"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: SETTLE_.
// Nested keys use underscore: SETTLE_DATABASE_HOST, SETTLE_ENGINE_MAX_ATTEMPTS, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "settlement")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	// lock_timeout is set per transaction, statement_timeout per connection.
	v.SetDefault("database.lock_timeout", "5s")
	v.SetDefault("database.statement_timeout", "30s")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.batch_size", 20)
	v.SetDefault("engine.poll_interval", "1s")
	v.SetDefault("engine.max_attempts", 8)
	v.SetDefault("engine.backoff_base", "2s")
	v.SetDefault("engine.backoff_max", "10m")
	v.SetDefault("engine.stuck_after", "5m")
	v.SetDefault("engine.rate_lock_expiry", "72h")
	v.SetDefault("fees.platform_rate", "0.05")
	v.SetDefault("gateway.base_url", "http://localhost:12111")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.webhook_secret", "")
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.signature_tolerance", "5m")
	v.SetDefault("gateway.dedup_ttl", "24h")
	v.SetDefault("oracle.base_url", "http://localhost:12112")
	v.SetDefault("oracle.timeout", "5s")
	v.SetDefault("oracle.cache_ttl", "30s")
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.secret", "")
	v.SetDefault("limits.api_per_window", 120)
	v.SetDefault("limits.webhook_per_window", 600)
	v.SetDefault("limits.window", "1m")
	v.SetDefault("limits.max_body_bytes", 1<<20)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// SETTLE_ENGINE_MAX_ATTEMPTS -> engine.max_attempts
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Engine.Workers < 1 {
		return nil, fmt.Errorf("engine.workers must be positive, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.MaxAttempts < 1 {
		return nil, fmt.Errorf("engine.max_attempts must be positive, got %d", cfg.Engine.MaxAttempts)
	}
	if _, err := cfg.Fees.Rate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
