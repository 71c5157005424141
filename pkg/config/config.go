package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DevJWTSecret is the JWT_SECRET default. It is accepted only with the
// memory store.
const DevJWTSecret = "my_secret_key"

type Config struct {
	// Core
	Service string `env:"SERVICE_NAME" envDefault:"gateway"`
	NodeID  string `env:"NODE_ID"`
	Addr    string `env:"ADDR" envDefault:":8080"`
	APIAddr string `env:"API_ADDR" envDefault:":8081"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Storage
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"16"`
	DBMinConns    int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	SkipMigration bool   `env:"SKIP_MIGRATIONS" envDefault:"false"`

	// Auth
	JWTSecret string        `env:"JWT_SECRET" envDefault:"my_secret_key"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Infrastructure; empty disables the integration.
	RedisAddr    string   `env:"REDIS_ADDR"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat-events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"messaging-service-group"`
	ScyllaHosts  []string `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace     string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`

	Delivery  Delivery  `envPrefix:"DELIVERY_"`
	Session   Session   `envPrefix:"SESSION_"`
	Registry  Registry  `envPrefix:"REGISTRY_"`
	RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
}

type Delivery struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"50ms"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"1s"`
	PushTimeout time.Duration `env:"PUSH_TIMEOUT" envDefault:"5s"`
	FlushBatch  int           `env:"FLUSH_BATCH" envDefault:"100"`
	LockStripes int           `env:"LOCK_STRIPES" envDefault:"64"`
}

type Session struct {
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	CacheSize   int           `env:"CACHE_SIZE" envDefault:"256"`
	MailboxSize int           `env:"MAILBOX_SIZE" envDefault:"64"`
	MaxPayload  int           `env:"MAX_PAYLOAD" envDefault:"4096"`
}

type Registry struct {
	Shards          int           `env:"SHARDS" envDefault:"32"`
	LivenessTimeout time.Duration `env:"LIVENESS_TIMEOUT" envDefault:"90s"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`
	PresenceTTL     time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`
}

type RateLimit struct {
	PerSecond float64 `env:"PER_SECOND" envDefault:"20"`
	Burst     int     `env:"BURST" envDefault:"40"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ValidateAuth checks the token secret. Only processes that sign or verify
// tokens call it.
func (c *Config) ValidateAuth() error {
	switch {
	case c.JWTSecret == "":
		return errors.New("JWT_SECRET must not be empty")
	case c.JWTSecret == DevJWTSecret && c.StoreDriver != "memory":
		return errors.New("JWT_SECRET must be set when STORE_DRIVER is not memory")
	}
	return nil
}

// ValidateStore checks the store settings. Only processes that open the
// store call it.
func (c *Config) ValidateStore() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("DELIVERY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Delivery.BaseDelay > c.Delivery.MaxDelay {
		errs = append(errs, errors.New("DELIVERY_BASE_DELAY exceeds DELIVERY_MAX_DELAY"))
	}
	if c.Registry.Shards < 1 {
		errs = append(errs, errors.New("REGISTRY_SHARDS must be at least 1"))
	}
	if c.Registry.LivenessTimeout > 0 && c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("REGISTRY_SWEEP_INTERVAL must be positive"))
	}
	if c.Session.CacheSize < 0 || c.Session.MaxPayload < 1 {
		errs = append(errs, errors.New("SESSION_CACHE_SIZE and SESSION_MAX_PAYLOAD must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SECOND and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether events should be published.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }
