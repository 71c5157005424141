package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal(":8081", cfg.APIAddr)
	req.Equal(3, cfg.Delivery.MaxAttempts)
	req.Equal(50*time.Millisecond, cfg.Delivery.BaseDelay)
	req.Equal(32, cfg.Registry.Shards)
	req.Equal(5*time.Minute, cfg.Session.IdleTimeout)
	req.Equal([]string{"localhost:9042"}, cfg.ScyllaHosts)
	req.False(cfg.KafkaEnabled())
}

func TestLoadNestedPrefixes(t *testing.T) {
	req := require.New(t)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DELIVERY_MAX_ATTEMPTS", "5")
	t.Setenv("REGISTRY_LIVENESS_TIMEOUT", "30s")
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(5, cfg.Delivery.MaxAttempts)
	req.Equal(30*time.Second, cfg.Registry.LivenessTimeout)
	req.Equal(3, cfg.RateLimit.Burst)
	req.Equal([]string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	req.True(cfg.KafkaEnabled())
}

func TestValidate(t *testing.T) {
	req := require.New(t)

	t.Setenv("DELIVERY_MAX_ATTEMPTS", "0")
	t.Setenv("LOG_FORMAT", "xml")
	_, err := Load()
	req.ErrorContains(err, "DELIVERY_MAX_ATTEMPTS")
	req.ErrorContains(err, "LOG_FORMAT")
}

func TestValidateAuth(t *testing.T) {
	req := require.New(t)

	cfg := &Config{StoreDriver: "postgres", JWTSecret: DevJWTSecret}
	req.ErrorContains(cfg.ValidateAuth(), "JWT_SECRET must be set")

	cfg.StoreDriver = "memory"
	req.NoError(cfg.ValidateAuth())

	cfg.JWTSecret = ""
	req.ErrorContains(cfg.ValidateAuth(), "must not be empty")

	cfg.StoreDriver = "postgres"
	cfg.JWTSecret = "s3cret"
	req.NoError(cfg.ValidateAuth())
}

func TestValidateStore(t *testing.T) {
	req := require.New(t)

	cfg := &Config{StoreDriver: "postgres"}
	req.ErrorContains(cfg.ValidateStore(), "DATABASE_URL")

	cfg.DatabaseURL = "postgres://localhost/chat"
	req.NoError(cfg.ValidateStore())

	cfg.StoreDriver = "sqlite"
	req.ErrorContains(cfg.ValidateStore(), "STORE_DRIVER")

	cfg.StoreDriver = "memory"
	cfg.DatabaseURL = ""
	req.NoError(cfg.ValidateStore())
}
