package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/delivery"
	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/mahaj/dupahar-chat/pkg/retry"
	"github.com/mahaj/dupahar-chat/pkg/session"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log := logging.New(cfg.Service, cfg.NodeID, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
	log.Info().Msg("gateway stopped")
}

// openStore connects the configured store. Any failure here is fatal: the
// gateway never starts without durable storage.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("using in-memory store, messages will not survive a restart")
		return store.NewMemory(), nil
	}

	if !cfg.SkipMigration {
		if err := db.RunMigrations(cfg.DatabaseURL, log); err != nil {
			return nil, err
		}
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, err
	}
	log.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to postgres")
	return store.NewPostgres(pool), nil
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap store: %w", err)
	}
	defer st.Close()

	ids, err := snowflake.NewNode(snowflake.NodeNumber(cfg.NodeID))
	if err != nil {
		return err
	}
	reg, err := registry.New(registry.Options{
		Node:            cfg.NodeID,
		Shards:          cfg.Registry.Shards,
		LivenessTimeout: cfg.Registry.LivenessTimeout,
		SweepInterval:   cfg.Registry.SweepInterval,
		IDs:             ids,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	router := delivery.NewRouter(reg, st, delivery.Options{
		Retry: retry.Config{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.BaseDelay,
			MaxDelay:    cfg.Delivery.MaxDelay,
			Multiplier:  2,
			Jitter:      true,
		},
		PushTimeout: cfg.Delivery.PushTimeout,
		FlushBatch:  cfg.Delivery.FlushBatch,
		LockStripes: cfg.Delivery.LockStripes,
		Logger:      log,
	})
	reg.Subscribe(router.HandlePresence)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, presence mirror will retry per event")
		}
		presence := registry.NewRedisPresence(rdb, cfg.Registry.PresenceTTL, log)
		reg.Subscribe(presence.Handle)
		g.Go(func() error {
			presence.Keepalive(gctx, reg, cfg.Registry.PresenceTTL/2)
			return nil
		})
	}

	var pub events.Publisher = events.Nop{}
	if cfg.KafkaEnabled() {
		pub = events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}
	defer pub.Close()

	manager := session.NewManager(st, router, pub, session.Options{
		Node:        cfg.NodeID,
		IdleTimeout: cfg.Session.IdleTimeout,
		CacheSize:   cfg.Session.CacheSize,
		MailboxSize: cfg.Session.MailboxSize,
		MaxPayload:  cfg.Session.MaxPayload,
		Logger:      log,
	})

	gw := gateway.New(manager, reg, router, auth.New(cfg.JWTSecret, cfg.TokenTTL), st, gateway.Options{
		Node:           cfg.NodeID,
		MaxMessageSize: int64(cfg.Session.MaxPayload)*2 + 1024,
		RateLimit:      rate.Limit(cfg.RateLimit.PerSecond),
		Burst:          cfg.RateLimit.Burst,
		Logger:         log,
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("gateway service starting")
		return gateway.Serve(gctx, gateway.NewServer(cfg.Addr, gw.Handler()), shutdownGrace)
	})
	g.Go(func() error {
		reg.Run(gctx)
		return nil
	})

	err = g.Wait()

	// Close every channel first so that draining sessions queue the rest.
	reg.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if cerr := manager.Close(sctx); cerr != nil {
		log.Warn().Err(cerr).Msg("session drain incomplete")
	}
	router.Wait()
	return err
}
