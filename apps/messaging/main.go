package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/projection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New("messaging", cfg.NodeID, cfg.LogLevel, cfg.LogFormat)
	if !cfg.KafkaEnabled() {
		log.Fatal().Msg("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Note: In production, schema creation should be handled by migration tools
	if err := db.EnsureKeyspace(cfg.ScyllaHosts, cfg.Keyspace, 1, log); err != nil {
		log.Fatal().Err(err).Msg("failed to create keyspace")
	}
	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	if err := projection.EnsureSchema(session.Session); err != nil {
		log.Fatal().Err(err).Msg("failed to create projection tables")
	}

	consumer := NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, projection.New(session.Session, log), log)
	defer consumer.Close()

	log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("starting Kafka consumer")
	if err := consumer.Consume(ctx); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}
}
