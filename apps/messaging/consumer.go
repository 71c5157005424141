package main

import (
	"context"

	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/rs/zerolog"
)

type applier interface {
	Apply(ctx context.Context, env events.Envelope) error
}

// Consumer feeds the event log into the read model. Events of one
// conversation share a partition, so they are applied in commit order.
type Consumer struct {
	source *events.Consumer
	db     applier
	log    zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, db applier, log zerolog.Logger) *Consumer {
	return &Consumer{
		source: events.NewConsumer(brokers, topic, groupID, log),
		db:     db,
		log:    log,
	}
}

func (c *Consumer) Consume(ctx context.Context) error {
	return c.source.Run(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, env events.Envelope) error {
	if env.ConversationID == "" {
		c.log.Warn().Str("kind", string(env.Kind)).Msg("skipping event without conversation")
		return nil
	}
	if err := c.db.Apply(ctx, env); err != nil {
		return err
	}
	if env.Kind == events.KindMessage && env.Message != nil {
		c.log.Debug().Int64("message_id", env.Message.ID).Str("conversation_id", env.ConversationID).Msg("message projected")
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.source.Close()
}
