package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Kafka writes envelopes keyed by conversation id, so the events of one
// conversation land on one partition in the order they were published.
type Kafka struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewKafka(brokers []string, topic string, log zerolog.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log: log.With().Str("component", "events").Str("topic", topic).Logger(),
	}
}

func encode(env Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", env.Kind, err)
	}
	return kafka.Message{
		Key:   []byte(env.ConversationID),
		Value: value,
		Time:  env.At,
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, env Envelope) error {
	msg, err := encode(env)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", env.Kind, err)
	}
	k.log.Debug().Str("kind", string(env.Kind)).Str("conversation_id", env.ConversationID).Msg("event published")
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Consumer reads envelopes as part of a consumer group and commits each one
// only after the handler accepted it.
type Consumer struct {
	reader *kafka.Reader
	log    zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		}),
		log: log.With().Str("component", "consumer").Str("topic", topic).Str("group", groupID).Logger(),
	}
}

// Run blocks until ctx is done. Undecodable records are skipped; a handler
// error leaves the record uncommitted and is retried after a pause.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, Envelope) error) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("error reading message, retrying in 1s")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		env, err := Decode(m.Value)
		if err != nil {
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable event")
			c.commit(ctx, m)
			continue
		}

		for {
			err := handle(ctx, env)
			if err == nil {
				break
			}
			c.log.Error().Err(err).Str("kind", string(env.Kind)).Int64("offset", m.Offset).Msg("failed to apply event")
			if !sleep(ctx, time.Second) {
				return nil
			}
		}
		c.commit(ctx, m)
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
