// ABOUTME: Kafka consumer group that feeds records to a broker Handler
// ABOUTME: Marks a record only after its handler succeeded (at-least-once)

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/2389/parlor-gateway/internal/broker"
)

// Consumer reads topics as a member of a consumer group.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler broker.Handler
	logger  *slog.Logger
}

// NewConsumer joins groupID on brokers. A nil cfg uses sarama defaults.
func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, handler broker.Handler, logger *slog.Logger) (*Consumer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer group: %w", err)
	}
	return &Consumer{group: g, handler: handler, logger: logger.With("component", "kafka-consumer")}, nil
}

// Run consumes topics until ctx is cancelled. Consume returns on every
// rebalance, so it is called in a loop.
func (c *Consumer) Run(ctx context.Context, topics []string) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("consumer group error", "error", err)
		}
	}()

	for {
		err := c.group.Consume(ctx, topics, consumerGroupHandler{handler: c.handler, logger: c.logger})
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consuming %v: %w", topics, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler broker.Handler
	logger  *slog.Logger
}

func (h consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handler.Handle(sess.Context(), toMessage(message)); err != nil {
			// Offsets are cumulative, so nothing after this record may be
			// marked. Returning ends the session and Run rejoins from the last
			// committed offset, which redelivers this record.
			h.logger.Warn("handler failed", "topic", message.Topic, "partition", message.Partition, "offset", message.Offset, "error", err)
			return fmt.Errorf("handling %s/%d@%d: %w", message.Topic, message.Partition, message.Offset, err)
		}
		sess.MarkMessage(message, "")
	}
	return nil
}

func toMessage(m *sarama.ConsumerMessage) *broker.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	return &broker.Message{
		Topic:   m.Topic,
		Key:     string(m.Key),
		Value:   m.Value,
		Headers: headers,
	}
}
