// ABOUTME: Kafka producer adapter for the broker Publisher contract
// ABOUTME: Idempotent synchronous producer that waits for all in-sync replicas

package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/2389/parlor-gateway/internal/broker"
)

// Producer publishes records with a sarama SyncProducer.
type Producer struct {
	sync sarama.SyncProducer
}

// NewProducer connects to brokers. A nil cfg uses sarama defaults with
// bounded network and acknowledgement timeouts.
func NewProducer(brokers []string, cfg *sarama.Config) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Producer.Timeout = 5 * time.Second
		cfg.Net.DialTimeout = 5 * time.Second
		cfg.Net.ReadTimeout = 10 * time.Second
		cfg.Net.WriteTimeout = 10 * time.Second
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	// Idempotence requires a single in-flight request per connection.
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return &Producer{sync: sync}, nil
}

// Publish sends one record keyed by key. Records sharing a key land on the
// same partition, which keeps per-conversation order best effort. It returns
// when ctx ends even if the send is still in flight.
func (p *Producer) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var hs []sarama.RecordHeader
	for k, v := range headers {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(payload),
		Headers: hs,
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.sync.SendMessage(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publishing to %s: %w", topic, ctx.Err())
	}
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}

var _ broker.Publisher = (*Producer)(nil)
