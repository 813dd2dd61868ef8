// ABOUTME: In-process broker for single-instance deployments and tests
// ABOUTME: Delivers each published record synchronously to the topic's subscribers

package broker

import (
	"context"
	"log/slog"
	"maps"
	"sync"
)

// Memory is an in-process Publisher with topic subscriptions.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewMemory creates an empty in-process broker. Pass nil logger for default.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		handlers: make(map[string][]Handler),
		logger:   logger.With("component", "broker"),
	}
}

// Subscribe registers h for records on topic.
func (m *Memory) Subscribe(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], h)
}

// Publish hands the record to every subscriber of topic. Handler errors are
// logged; the publish itself always succeeds.
func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[topic]...)
	m.mu.RUnlock()

	msg := &Message{
		Topic:   topic,
		Key:     key,
		Value:   append([]byte(nil), payload...),
		Headers: maps.Clone(headers),
	}
	for _, h := range handlers {
		if err := h.Handle(ctx, msg); err != nil {
			m.logger.Warn("subscriber failed", "topic", topic, "key", key, "error", err)
		}
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

var _ Publisher = (*Memory)(nil)
