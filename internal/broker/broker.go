// ABOUTME: Broker contracts for durable event fan-out between gateway instances
// ABOUTME: Implemented in-process by Memory and by the kafka subpackage

package broker

import (
	"context"
)

// Message is one record read from or written to a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher writes records to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// Handler processes consumed records. Returning an error leaves the record
// unacknowledged where the broker supports redelivery.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
