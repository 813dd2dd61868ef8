// ABOUTME: Conversation service wiring: store, delivery publisher, clock
// ABOUTME: All conversation, message and receipt operations hang off Service

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/store"
)

// Publisher receives events after the change they describe is persisted.
type Publisher interface {
	Publish(ctx context.Context, ev delivery.Event)
	PublishNewest(ctx context.Context, conv *store.Conversation, msg *store.Message)
}

// Service implements the conversation core.
type Service struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service. A nil publisher drops events.
func New(st store.Store, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Service{
		store:     st,
		publisher: pub,
		logger:    logger.With("component", "conversation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) deliver(ctx context.Context, ev delivery.Event) {
	s.publisher.Publish(context.WithoutCancel(ctx), ev)
}

func internalErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperr.ErrInternal, op, err)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, delivery.Event) {}

func (noopPublisher) PublishNewest(context.Context, *store.Conversation, *store.Message) {}
