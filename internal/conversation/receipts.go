// ABOUTME: Read-receipt tracking for single messages and whole conversations
// ABOUTME: Receipt events are emitted only when ReadBy actually changes

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/store"
)

// MarkRead records that readerID read messageID. Reading your own message,
// or reading it twice, is a no-op that emits nothing.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, internalErr("loading message", err)
	}
	conv, err := s.loadForParticipant(ctx, readerID, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	updated, changed, err := s.store.AddReader(ctx, messageID, readerID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, internalErr("recording read receipt", err)
	}
	if changed {
		s.deliver(ctx, delivery.NewReceiptEvent(conv, updated, readerID))
	}
	return updated, nil
}

// MarkConversationRead marks every message readerID has not read and did not
// send. It emits one receipt event per changed message and returns the count.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int, error) {
	conv, err := s.loadForParticipant(ctx, readerID, conversationID)
	if err != nil {
		return 0, err
	}
	changed, err := s.store.AddReaderToConversation(ctx, conversationID, readerID, s.now())
	if err != nil {
		return 0, internalErr("recording read receipts", err)
	}
	for _, msg := range changed {
		s.deliver(ctx, delivery.NewReceiptEvent(conv, msg, readerID))
	}
	if len(changed) > 0 {
		s.logger.Debug("conversation marked read", "conversation_id", conversationID, "reader_id", readerID, "messages", len(changed))
	}
	return len(changed), nil
}
