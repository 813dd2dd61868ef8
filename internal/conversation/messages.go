// ABOUTME: Message posting, editing, deletion and listing
// ABOUTME: Every write persists first and then hands an event to the publisher

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/store"
)

const defaultMessagePageSize = 50

// Body is the content of a posted message.
type Body struct {
	Text       string
	Attachment *store.FileRef
}

func (b Body) empty() bool {
	return strings.TrimSpace(b.Text) == "" && b.Attachment == nil
}

// MessageView is a message as seen by one participant.
type MessageView struct {
	Message   *store.Message
	IsMine    bool
	ReadByMe  bool
	ReadCount int
}

// Post appends a message to a conversation the sender participates in.
func (s *Service) Post(ctx context.Context, conversationID, senderID string, body Body) (*store.Message, error) {
	if body.empty() {
		return nil, fmt.Errorf("%w: message body is empty", apperr.ErrInvalidRequest)
	}
	conv, err := s.loadForParticipant(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.post(ctx, conv, senderID, body)
}

// PostDirect sends a message to receiverID, starting the DIRECT
// conversation on first contact.
func (s *Service) PostDirect(ctx context.Context, senderID, receiverID string, body Body) (*store.Message, error) {
	if body.empty() {
		return nil, fmt.Errorf("%w: message body is empty", apperr.ErrInvalidRequest)
	}
	conv, err := s.FindOrCreateDirect(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	return s.post(ctx, conv, senderID, body)
}

// PostGroup posts into a GROUP conversation only.
func (s *Service) PostGroup(ctx context.Context, conversationID, senderID string, body Body) (*store.Message, error) {
	if body.empty() {
		return nil, fmt.Errorf("%w: message body is empty", apperr.ErrInvalidRequest)
	}
	conv, err := s.loadForParticipant(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != store.ConversationGroup {
		return nil, fmt.Errorf("%w: %s is %s", apperr.ErrInvalidConversationType, conv.ID, conv.Type)
	}
	return s.post(ctx, conv, senderID, body)
}

func (s *Service) post(ctx context.Context, conv *store.Conversation, senderID string, body Body) (*store.Message, error) {
	now := s.now()
	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Body:           body.Text,
		Attachment:     body.Attachment,
		ReadBy:         []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, internalErr("saving message", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, now); err != nil {
		s.logger.Warn("failed to bump conversation activity", "conversation_id", conv.ID, "error", err)
	}
	conv.LastActivityAt = now

	s.logger.Debug("message posted", "conversation_id", conv.ID, "message_id", msg.ID, "sender_id", senderID)

	s.deliver(ctx, delivery.NewMessageEvent(delivery.KindMessageCreated, conv, msg))
	s.publisher.PublishNewest(context.WithoutCancel(ctx), conv, msg)
	return msg, nil
}

// Edit replaces the text of a message the editor sent.
func (s *Service) Edit(ctx context.Context, editorID, messageID, text string) (*store.Message, error) {
	msg, err := s.ownMessage(ctx, editorID, messageID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" && msg.Attachment == nil {
		return nil, fmt.Errorf("%w: message body is empty", apperr.ErrInvalidRequest)
	}

	msg.Body = text
	msg.Edited = true
	msg.UpdatedAt = s.now()
	if err := s.store.UpdateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrMessageNotFound, messageID)
		}
		return nil, internalErr("updating message", err)
	}

	s.announce(ctx, delivery.KindMessageEdited, msg)
	return msg, nil
}

// DeleteMessage removes a message the caller sent.
func (s *Service) DeleteMessage(ctx context.Context, callerID, messageID string) error {
	msg, err := s.ownMessage(ctx, callerID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", apperr.ErrMessageNotFound, messageID)
		}
		return internalErr("deleting message", err)
	}

	s.announce(ctx, delivery.KindMessageDeleted, msg)
	return nil
}

// ListByConversation returns a page of messages, newest first. page is zero
// based.
func (s *Service) ListByConversation(ctx context.Context, callerID, conversationID string, page, size int) ([]MessageView, error) {
	if _, err := s.loadForParticipant(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultMessagePageSize
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, size, page*size)
	if err != nil {
		return nil, internalErr("listing messages", err)
	}

	views := make([]MessageView, len(msgs))
	for i, msg := range msgs {
		views[i] = MessageView{
			Message:   msg,
			IsMine:    msg.SenderID == callerID,
			ReadByMe:  msg.IsReadBy(callerID),
			ReadCount: len(msg.ReadBy),
		}
	}
	return views, nil
}

// Clear deletes every message in a conversation and reports how many went.
func (s *Service) Clear(ctx context.Context, callerID, conversationID string) (int64, error) {
	if _, err := s.loadForParticipant(ctx, callerID, conversationID); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteConversationMessages(ctx, conversationID)
	if err != nil {
		return 0, internalErr("clearing messages", err)
	}
	s.logger.Info("conversation cleared", "conversation_id", conversationID, "messages", n)
	return n, nil
}

// UnreadCount is the live number of messages readerID has not read.
func (s *Service) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	if _, err := s.loadForParticipant(ctx, readerID, conversationID); err != nil {
		return 0, err
	}
	n, err := s.store.CountUnread(ctx, conversationID, readerID)
	if err != nil {
		return 0, internalErr("counting unread", err)
	}
	return n, nil
}

func (s *Service) ownMessage(ctx context.Context, callerID, messageID string) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, internalErr("loading message", err)
	}
	if msg.SenderID != callerID {
		return nil, fmt.Errorf("%w: %s did not send %s", apperr.ErrAccessDenied, callerID, messageID)
	}
	return msg, nil
}

// announce publishes an edit or delete. The write has already happened, so a
// missing conversation only loses the event.
func (s *Service) announce(ctx context.Context, kind delivery.Kind, msg *store.Message) {
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("skipping delivery, conversation unavailable", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
		return
	}
	s.deliver(ctx, delivery.NewMessageEvent(kind, conv, msg))
}
