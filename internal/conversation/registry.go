// ABOUTME: Conversation registry: direct dedup, group creation, membership edits
// ABOUTME: Membership writes retry on version conflicts instead of racing

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/store"
)

// maxMutateAttempts bounds re-reads after a version conflict.
const maxMutateAttempts = 3

const defaultConversationPageSize = 20

// UpdateConversation holds optional metadata changes. Nil fields are left alone.
type UpdateConversation struct {
	Name      *string
	Avatar    *store.FileRef
	CreatorID *string
}

// Summary is one inbox row.
type Summary struct {
	Conversation *store.Conversation
	Newest       *store.Message
	Unread       int
}

// FindOrCreateDirect returns the single DIRECT conversation between a and b,
// creating it on first contact. Concurrent first contact converges on one
// conversation: the losing insert re-reads the winner.
func (s *Service) FindOrCreateDirect(ctx context.Context, a, b string) (*store.Conversation, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: participant id is required", apperr.ErrInvalidParticipants)
	}
	if a == b {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", apperr.ErrInvalidParticipants)
	}

	key := store.DirectKey(a, b)
	conv, err := s.store.GetConversationByDedupKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, internalErr("looking up direct conversation", err)
	}

	now := s.now()
	conv = &store.Conversation{
		ID:             uuid.NewString(),
		Type:           store.ConversationDirect,
		ParticipantIDs: []string{a, b},
		CreatorID:      a,
		DedupKey:       key,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	err = s.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrDuplicateConversation) {
		winner, lookupErr := s.store.GetConversationByDedupKey(ctx, key)
		if lookupErr != nil {
			return nil, internalErr("re-reading direct conversation", lookupErr)
		}
		s.logger.Debug("direct conversation created concurrently", "conversation_id", winner.ID, "dedup_key", key)
		return winner, nil
	}
	if err != nil {
		return nil, internalErr("creating direct conversation", err)
	}

	s.logger.Info("direct conversation created", "conversation_id", conv.ID, "dedup_key", key)
	return conv, nil
}

// Create starts a conversation between the creator and participantIDs.
// Two distinct participants yield the existing DIRECT conversation if any.
func (s *Service) Create(ctx context.Context, creatorID string, participantIDs []string, name string, avatar *store.FileRef) (*store.Conversation, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator id is required", apperr.ErrInvalidRequest)
	}
	ids := lo.Uniq(lo.Compact(append([]string{creatorID}, participantIDs...)))
	switch {
	case len(ids) < 2:
		return nil, fmt.Errorf("%w: got %d distinct participants", apperr.ErrInvalidParticipants, len(ids))
	case len(ids) == 2:
		return s.FindOrCreateDirect(ctx, ids[0], ids[1])
	}

	now := s.now()
	conv := &store.Conversation{
		ID:             uuid.NewString(),
		Type:           store.ConversationGroup,
		ParticipantIDs: ids,
		CreatorID:      creatorID,
		Name:           strings.TrimSpace(name),
		Avatar:         avatar,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, internalErr("creating group conversation", err)
	}
	s.logger.Info("group conversation created", "conversation_id", conv.ID, "participants", len(ids))
	return conv, nil
}

// Get returns a conversation the caller participates in.
func (s *Service) Get(ctx context.Context, callerID, id string) (*store.Conversation, error) {
	return s.loadForParticipant(ctx, callerID, id)
}

// GetDirectWith returns the DIRECT conversation between a and b without
// creating it.
func (s *Service) GetDirectWith(ctx context.Context, a, b string) (*store.Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("%w: need two distinct participants", apperr.ErrInvalidParticipants)
	}
	conv, err := s.store.GetConversationByDedupKey(ctx, store.DirectKey(a, b))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no direct conversation", apperr.ErrConversationNotFound)
	}
	if err != nil {
		return nil, internalErr("looking up direct conversation", err)
	}
	return conv, nil
}

// ListForParticipant returns a page of the participant's conversations,
// most recently active first, with the newest message and a live unread count.
// page is zero based.
func (s *Service) ListForParticipant(ctx context.Context, participantID string, page, size int) ([]Summary, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultConversationPageSize
	}
	convs, err := s.store.ListConversationsByParticipant(ctx, participantID, size, page*size)
	if err != nil {
		return nil, internalErr("listing conversations", err)
	}

	out := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		sum := Summary{Conversation: conv}
		newest, err := s.store.LatestMessage(ctx, conv.ID)
		switch {
		case err == nil:
			sum.Newest = newest
		case !errors.Is(err, store.ErrNotFound):
			return nil, internalErr("loading newest message", err)
		}
		if sum.Unread, err = s.store.CountUnread(ctx, conv.ID, participantID); err != nil {
			return nil, internalErr("counting unread", err)
		}
		out = append(out, sum)
	}
	return out, nil
}

// Update changes conversation metadata.
func (s *Service) Update(ctx context.Context, callerID, id string, upd UpdateConversation) (*store.Conversation, error) {
	return s.mutate(ctx, callerID, id, func(conv *store.Conversation) error {
		if upd.CreatorID != nil {
			if !conv.HasParticipant(*upd.CreatorID) {
				return fmt.Errorf("%w: new creator %s", apperr.ErrNotMember, *upd.CreatorID)
			}
			conv.CreatorID = *upd.CreatorID
		}
		if upd.Name != nil {
			conv.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Avatar != nil {
			conv.Avatar = upd.Avatar
		}
		return nil
	})
}

// AddMember adds participantID. A DIRECT conversation becomes GROUP.
func (s *Service) AddMember(ctx context.Context, callerID, id, participantID string) (*store.Conversation, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant id is required", apperr.ErrInvalidRequest)
	}
	conv, err := s.mutate(ctx, callerID, id, func(conv *store.Conversation) error {
		if conv.HasParticipant(participantID) {
			return fmt.Errorf("%w: %s", apperr.ErrAlreadyMember, participantID)
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, participantID)
		reclassify(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("member added", "conversation_id", id, "participant_id", participantID, "type", conv.Type)
	return conv, nil
}

// RemoveMember removes participantID. A GROUP left with two members becomes
// DIRECT; fewer than two is rejected.
func (s *Service) RemoveMember(ctx context.Context, callerID, id, participantID string) (*store.Conversation, error) {
	conv, err := s.mutate(ctx, callerID, id, func(conv *store.Conversation) error {
		if !conv.HasParticipant(participantID) {
			return fmt.Errorf("%w: %s", apperr.ErrNotMember, participantID)
		}
		if len(conv.ParticipantIDs) <= 2 {
			return fmt.Errorf("%w: conversation would have %d participants", apperr.ErrInvalidParticipants, len(conv.ParticipantIDs)-1)
		}
		conv.ParticipantIDs = lo.Without(conv.ParticipantIDs, participantID)
		if conv.CreatorID == participantID {
			conv.CreatorID = conv.ParticipantIDs[0]
		}
		reclassify(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("member removed", "conversation_id", id, "participant_id", participantID, "type", conv.Type)
	return conv, nil
}

// Delete removes a conversation and all of its messages.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	if _, err := s.loadForParticipant(ctx, callerID, id); err != nil {
		return err
	}
	err := s.store.DeleteConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", apperr.ErrConversationNotFound, id)
	}
	if err != nil {
		return internalErr("deleting conversation", err)
	}
	s.logger.Info("conversation deleted", "conversation_id", id, "by", callerID)
	return nil
}

// mutate loads the conversation, applies fn and writes it back with a
// version check, re-reading on conflict.
func (s *Service) mutate(ctx context.Context, callerID, id string, fn func(*store.Conversation) error) (*store.Conversation, error) {
	for attempt := 1; attempt <= maxMutateAttempts; attempt++ {
		conv, err := s.loadForParticipant(ctx, callerID, id)
		if err != nil {
			return nil, err
		}
		if err := fn(conv); err != nil {
			return nil, err
		}
		conv.UpdatedAt = s.now()

		err = s.store.UpdateConversation(ctx, conv)
		switch {
		case err == nil:
			return conv, nil
		case errors.Is(err, store.ErrVersionConflict):
			s.logger.Debug("conversation changed underneath, retrying", "conversation_id", id, "attempt", attempt)
		case errors.Is(err, store.ErrDuplicateConversation):
			return nil, fmt.Errorf("%w: a direct conversation between %v already exists", apperr.ErrInvalidConversationType, conv.ParticipantIDs)
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", apperr.ErrConversationNotFound, id)
		default:
			return nil, internalErr("updating conversation", err)
		}
	}
	s.logger.Warn("giving up on conversation update", "conversation_id", id, "attempts", maxMutateAttempts)
	return nil, fmt.Errorf("%w: concurrent update to conversation %s", apperr.ErrInternal, id)
}

func (s *Service) loadForParticipant(ctx context.Context, participantID, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, internalErr("loading conversation", err)
	}
	if !conv.HasParticipant(participantID) {
		return nil, fmt.Errorf("%w: not a participant of %s", apperr.ErrAccessDenied, id)
	}
	return conv, nil
}

// reclassify derives type and dedup key from the participant count.
func reclassify(conv *store.Conversation) {
	conv.Type = store.TypeForSize(len(conv.ParticipantIDs))
	switch conv.Type {
	case store.ConversationDirect:
		conv.DedupKey = store.DirectKey(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
	case store.ConversationGroup:
		conv.DedupKey = ""
	}
}
