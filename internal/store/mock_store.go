// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same invariants

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	dedupIndex    map[string]string        // keyed by dedup key -> conversation ID
	messages      map[string]*Message      // keyed by message ID
	order         []string                 // message IDs in insertion order

	// FailUpdates makes the next n UpdateConversation calls return ErrVersionConflict.
	FailUpdates int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		dedupIndex:    make(map[string]string),
		messages:      make(map[string]*Message),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.DedupKey != "" {
		if _, taken := m.dedupIndex[conv.DedupKey]; taken {
			return ErrDuplicateConversation
		}
	}
	if conv.Version == 0 {
		conv.Version = 1
	}

	// Make a copy to avoid external modification
	c := conv.Clone()
	m.conversations[c.ID] = c
	if c.DedupKey != "" {
		m.dedupIndex[c.DedupKey] = c.ID
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// GetConversationByDedupKey retrieves a direct conversation by its dedup key.
func (m *MockStore) GetConversationByDedupKey(ctx context.Context, key string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.dedupIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversations[id].Clone(), nil
}

// UpdateConversation replaces a conversation if the version matches.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if m.FailUpdates > 0 {
		m.FailUpdates--
		existing.Version++
		return ErrVersionConflict
	}
	if existing.Version != conv.Version {
		return ErrVersionConflict
	}
	if conv.DedupKey != "" {
		if owner, taken := m.dedupIndex[conv.DedupKey]; taken && owner != conv.ID {
			return ErrDuplicateConversation
		}
	}

	if existing.DedupKey != "" {
		delete(m.dedupIndex, existing.DedupKey)
	}
	conv.Version++
	c := conv.Clone()
	c.LastActivityAt = existing.LastActivityAt
	m.conversations[c.ID] = c
	if c.DedupKey != "" {
		m.dedupIndex[c.DedupKey] = c.ID
	}
	return nil
}

// TouchConversation advances a conversation's last activity time.
func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return nil
}

// ListConversationsByParticipant lists conversations by most recent activity.
func (m *MockStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit, offset int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(participantID) {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActivityAt.Equal(result[j].LastActivityAt) {
			return result[i].LastActivityAt.After(result[j].LastActivityAt)
		}
		return result[i].ID < result[j].ID
	})
	return page(result, normalizeLimit(limit), offset), nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.DedupKey != "" {
		delete(m.dedupIndex, c.DedupKey)
	}
	delete(m.conversations, id)
	m.deleteMessagesLocked(id)
	return nil
}

// SaveMessage stores a new message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := msg.Clone()
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	m.messages[c.ID] = c
	m.order = append(m.order, c.ID)
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// UpdateMessage writes the mutable fields of a message.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Body = msg.Body
	existing.Attachment = msg.Clone().Attachment
	existing.Edited = msg.Edited
	existing.UpdatedAt = msg.UpdatedAt
	return nil
}

// DeleteMessage removes a message.
func (m *MockStore) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	return nil
}

// conversationMessagesLocked returns a conversation's messages oldest first.
func (m *MockStore) conversationMessagesLocked(conversationID string) []*Message {
	var result []*Message
	for _, id := range m.order {
		if msg := m.messages[id]; msg != nil && msg.ConversationID == conversationID {
			result = append(result, msg)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ListMessages returns a page of messages, newest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.conversationMessagesLocked(conversationID)
	slices.Reverse(msgs)
	result := make([]*Message, 0, len(msgs))
	for _, msg := range page(msgs, normalizeLimit(limit), offset) {
		result = append(result, msg.Clone())
	}
	return result, nil
}

// LatestMessage returns the newest message in a conversation.
func (m *MockStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	msgs, err := m.ListMessages(ctx, conversationID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// DeleteConversationMessages removes every message in a conversation.
func (m *MockStore) DeleteConversationMessages(ctx context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteMessagesLocked(conversationID), nil
}

func (m *MockStore) deleteMessagesLocked(conversationID string) int64 {
	var n int64
	for id, msg := range m.messages {
		if msg.ConversationID == conversationID {
			delete(m.messages, id)
			n++
		}
	}
	m.order = slices.DeleteFunc(m.order, func(id string) bool {
		_, ok := m.messages[id]
		return !ok
	})
	return n
}

// AddReader appends a reader to a message's receipts.
func (m *MockStore) AddReader(ctx context.Context, messageID, readerID string, at time.Time) (*Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if msg.SenderID == readerID || msg.IsReadBy(readerID) {
		return msg.Clone(), false, nil
	}
	msg.ReadBy = append(msg.ReadBy, readerID)
	return msg.Clone(), true, nil
}

// AddReaderToConversation marks every unread message in a conversation.
func (m *MockStore) AddReaderToConversation(ctx context.Context, conversationID, readerID string, at time.Time) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []*Message
	for _, msg := range m.conversationMessagesLocked(conversationID) {
		if msg.SenderID == readerID || msg.IsReadBy(readerID) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, readerID)
		changed = append(changed, msg.Clone())
	}
	return changed, nil
}

// CountUnread counts messages readerID has not read.
func (m *MockStore) CountUnread(ctx context.Context, conversationID, readerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, msg := range m.conversationMessagesLocked(conversationID) {
		if msg.SenderID != readerID && !msg.IsReadBy(readerID) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
