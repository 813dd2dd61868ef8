// ABOUTME: Store interfaces and data types for parlor-gateway persistence
// ABOUTME: Defines Conversation, Message, FileRef and the repository contracts

package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a direct conversation with the
// same dedup key already exists
var ErrDuplicateConversation = errors.New("direct conversation already exists")

// ErrVersionConflict is returned when an update was made against a stale version
var ErrVersionConflict = errors.New("conversation was modified concurrently")

// ConversationType is the closed set of conversation kinds.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// TypeForSize returns the conversation type implied by a membership count.
func TypeForSize(n int) ConversationType {
	if n == 2 {
		return ConversationDirect
	}
	return ConversationGroup
}

// DirectKey is the canonical dedup key for a pair of participants.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return strings.Join(pair, "_")
}

// FileRef points at an object in the blob store
type FileRef struct {
	Key         string `json:"key" bson:"key"`
	URL         string `json:"url" bson:"url"`
	Name        string `json:"name,omitempty" bson:"name,omitempty"`
	Size        int64  `json:"size" bson:"size"`
	ContentType string `json:"contentType" bson:"contentType"`
}

// Conversation is a set of participants exchanging messages.
// DedupKey is set only for DIRECT conversations.
type Conversation struct {
	ID             string
	Type           ConversationType
	ParticipantIDs []string
	CreatorID      string
	Name           string
	Avatar         *FileRef
	DedupKey       string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// HasParticipant reports whether id belongs to the conversation.
func (c *Conversation) HasParticipant(id string) bool {
	return slices.Contains(c.ParticipantIDs, id)
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.Avatar != nil {
		avatar := *c.Avatar
		cp.Avatar = &avatar
	}
	return &cp
}

// Message is a single chat message. ReadBy is kept in read order and never
// contains SenderID.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Attachment     *FileRef
	Edited         bool
	ReadBy         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsReadBy reports whether the participant has read the message.
func (m *Message) IsReadBy(id string) bool {
	return slices.Contains(m.ReadBy, id)
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	cp := *m
	cp.ReadBy = slices.Clone(m.ReadBy)
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	return &cp
}

// ConversationStore persists conversations and their membership.
type ConversationStore interface {
	// CreateConversation returns ErrDuplicateConversation when DedupKey is taken.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByDedupKey(ctx context.Context, key string) (*Conversation, error)
	// UpdateConversation writes conv if the stored version equals conv.Version,
	// then increments conv.Version. Returns ErrVersionConflict otherwise.
	UpdateConversation(ctx context.Context, conv *Conversation) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversationsByParticipant(ctx context.Context, participantID string, limit, offset int) ([]*Conversation, error)
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns newest first.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*Message, error)
	DeleteConversationMessages(ctx context.Context, conversationID string) (int64, error)

	// AddReader appends readerID to the message's ReadBy unless readerID is
	// the sender or already present. changed reports whether a write happened.
	AddReader(ctx context.Context, messageID, readerID string, at time.Time) (msg *Message, changed bool, err error)
	// AddReaderToConversation marks every unread message not sent by readerID
	// and returns the affected messages after the update.
	AddReaderToConversation(ctx context.Context, conversationID, readerID string, at time.Time) ([]*Message, error)
	CountUnread(ctx context.Context, conversationID, readerID string) (int, error)
}

// Store is the complete persistence contract.
type Store interface {
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}
