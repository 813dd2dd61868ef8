// ABOUTME: Delivery event types shared by the fan-out, the broker relay and clients
// ABOUTME: Events are transient snapshots of a message or receipt state change

package delivery

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/parlor-gateway/internal/store"
)

// Kind identifies what changed.
type Kind string

const (
	KindMessageCreated Kind = "message.created"
	KindMessageEdited  Kind = "message.edited"
	KindMessageDeleted Kind = "message.deleted"
	KindReceiptUpdated Kind = "receipt.updated"
)

// Real-time channel names a session can subscribe to.
const (
	ChannelChat       = "chat"
	ChannelReadStatus = "read-status"
	ChannelNewest     = "newest-message"
)

// MessagePayload is the wire form of a message.
type MessagePayload struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Body           string         `json:"message"`
	Attachment     *store.FileRef `json:"attachment,omitempty"`
	Edited         bool           `json:"edited"`
	ReadBy         []string       `json:"readBy"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NewMessagePayload snapshots msg.
func NewMessagePayload(msg *store.Message) *MessagePayload {
	readBy := slices.Clone(msg.ReadBy)
	if readBy == nil {
		readBy = []string{}
	}
	return &MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		Attachment:     msg.Attachment,
		Edited:         msg.Edited,
		ReadBy:         readBy,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}

// ReceiptPayload reports that ReaderID read MessageID.
type ReceiptPayload struct {
	MessageID      string   `json:"messageId"`
	ConversationID string   `json:"conversationId"`
	ReaderID       string   `json:"readerId"`
	ReadBy         []string `json:"readBy"`
}

// Event is one state change addressed to a set of participants.
type Event struct {
	ID               string                 `json:"id"`
	Kind             Kind                   `json:"kind"`
	ConversationID   string                 `json:"conversationId"`
	ConversationType store.ConversationType `json:"conversationType"`
	Message          *MessagePayload        `json:"message,omitempty"`
	Receipt          *ReceiptPayload        `json:"receipt,omitempty"`
	Targets          []string               `json:"targets"`
	OccurredAt       time.Time              `json:"occurredAt"`
}

// IsReceipt reports whether the event carries a read receipt.
func (e Event) IsReceipt() bool {
	return e.Kind == KindReceiptUpdated
}

// Channel is the real-time channel the event is pushed on.
func (e Event) Channel() string {
	if e.IsReceipt() {
		return ChannelReadStatus
	}
	return ChannelChat
}

// NewMessageEvent addresses a message change to every participant,
// including the sender's other sessions.
func NewMessageEvent(kind Kind, conv *store.Conversation, msg *store.Message) Event {
	return Event{
		ID:               uuid.NewString(),
		Kind:             kind,
		ConversationID:   conv.ID,
		ConversationType: conv.Type,
		Message:          NewMessagePayload(msg),
		Targets:          slices.Clone(conv.ParticipantIDs),
		OccurredAt:       time.Now().UTC(),
	}
}

// NewReceiptEvent addresses a read receipt to every participant except the reader.
func NewReceiptEvent(conv *store.Conversation, msg *store.Message, readerID string) Event {
	return Event{
		ID:               uuid.NewString(),
		Kind:             KindReceiptUpdated,
		ConversationID:   conv.ID,
		ConversationType: conv.Type,
		Receipt: &ReceiptPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			ReaderID:       readerID,
			ReadBy:         slices.Clone(msg.ReadBy),
		},
		Targets:    lo.Without(conv.ParticipantIDs, readerID),
		OccurredAt: time.Now().UTC(),
	}
}

// NewestPayload refreshes inbox previews.
type NewestPayload struct {
	ConversationID   string                 `json:"conversationId"`
	Message          *MessagePayload        `json:"message"`
	ConversationType store.ConversationType `json:"conversationType"`
	ParticipantCount int                    `json:"participantCount"`
	Timestamp        time.Time              `json:"timestamp"`
}
