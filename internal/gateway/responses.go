// ABOUTME: JSON request and response shapes for the HTTP API
// ABOUTME: Converts store and service values into their wire form

package gateway

import (
	"time"

	"github.com/2389/parlor-gateway/internal/conversation"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/store"
)

// CreateConversationRequest is the body of POST /api/conversations.
// The caller is always added as a participant and becomes the creator.
type CreateConversationRequest struct {
	ParticipantIDs []string       `json:"participantIds" validate:"required,min=1,dive,required"`
	Name           string         `json:"name" validate:"max=100"`
	Avatar         *store.FileRef `json:"avatar"`
}

// UpdateConversationRequest is the body of PUT /api/conversations/{id}.
type UpdateConversationRequest struct {
	Name      *string        `json:"name" validate:"omitempty,max=100"`
	Avatar    *store.FileRef `json:"avatar"`
	CreatorID *string        `json:"creatorId" validate:"omitempty,min=1"`
}

// DirectMessageRequest is the body of POST /api/messages/direct.
type DirectMessageRequest struct {
	ReceiverID string         `json:"receiverId" validate:"required"`
	Message    string         `json:"message" validate:"max=4000"`
	Attachment *store.FileRef `json:"attachment"`
}

// GroupMessageRequest is the body of POST /api/messages/group.
type GroupMessageRequest struct {
	ConversationID string         `json:"conversationId" validate:"required"`
	Message        string         `json:"message" validate:"max=4000"`
	Attachment     *store.FileRef `json:"attachment"`
}

// EditMessageRequest is the body of PUT /api/messages/{id}.
type EditMessageRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

// ChatRequest is the body of POST /api/ai/chat.
type ChatRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

// ConversationResponse is the wire form of a conversation.
type ConversationResponse struct {
	ID             string                 `json:"id"`
	Type           store.ConversationType `json:"type"`
	ParticipantIDs []string               `json:"participantIds"`
	CreatorID      string                 `json:"creatorId"`
	Name           string                 `json:"name,omitempty"`
	Avatar         *store.FileRef         `json:"avatar,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
}

func newConversationResponse(c *store.Conversation) *ConversationResponse {
	return &ConversationResponse{
		ID:             c.ID,
		Type:           c.Type,
		ParticipantIDs: c.ParticipantIDs,
		CreatorID:      c.CreatorID,
		Name:           c.Name,
		Avatar:         c.Avatar,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		LastActivityAt: c.LastActivityAt,
	}
}

// SummaryResponse is one inbox row.
type SummaryResponse struct {
	Conversation  *ConversationResponse    `json:"conversation"`
	NewestMessage *delivery.MessagePayload `json:"newestMessage,omitempty"`
	UnreadCount   int                      `json:"unreadCount"`
}

func newSummaryResponses(summaries []conversation.Summary) []SummaryResponse {
	out := make([]SummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		row := SummaryResponse{
			Conversation: newConversationResponse(s.Conversation),
			UnreadCount:  s.Unread,
		}
		if s.Newest != nil {
			row.NewestMessage = delivery.NewMessagePayload(s.Newest)
		}
		out = append(out, row)
	}
	return out
}

// MessageViewResponse is a message as seen by the caller.
type MessageViewResponse struct {
	*delivery.MessagePayload
	IsMine    bool   `json:"isMine"`
	ReadByMe  bool   `json:"readByMe"`
	ReadCount int    `json:"readCount"`
	HTML      string `json:"html,omitempty"`
}

// ExchangeResponse is the result of one assistant chat round.
type ExchangeResponse struct {
	Request *delivery.MessagePayload `json:"request"`
	Reply   *delivery.MessagePayload `json:"reply"`
}

// AssistantConversationResponse describes the caller's persona conversation.
type AssistantConversationResponse struct {
	PersonaID    string                `json:"personaId"`
	DisplayName  string                `json:"displayName"`
	Conversation *ConversationResponse `json:"conversation"`
}

// CountResponse reports how many records an operation touched.
type CountResponse struct {
	Count int64 `json:"count"`
}
