// ABOUTME: HTTP handlers for conversations, messages and read receipts
// ABOUTME: The acting participant always comes from the authenticated context

package gateway

import (
	"fmt"
	"net/http"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/conversation"
	"github.com/2389/parlor-gateway/internal/delivery"
)

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	summaries, err := g.conversations.ListForParticipant(r.Context(), principal(r), page, size)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, newSummaryResponses(summaries))
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	conv, err := g.conversations.Create(r.Context(), principal(r), req.ParticipantIDs, req.Name, req.Avatar)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusCreated, newConversationResponse(conv))
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, newConversationResponse(conv))
}

// handleUpdateConversation handles PUT /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	conv, err := g.conversations.Update(r.Context(), principal(r), r.PathValue("id"), conversation.UpdateConversation{
		Name:      req.Name,
		Avatar:    req.Avatar,
		CreatorID: req.CreatorID,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, newConversationResponse(conv))
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.conversations.Delete(r.Context(), principal(r), r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, nil)
}

// handleAddMember handles POST /api/conversations/{id}/members/{participantId}.
func (g *Gateway) handleAddMember(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.AddMember(r.Context(), principal(r), r.PathValue("id"), r.PathValue("participantId"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, newConversationResponse(conv))
}

// handleRemoveMember handles DELETE /api/conversations/{id}/members/{participantId}.
func (g *Gateway) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.RemoveMember(r.Context(), principal(r), r.PathValue("id"), r.PathValue("participantId"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, newConversationResponse(conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages.
// With format=html each message also carries its rendered body.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	views, err := g.conversations.ListByConversation(r.Context(), principal(r), r.PathValue("id"), page, size)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out, err := g.messageViews(views, r.URL.Query().Get("format") == "html")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, out)
}

func (g *Gateway) messageViews(views []conversation.MessageView, withHTML bool) ([]MessageViewResponse, error) {
	out := make([]MessageViewResponse, 0, len(views))
	for _, v := range views {
		row := MessageViewResponse{
			MessagePayload: delivery.NewMessagePayload(v.Message),
			IsMine:         v.IsMine,
			ReadByMe:       v.ReadByMe,
			ReadCount:      v.ReadCount,
		}
		if withHTML && v.Message.Body != "" {
			html, err := g.markdown.Render(v.Message.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
			}
			row.HTML = html
		}
		out = append(out, row)
	}
	return out, nil
}

// handleMarkConversationRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	n, err := g.conversations.MarkConversationRead(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, CountResponse{Count: int64(n)})
}

// handleUnreadCount handles GET /api/conversations/{id}/unread.
func (g *Gateway) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := g.conversations.UnreadCount(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, CountResponse{Count: int64(n)})
}

// handlePostDirect handles POST /api/messages/direct.
func (g *Gateway) handlePostDirect(w http.ResponseWriter, r *http.Request) {
	var req DirectMessageRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	msg, err := g.conversations.PostDirect(r.Context(), principal(r), req.ReceiverID, conversation.Body{
		Text:       req.Message,
		Attachment: req.Attachment,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusCreated, delivery.NewMessagePayload(msg))
}

// handlePostGroup handles POST /api/messages/group.
func (g *Gateway) handlePostGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupMessageRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	msg, err := g.conversations.PostGroup(r.Context(), req.ConversationID, principal(r), conversation.Body{
		Text:       req.Message,
		Attachment: req.Attachment,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusCreated, delivery.NewMessagePayload(msg))
}

// handleEditMessage handles PUT /api/messages/{id}.
func (g *Gateway) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	msg, err := g.conversations.Edit(r.Context(), principal(r), r.PathValue("id"), req.Message)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, delivery.NewMessagePayload(msg))
}

// handleDeleteMessage handles DELETE /api/messages/{id}.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := g.conversations.DeleteMessage(r.Context(), principal(r), r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, nil)
}

// handleMarkRead handles POST /api/messages/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	msg, err := g.conversations.MarkRead(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, delivery.NewMessagePayload(msg))
}
