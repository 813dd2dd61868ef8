// ABOUTME: Attachment upload and AI persona HTTP handlers
// ABOUTME: Uploads return a FileRef that clients put on a message or avatar

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/blob"
	"github.com/2389/parlor-gateway/internal/delivery"
)

const defaultUploadLimit = 10 << 20

// errAttachmentsDisabled is answered when no blob backend is configured.
var errAttachmentsDisabled = &apperr.Error{Code: 1114, Status: http.StatusServiceUnavailable, Message: "attachments are disabled"}

// handleUploadAttachment handles POST /api/attachments with a multipart "file" field.
func (g *Gateway) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	limit := g.config.Blob.MaxSize
	if limit <= 0 {
		limit = defaultUploadLimit
	}
	// Room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)

	file, header, err := r.FormFile("file")
	if err != nil {
		g.writeError(w, r, fmt.Errorf("%w: reading file field: %v", apperr.ErrInvalidRequest, err))
		return
	}
	defer file.Close()

	ref, err := g.blobs.Store(r.Context(), file, blob.Metadata{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	})
	switch {
	case errors.Is(err, blob.ErrNotConfigured):
		g.writeAppError(w, errAttachmentsDisabled)
		return
	case errors.Is(err, blob.ErrEmpty), errors.Is(err, blob.ErrTooLarge), errors.Is(err, blob.ErrUnsupportedType):
		g.writeError(w, r, fmt.Errorf("%w: %w", apperr.ErrInvalidRequest, err))
		return
	case err != nil:
		g.writeError(w, r, fmt.Errorf("%w: storing attachment: %w", apperr.ErrInternal, err))
		return
	}

	g.logger.Info("attachment stored", "participant_id", principal(r), "key", ref.Key, "size", ref.Size, "content_type", ref.ContentType)
	g.writeResult(w, http.StatusCreated, ref)
}

// handleAssistantChat handles POST /api/ai/chat.
func (g *Gateway) handleAssistantChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	ex, err := g.assistant.Chat(r.Context(), principal(r), req.Message)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, ExchangeResponse{
		Request: delivery.NewMessagePayload(ex.Request),
		Reply:   delivery.NewMessagePayload(ex.Reply),
	})
}

// handleAssistantConversation handles GET /api/ai/conversation.
func (g *Gateway) handleAssistantConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.assistant.Conversation(r.Context(), principal(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, AssistantConversationResponse{
		PersonaID:    g.assistant.PersonaID(),
		DisplayName:  g.assistant.DisplayName(),
		Conversation: newConversationResponse(conv),
	})
}

// handleAssistantHistory handles GET /api/ai/messages.
func (g *Gateway) handleAssistantHistory(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	views, err := g.assistant.History(r.Context(), principal(r), page, size)
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

// handleAssistantClear handles DELETE /api/ai/messages.
func (g *Gateway) handleAssistantClear(w http.ResponseWriter, r *http.Request) {
	n, err := g.assistant.Clear(r.Context(), principal(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeResult(w, http.StatusOK, CountResponse{Count: n})
}
