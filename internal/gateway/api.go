// ABOUTME: HTTP API routing, response envelope and request decoding
// ABOUTME: Every response is {code, message, timeStamp, result}; errors map through apperr

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/auth"
)

const maxRequestBody = 1 << 20

// envelope wraps every API response.
type envelope struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	TimeStamp time.Time `json:"timeStamp"`
	Result    any       `json:"result"`
}

// apiRoutes registers the authenticated API.
func (g *Gateway) apiRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("PUT /api/conversations/{id}", g.handleUpdateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/members/{participantId}", g.handleAddMember)
	mux.HandleFunc("DELETE /api/conversations/{id}/members/{participantId}", g.handleRemoveMember)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/read", g.handleMarkConversationRead)
	mux.HandleFunc("GET /api/conversations/{id}/unread", g.handleUnreadCount)

	mux.HandleFunc("POST /api/messages/direct", g.handlePostDirect)
	mux.HandleFunc("POST /api/messages/group", g.handlePostGroup)
	mux.HandleFunc("PUT /api/messages/{id}", g.handleEditMessage)
	mux.HandleFunc("DELETE /api/messages/{id}", g.handleDeleteMessage)
	mux.HandleFunc("POST /api/messages/{id}/read", g.handleMarkRead)

	mux.HandleFunc("POST /api/attachments", g.handleUploadAttachment)

	// The persona routes exist only when a completion backend is configured.
	if g.assistant != nil {
		mux.HandleFunc("POST /api/ai/chat", g.handleAssistantChat)
		mux.HandleFunc("GET /api/ai/conversation", g.handleAssistantConversation)
		mux.HandleFunc("GET /api/ai/messages", g.handleAssistantHistory)
		mux.HandleFunc("DELETE /api/ai/messages", g.handleAssistantClear)
	}

	return mux
}

// writeResult sends a success envelope.
func (g *Gateway) writeResult(w http.ResponseWriter, status int, result any) {
	g.writeEnvelope(w, status, envelope{
		Code:      apperr.CodeOK,
		TimeStamp: time.Now().UTC(),
		Result:    result,
	})
}

// writeError maps err to its client-facing code. Internal details are
// logged, never sent.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	if ae == apperr.ErrInternal {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", ae.Code, "error", err)
	}
	g.writeAppError(w, ae)
}

func (g *Gateway) writeAppError(w http.ResponseWriter, ae *apperr.Error) {
	g.writeEnvelope(w, ae.Status, envelope{
		Code:      ae.Code,
		Message:   ae.Message,
		TimeStamp: time.Now().UTC(),
	})
}

func (g *Gateway) writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// denyUnauthenticated answers requests the auth middleware rejected.
func (g *Gateway) denyUnauthenticated(w http.ResponseWriter, r *http.Request, reason string) {
	g.logger.Debug("unauthenticated request", "path", r.URL.Path, "reason", reason)
	g.writeAppError(w, apperr.ErrUnauthenticated)
}

// principal returns the authenticated participant id.
func principal(r *http.Request) string {
	id, _ := auth.PrincipalFrom(r.Context())
	return id
}

// decode reads a JSON body into dst and validates its struct tags.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decoding body: %v", apperr.ErrInvalidRequest, err)
	}
	if err := g.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %s", apperr.ErrInvalidRequest, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", apperr.ErrInvalidRequest, err)
	}
	return nil
}

// pageParams reads zero-based page and size query parameters. Missing
// values are zero, which the services treat as their defaults.
func pageParams(r *http.Request) (page, size int, err error) {
	q := r.URL.Query()
	if page, err = intParam(q.Get("page")); err != nil {
		return 0, 0, fmt.Errorf("%w: page: %v", apperr.ErrInvalidRequest, err)
	}
	if size, err = intParam(q.Get("size")); err != nil {
		return 0, 0, fmt.Errorf("%w: size: %v", apperr.ErrInvalidRequest, err)
	}
	return page, size, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}
