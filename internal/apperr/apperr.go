// ABOUTME: Client-facing error taxonomy with stable numeric codes and HTTP statuses
// ABOUTME: Services wrap these sentinels; From resolves any error chain back to one

package apperr

import (
	"errors"
	"net/http"
)

// CodeOK is the envelope code for a successful response.
const CodeOK = 1000

// Error is a client-facing failure with a stable code.
type Error struct {
	Code    int
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// Sentinels. Wrap with fmt.Errorf("%w: detail", apperr.ErrX) to add context;
// the detail never reaches the client.
var (
	ErrInternal                = &Error{Code: 9999, Status: http.StatusInternalServerError, Message: "internal error"}
	ErrUnauthenticated         = &Error{Code: 1001, Status: http.StatusUnauthorized, Message: "unauthenticated"}
	ErrInvalidRequest          = &Error{Code: 1002, Status: http.StatusBadRequest, Message: "invalid request"}
	ErrConversationNotFound    = &Error{Code: 1103, Status: http.StatusNotFound, Message: "conversation not found"}
	ErrMessageNotFound         = &Error{Code: 1104, Status: http.StatusNotFound, Message: "message not found"}
	ErrInvalidParticipants     = &Error{Code: 1107, Status: http.StatusBadRequest, Message: "conversation requires at least two participants"}
	ErrAlreadyMember           = &Error{Code: 1108, Status: http.StatusConflict, Message: "participant is already a member"}
	ErrInvalidConversationType = &Error{Code: 1109, Status: http.StatusBadRequest, Message: "invalid conversation type"}
	ErrAccessDenied            = &Error{Code: 1110, Status: http.StatusForbidden, Message: "access denied"}
	ErrNotMember               = &Error{Code: 1111, Status: http.StatusConflict, Message: "participant is not a member"}
	ErrRateLimited             = &Error{Code: 1112, Status: http.StatusTooManyRequests, Message: "too many requests"}
	ErrPersonaUnavailable      = &Error{Code: 1113, Status: http.StatusBadGateway, Message: "assistant is unavailable"}
)

var all = []*Error{
	ErrUnauthenticated,
	ErrInvalidRequest,
	ErrConversationNotFound,
	ErrMessageNotFound,
	ErrInvalidParticipants,
	ErrAlreadyMember,
	ErrInvalidConversationType,
	ErrAccessDenied,
	ErrNotMember,
	ErrRateLimited,
	ErrPersonaUnavailable,
}

// From returns the sentinel in err's chain, or ErrInternal when there is none.
// A nil error returns nil.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	for _, sentinel := range all {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrInternal
}

// Is reports whether err carries the given sentinel.
func Is(err error, target *Error) bool {
	return errors.Is(err, target)
}
