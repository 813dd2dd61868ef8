// ABOUTME: Completion provider contract for the AI persona
// ABOUTME: A conversation history is an ordered list of role-tagged turns

package persona

import (
	"context"
	"errors"
)

// Role of a turn in the history sent to a provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a completion history.
type Turn struct {
	Role Role
	Text string
}

// CompletionProvider produces the persona's reply to a history.
type CompletionProvider interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// ErrProviderDisabled is returned by UnavailableProvider.
var ErrProviderDisabled = errors.New("completion provider is not configured")

// UnavailableProvider fails every completion.
type UnavailableProvider struct{}

func (UnavailableProvider) Complete(context.Context, []Turn) (string, error) {
	return "", ErrProviderDisabled
}
