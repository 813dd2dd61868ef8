// ABOUTME: Request context binding for the resolved participant id
// ABOUTME: WithPrincipal/PrincipalFrom carry identity from middleware to handlers

package auth

import (
	"context"
)

type principalKey struct{}

// WithPrincipal returns a context carrying participantID.
func WithPrincipal(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, principalKey{}, participantID)
}

// PrincipalFrom returns the participant id bound to ctx.
func PrincipalFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok && id != ""
}
