// ABOUTME: Unit tests for principal context helpers
// ABOUTME: Tests binding and reading the participant id

package auth

import (
	"context"
	"testing"
)

func TestPrincipalFrom(t *testing.T) {
	ctx := WithPrincipal(context.Background(), "alice")

	got, ok := PrincipalFrom(ctx)
	if !ok || got != "alice" {
		t.Errorf("PrincipalFrom() = %q, %v; want %q, true", got, ok, "alice")
	}
}

func TestPrincipalFrom_Missing(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Error("PrincipalFrom() on empty context should report false")
	}
	if _, ok := PrincipalFrom(WithPrincipal(context.Background(), "")); ok {
		t.Error("PrincipalFrom() with empty id should report false")
	}
}
