// ABOUTME: Shared fixtures for conversation service tests
// ABOUTME: SQLite-backed service, recording publisher and a stepping clock

package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []delivery.Event
	newest []string
}

func (p *recordingPublisher) Publish(ctx context.Context, ev delivery.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) PublishNewest(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newest = append(p.newest, msg.ID)
}

func (p *recordingPublisher) ofKind(kind delivery.Kind) []delivery.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []delivery.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.newest = nil
}

// steppingClock advances one second per reading so ordering by time is
// deterministic.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(t *testing.T) (*Service, *recordingPublisher) {
	t.Helper()
	return newServiceWithStore(t, createTestStore(t))
}

func newServiceWithStore(t *testing.T, st store.Store) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	svc := New(st, pub, nil)
	svc.now = steppingClock()
	return svc, pub
}

func newGroupConversation(t *testing.T, svc *Service, creator string, others ...string) *store.Conversation {
	t.Helper()
	conv, err := svc.Create(t.Context(), creator, others, "team", nil)
	require.NoError(t, err)
	require.Equal(t, store.ConversationGroup, conv.Type)
	return conv
}
