// ABOUTME: Tests for the persona bridge over a real conversation service
// ABOUTME: Checks history shaping, shared fan-out path, failures and rate limits

package persona

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/conversation"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/store"
)

type countingPublisher struct {
	mu      sync.Mutex
	created int
}

func (p *countingPublisher) Publish(_ context.Context, ev delivery.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Kind == delivery.KindMessageCreated {
		p.created++
	}
}

func (p *countingPublisher) PublishNewest(context.Context, *store.Conversation, *store.Message) {}

type scriptedProvider struct {
	reply string
	err   error
	calls [][]Turn
}

func (p *scriptedProvider) Complete(_ context.Context, turns []Turn) (string, error) {
	p.calls = append(p.calls, turns)
	return p.reply, p.err
}

func newTestBridge(t *testing.T, provider CompletionProvider, cfg Config) (*Bridge, *conversation.Service, *countingPublisher) {
	t.Helper()
	pub := &countingPublisher{}
	svc := conversation.New(store.NewMockStore(), pub, nil)
	return NewBridge(svc, provider, cfg, nil), svc, pub
}

func TestBridge_ChatScenario(t *testing.T) {
	provider := &scriptedProvider{reply: "hello"}
	bridge, svc, pub := newTestBridge(t, provider, Config{})

	ex, err := bridge.Chat(t.Context(), "alice", "hi there")
	require.NoError(t, err)

	assert.Equal(t, "alice", ex.Request.SenderID)
	assert.Equal(t, "ai-system", ex.Reply.SenderID)
	assert.Equal(t, "hello", ex.Reply.Body)
	assert.Equal(t, ex.Request.ConversationID, ex.Reply.ConversationID)

	require.Len(t, provider.calls, 1)
	assert.Equal(t, []Turn{{Role: RoleUser, Text: "hi there"}}, provider.calls[0])
	assert.Equal(t, 2, pub.created, "one message event per post")

	views, err := svc.ListByConversation(t.Context(), "alice", ex.Request.ConversationID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestBridge_HistoryWindowIsChronological(t *testing.T) {
	provider := &scriptedProvider{reply: "ok"}
	bridge, _, _ := newTestBridge(t, provider, Config{HistoryWindow: 3, SystemPrompt: "be brief"})

	_, err := bridge.Chat(t.Context(), "alice", "one")
	require.NoError(t, err)
	_, err = bridge.Chat(t.Context(), "alice", "two")
	require.NoError(t, err)

	last := provider.calls[len(provider.calls)-1]
	assert.Equal(t, []Turn{
		{Role: RoleSystem, Text: "be brief"},
		{Role: RoleUser, Text: "one"},
		{Role: RoleAssistant, Text: "ok"},
		{Role: RoleUser, Text: "two"},
	}, last)
}

func TestBridge_ProviderFailureKeepsRequest(t *testing.T) {
	provider := &scriptedProvider{err: assert.AnError}
	bridge, _, pub := newTestBridge(t, provider, Config{})

	ex, err := bridge.Chat(t.Context(), "alice", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersonaUnavailable)
	require.NotNil(t, ex)
	assert.Nil(t, ex.Reply)
	assert.Equal(t, 1, pub.created)

	history, err := bridge.History(t.Context(), "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Message.Body)
}

func TestBridge_EmptyReplyIsUnavailable(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &scriptedProvider{reply: ""}, Config{})
	_, err := bridge.Chat(t.Context(), "alice", "hi")
	assert.ErrorIs(t, err, apperr.ErrPersonaUnavailable)
}

func TestBridge_RateLimited(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &scriptedProvider{reply: "ok"}, Config{RequestsPerMinute: 1, Burst: 1})

	_, err := bridge.Chat(t.Context(), "alice", "first")
	require.NoError(t, err)
	_, err = bridge.Chat(t.Context(), "alice", "second")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	_, err = bridge.Chat(t.Context(), "bob", "independent")
	assert.NoError(t, err)
}

func TestBridge_RejectsInvalidInput(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &scriptedProvider{reply: "ok"}, Config{})

	_, err := bridge.Chat(t.Context(), "ai-system", "hi")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	_, err = bridge.Chat(t.Context(), "alice", "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestBridge_ConversationHistoryAndClear(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &scriptedProvider{reply: "ok"}, Config{})

	empty, err := bridge.History(t.Context(), "alice", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	n, err := bridge.Clear(t.Context(), "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	conv, err := bridge.Conversation(t.Context(), "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "ai-system"}, conv.ParticipantIDs)

	_, err = bridge.Chat(t.Context(), "alice", "hi")
	require.NoError(t, err)

	n, err = bridge.Clear(t.Context(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	after, err := bridge.History(t.Context(), "alice", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestBridge_Defaults(t *testing.T) {
	bridge := NewBridge(nil, nil, Config{}, nil)
	assert.Equal(t, "ai-system", bridge.PersonaID())
	assert.Equal(t, "AI Assistant", bridge.DisplayName())

	_, err := bridge.provider.Complete(t.Context(), nil)
	assert.ErrorIs(t, err, ErrProviderDisabled)
}
