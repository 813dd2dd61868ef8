// ABOUTME: Backend-agnostic conformance tests for the Store interface
// ABOUTME: Run against SQLite, the in-memory mock, and Mongo when available

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateAndGetConversation", testCreateAndGetConversation},
		{"DuplicateDedupKey", testDuplicateDedupKey},
		{"ConcurrentDirectCreate", testConcurrentDirectCreate},
		{"UpdateConversationVersion", testUpdateConversationVersion},
		{"ListByParticipantOrder", testListByParticipantOrder},
		{"DeleteConversationCascades", testDeleteConversationCascades},
		{"MessagesNewestFirst", testMessagesNewestFirst},
		{"UpdateAndDeleteMessage", testUpdateAndDeleteMessage},
		{"AddReader", testAddReader},
		{"AddReaderToConversation", testAddReaderToConversation},
		{"ConcurrentAddReaderToConversation", testConcurrentAddReaderToConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDirect(a, b string) *Conversation {
	return &Conversation{
		ID:             uuid.NewString(),
		Type:           ConversationDirect,
		ParticipantIDs: []string{a, b},
		CreatorID:      a,
		DedupKey:       DirectKey(a, b),
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
		LastActivityAt: baseTime,
	}
}

func newGroup(creator string, ids ...string) *Conversation {
	return &Conversation{
		ID:             uuid.NewString(),
		Type:           ConversationGroup,
		ParticipantIDs: ids,
		CreatorID:      creator,
		Name:           "group",
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
		LastActivityAt: baseTime,
	}
}

func saveMessage(t *testing.T, s Store, convID, sender, body string, at time.Time) *Message {
	t.Helper()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	require.NoError(t, s.SaveMessage(context.Background(), msg))
	return msg
}

func testCreateAndGetConversation(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	conv.Avatar = &FileRef{Key: "k", URL: "http://blob/k", Size: 3, ContentType: "image/png"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationDirect, got.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, got.ParticipantIDs)
	assert.Equal(t, "alice_bob", got.DedupKey)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.Avatar)
	assert.Equal(t, "http://blob/k", got.Avatar.URL)

	byKey, err := s.GetConversationByDedupKey(ctx, DirectKey("bob", "alice"))
	require.NoError(t, err)
	assert.Equal(t, conv.ID, byKey.ID)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDuplicateDedupKey(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newDirect("alice", "bob")))

	err := s.CreateConversation(ctx, newDirect("bob", "alice"))
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	// Groups carry no dedup key and never collide.
	require.NoError(t, s.CreateConversation(ctx, newGroup("alice", "alice", "bob", "carol")))
	require.NoError(t, s.CreateConversation(ctx, newGroup("alice", "alice", "bob", "carol")))
}

func testConcurrentDirectCreate(t *testing.T, s Store) {
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, duplicates := 0, 0
	for range n {
		wg.Go(func() {
			err := s.CreateConversation(ctx, newDirect("dave", "erin"))
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				created++
			case ErrDuplicateConversation:
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, duplicates)
}

func testUpdateConversationVersion(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	require.NoError(t, s.CreateConversation(ctx, conv))

	first, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	stale, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	first.Type = ConversationGroup
	first.DedupKey = ""
	first.ParticipantIDs = []string{"alice", "bob", "carol"}
	first.UpdatedAt = baseTime.Add(time.Minute)
	require.NoError(t, s.UpdateConversation(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	stale.Name = "lost update"
	assert.ErrorIs(t, s.UpdateConversation(ctx, stale), ErrVersionConflict)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationGroup, got.Type)
	assert.Empty(t, got.DedupKey)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, got.ParticipantIDs)

	// The freed dedup key can be reused by a new direct conversation.
	require.NoError(t, s.CreateConversation(ctx, newDirect("alice", "bob")))

	missing := newGroup("x", "x", "y", "z")
	assert.ErrorIs(t, s.UpdateConversation(ctx, missing), ErrNotFound)
}

func testListByParticipantOrder(t *testing.T, s Store) {
	ctx := context.Background()
	older := newDirect("alice", "bob")
	newer := newDirect("alice", "carol")
	other := newDirect("bob", "carol")
	for _, c := range []*Conversation{older, newer, other} {
		require.NoError(t, s.CreateConversation(ctx, c))
	}
	require.NoError(t, s.TouchConversation(ctx, newer.ID, baseTime.Add(2*time.Minute)))
	require.NoError(t, s.TouchConversation(ctx, older.ID, baseTime.Add(time.Minute)))

	convs, err := s.ListConversationsByParticipant(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer.ID, convs[0].ID)
	assert.Equal(t, older.ID, convs[1].ID)

	// Touch never moves activity backwards.
	require.NoError(t, s.TouchConversation(ctx, newer.ID, baseTime))
	convs, err = s.ListConversationsByParticipant(ctx, "alice", 1, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, newer.ID, convs[0].ID)

	convs, err = s.ListConversationsByParticipant(ctx, "alice", 10, 1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, older.ID, convs[0].ID)
}

func testDeleteConversationCascades(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	require.NoError(t, s.CreateConversation(ctx, conv))
	msg := saveMessage(t, s, conv.ID, "alice", "hi", baseTime)
	_, _, err := s.AddReader(ctx, msg.ID, "bob", baseTime)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := s.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID), ErrNotFound)
}

func testMessagesNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	require.NoError(t, s.CreateConversation(ctx, conv))
	for i := range 5 {
		saveMessage(t, s, conv.ID, "alice", fmt.Sprintf("m%d", i), baseTime.Add(time.Duration(i)*time.Second))
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].Body)
	assert.Equal(t, "m3", msgs[1].Body)
	assert.NotNil(t, msgs[0].ReadBy)

	msgs, err = s.ListMessages(ctx, conv.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m0", msgs[0].Body)

	latest, err := s.LatestMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "m4", latest.Body)

	n, err := s.DeleteConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	_, err = s.LatestMessage(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpdateAndDeleteMessage(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	require.NoError(t, s.CreateConversation(ctx, conv))
	msg := saveMessage(t, s, conv.ID, "alice", "helo", baseTime)

	msg.Body = "hello"
	msg.Edited = true
	msg.Attachment = &FileRef{Key: "a", URL: "http://blob/a"}
	msg.UpdatedAt = baseTime.Add(time.Second)
	require.NoError(t, s.UpdateMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.True(t, got.Edited)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, "a", got.Attachment.Key)

	require.NoError(t, s.DeleteMessage(ctx, msg.ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, msg.ID), ErrNotFound)
	assert.ErrorIs(t, s.UpdateMessage(ctx, msg), ErrNotFound)
}

func testAddReader(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newGroup("alice", "alice", "bob", "carol")
	require.NoError(t, s.CreateConversation(ctx, conv))
	msg := saveMessage(t, s, conv.ID, "alice", "hi", baseTime)

	got, changed, err := s.AddReader(ctx, msg.ID, "alice", baseTime)
	require.NoError(t, err)
	assert.False(t, changed, "sender must never be recorded")
	assert.Empty(t, got.ReadBy)

	got, changed, err = s.AddReader(ctx, msg.ID, "carol", baseTime.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"carol"}, got.ReadBy)

	got, changed, err = s.AddReader(ctx, msg.ID, "bob", baseTime.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"carol", "bob"}, got.ReadBy)

	got, changed, err = s.AddReader(ctx, msg.ID, "carol", baseTime.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"carol", "bob"}, got.ReadBy)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "bob"}, stored.ReadBy)

	_, _, err = s.AddReader(ctx, "missing", "bob", baseTime)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAddReaderToConversation(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	require.NoError(t, s.CreateConversation(ctx, conv))
	m1 := saveMessage(t, s, conv.ID, "alice", "one", baseTime)
	m2 := saveMessage(t, s, conv.ID, "alice", "two", baseTime.Add(time.Second))
	saveMessage(t, s, conv.ID, "bob", "mine", baseTime.Add(2*time.Second))
	_, _, err := s.AddReader(ctx, m1.ID, "bob", baseTime)
	require.NoError(t, err)

	unread, err := s.CountUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	changed, err := s.AddReaderToConversation(ctx, conv.ID, "bob", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, m2.ID, changed[0].ID)
	assert.Equal(t, []string{"bob"}, changed[0].ReadBy)

	unread, err = s.CountUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)

	changed, err = s.AddReaderToConversation(ctx, conv.ID, "bob", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, changed)

	unread, err = s.CountUnread(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func testConcurrentAddReaderToConversation(t *testing.T, s Store) {
	ctx := context.Background()
	conv := newDirect("alice", "bob")
	require.NoError(t, s.CreateConversation(ctx, conv))
	const messages = 5
	for i := range messages {
		saveMessage(t, s, conv.ID, "alice", "m", baseTime.Add(time.Duration(i)*time.Second))
	}

	const callers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	for range callers {
		wg.Go(func() {
			changed, err := s.AddReaderToConversation(ctx, conv.ID, "bob", baseTime.Add(time.Minute))
			if err != nil {
				t.Errorf("AddReaderToConversation: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range changed {
				seen[m.ID]++
			}
		})
	}
	wg.Wait()

	assert.Len(t, seen, messages)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s reported as newly read more than once", id)
	}
	unread, err := s.CountUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread)
}
