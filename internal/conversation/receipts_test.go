// ABOUTME: Tests for read receipts
// ABOUTME: Sender exclusion, idempotency and one event per changed message

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/delivery"
)

func TestMarkRead_SenderIsIgnored(t *testing.T) {
	svc, pub := newTestService(t)
	msg, err := svc.PostDirect(t.Context(), "alice", "bob", Body{Text: "hi"})
	require.NoError(t, err)

	got, err := svc.MarkRead(t.Context(), msg.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.ReadBy)
	assert.Empty(t, pub.ofKind(delivery.KindReceiptUpdated))
}

func TestMarkRead_IdempotentScenario(t *testing.T) {
	svc, pub := newTestService(t)
	msg, err := svc.PostDirect(t.Context(), "alice", "bob", Body{Text: "hi"})
	require.NoError(t, err)

	got, err := svc.MarkRead(t.Context(), msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got.ReadBy)

	again, err := svc.MarkRead(t.Context(), msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, got.ReadBy, again.ReadBy)

	receipts := pub.ofKind(delivery.KindReceiptUpdated)
	require.Len(t, receipts, 1)
	assert.Equal(t, []string{"alice"}, receipts[0].Targets)
	assert.Equal(t, "bob", receipts[0].Receipt.ReaderID)
	assert.Equal(t, msg.ID, receipts[0].Receipt.MessageID)
}

func TestMarkRead_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	msg, err := svc.PostDirect(t.Context(), "alice", "bob", Body{Text: "hi"})
	require.NoError(t, err)

	_, err = svc.MarkRead(t.Context(), "missing", "bob")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)

	_, err = svc.MarkRead(t.Context(), msg.ID, "mallory")
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestMarkConversationRead(t *testing.T) {
	svc, pub := newTestService(t)
	conv := newGroupConversation(t, svc, "alice", "bob", "carol")

	fromAlice, err := svc.Post(t.Context(), conv.ID, "alice", Body{Text: "a"})
	require.NoError(t, err)
	fromCarol, err := svc.Post(t.Context(), conv.ID, "carol", Body{Text: "c"})
	require.NoError(t, err)
	_, err = svc.Post(t.Context(), conv.ID, "bob", Body{Text: "b"})
	require.NoError(t, err)
	_, err = svc.MarkRead(t.Context(), fromAlice.ID, "bob")
	require.NoError(t, err)
	pub.reset()

	n, err := svc.MarkConversationRead(t.Context(), conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the previously unread message changes")

	receipts := pub.ofKind(delivery.KindReceiptUpdated)
	require.Len(t, receipts, 1)
	assert.Equal(t, fromCarol.ID, receipts[0].Receipt.MessageID)
	assert.ElementsMatch(t, []string{"alice", "carol"}, receipts[0].Targets)

	views, err := svc.ListByConversation(t.Context(), "bob", conv.ID, 0, 0)
	require.NoError(t, err)
	for _, v := range views {
		if v.Message.SenderID == "bob" {
			assert.NotContains(t, v.Message.ReadBy, "bob")
			continue
		}
		assert.True(t, v.ReadByMe, v.Message.Body)
	}

	n, err = svc.MarkConversationRead(t.Context(), conv.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.ofKind(delivery.KindReceiptUpdated), 1)
}
