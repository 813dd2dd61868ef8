// ABOUTME: End-to-end tests for the websocket endpoint over httptest
// ABOUTME: Covers auth rejection, frame delivery, subscriptions and listener panics

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor-gateway/internal/delivery"
)

type tokenResolver map[string]string

func (r tokenResolver) Resolve(_ context.Context, credential string) (string, error) {
	if id, ok := r[credential]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	panic  bool
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *recordingListener) OnConnect(context.Context, *Session) error {
	l.record("connect")
	if l.panic {
		panic("listener exploded")
	}
	return nil
}

func (l *recordingListener) OnSubscribe(_ context.Context, _ *Session, channel string) error {
	l.record("subscribe:" + channel)
	return errors.New("listener failed")
}

func (l *recordingListener) OnDisconnect(context.Context, *Session) error {
	l.record("disconnect")
	return nil
}

func (l *recordingListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func startServer(t *testing.T, listener LifecycleListener) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	h := NewHandler(hub, tokenResolver{"tok-alice": "alice"}, Options{Listener: listener}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(t.Context(), url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var f Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func waitConnected(t *testing.T, hub *Hub, participantID string) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Connected(participantID) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandler_RejectsBadCredential(t *testing.T) {
	_, url := startServer(t, nil)

	_, resp, err := websocket.Dial(t.Context(), url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(t.Context(), url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_DeliversFramesToPrincipal(t *testing.T) {
	hub, url := startServer(t, nil)
	conn := dial(t, url+"?token=tok-alice", nil)
	waitConnected(t, hub, "alice")

	require.True(t, hub.SendToParticipant(t.Context(), "alice", delivery.ChannelChat, []byte(`{"id":"evt-1"}`)))

	f := readFrame(t, conn)
	assert.Equal(t, delivery.ChannelChat, f.Channel)
	assert.JSONEq(t, `{"id":"evt-1"}`, string(f.Data))
}

func TestHandler_BearerHeaderCredential(t *testing.T) {
	hub, url := startServer(t, nil)
	dial(t, url, &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer tok-alice"}}})
	waitConnected(t, hub, "alice")
}

func TestHandler_SubscriptionFilters(t *testing.T) {
	hub, url := startServer(t, nil)
	conn := dial(t, url+"?token=tok-alice", nil)
	waitConnected(t, hub, "alice")

	require.NoError(t, wsjson.Write(t.Context(), conn, clientFrame{Type: "subscribe", Channel: delivery.ChannelNewest}))
	ack := readFrame(t, conn)
	assert.Equal(t, ChannelControl, ack.Channel)
	assert.JSONEq(t, `{"type":"subscribed","channel":"newest-message"}`, string(ack.Data))

	assert.False(t, hub.SendToParticipant(t.Context(), "alice", delivery.ChannelChat, []byte(`{"skip":true}`)))
	require.True(t, hub.SendToParticipant(t.Context(), "alice", delivery.ChannelNewest, []byte(`{"keep":true}`)))

	f := readFrame(t, conn)
	assert.Equal(t, delivery.ChannelNewest, f.Channel)

	require.NoError(t, wsjson.Write(t.Context(), conn, clientFrame{Type: "subscribe", Channel: "bogus"}))
	bad := readFrame(t, conn)
	assert.Contains(t, string(bad.Data), `"error"`)
}

func TestHandler_ListenerFailuresDoNotCloseTransport(t *testing.T) {
	listener := &recordingListener{panic: true}
	hub, url := startServer(t, listener)
	conn := dial(t, url+"?token=tok-alice", nil)
	waitConnected(t, hub, "alice")

	require.NoError(t, wsjson.Write(t.Context(), conn, clientFrame{Type: "subscribe", Channel: delivery.ChannelChat}))
	ack := readFrame(t, conn)
	assert.Contains(t, string(ack.Data), "subscribed")

	require.True(t, hub.SendToParticipant(t.Context(), "alice", delivery.ChannelChat, []byte(`{}`)))
	assert.Equal(t, delivery.ChannelChat, readFrame(t, conn).Channel)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.Connected("alice") == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		events := listener.seen()
		return len(events) > 0 && events[len(events)-1] == "disconnect"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connect", "subscribe:chat", "disconnect"}, listener.seen())
}
