// ABOUTME: Tests for the gateway HTTP API, health endpoints and realtime wiring
// ABOUTME: Runs the full stack over httptest with SQLite and the in-process broker

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor-gateway/internal/blob"
	"github.com/2389/parlor-gateway/internal/broker"
	"github.com/2389/parlor-gateway/internal/config"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/persona"
	"github.com/2389/parlor-gateway/internal/realtime"
	"github.com/2389/parlor-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeBlobs struct {
	stored []blob.Metadata
}

func (f *fakeBlobs) Store(_ context.Context, r io.Reader, meta blob.Metadata) (*store.FileRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.stored = append(f.stored, meta)
	return &store.FileRef{Key: "attachments/ab/abc.png", URL: "http://blob/attachments/ab/abc.png", Name: meta.Name, Size: int64(len(data)), ContentType: "image/png"}, nil
}

type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, turns []persona.Turn) (string, error) {
	return "echo: " + turns[len(turns)-1].Text, nil
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestGateway(t *testing.T, c components) *testGateway {
	t.Helper()
	if c.store == nil {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
		require.NoError(t, err)
		c.store = s
	}
	if c.publisher == nil {
		c.publisher = broker.NewMemory(nil)
	}
	cfg := &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{JWTSecret: testSecret},
	}
	gw := newGateway(cfg, c, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.hub.Close()
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testGateway{gw: gw, srv: srv}
}

func (tg *testGateway) token(t *testing.T, participantID string) string {
	t.Helper()
	tok, err := tg.gw.Resolver().Generate(participantID, time.Hour)
	require.NoError(t, err)
	return tok
}

type apiResponse struct {
	Status    int
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	TimeStamp time.Time       `json:"timeStamp"`
	Result    json.RawMessage `json:"result"`
}

func (tg *testGateway) do(t *testing.T, as, method, path string, body any) apiResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, tg.srv.URL+path, reader)
	require.NoError(t, err)
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+tg.token(t, as))
	}
	req.Header.Set("Content-Type", "application/json")
	return send(t, req)
}

func send(t *testing.T, req *http.Request) apiResponse {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	out.Status = resp.StatusCode
	return out
}

func decodeResult[T any](t *testing.T, r apiResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Result, &v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t, components{})

	resp, err := http.Get(tg.srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(tg.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	tg := newTestGateway(t, components{})

	r := tg.do(t, "", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, r.Status)
	assert.Equal(t, 1001, r.Code)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, tg.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r = send(t, req)
	assert.Equal(t, http.StatusUnauthorized, r.Status)
}

func TestAPI_DirectMessageFlow(t *testing.T) {
	tg := newTestGateway(t, components{})

	posted := tg.do(t, "alice", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob", Message: "hi"})
	require.Equal(t, http.StatusCreated, posted.Status)
	assert.Equal(t, 1000, posted.Code)
	assert.False(t, posted.TimeStamp.IsZero())
	msg := decodeResult[delivery.MessagePayload](t, posted)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "hi", msg.Body)
	assert.Empty(t, msg.ReadBy)

	inbox := decodeResult[[]SummaryResponse](t, tg.do(t, "bob", http.MethodGet, "/api/conversations", nil))
	require.Len(t, inbox, 1)
	assert.Equal(t, store.ConversationDirect, inbox[0].Conversation.Type)
	assert.Equal(t, 1, inbox[0].UnreadCount)
	assert.Equal(t, msg.ID, inbox[0].NewestMessage.ID)

	read := tg.do(t, "bob", http.MethodPost, "/api/messages/"+msg.ID+"/read", nil)
	require.Equal(t, http.StatusOK, read.Status)
	assert.Equal(t, []string{"bob"}, decodeResult[delivery.MessagePayload](t, read).ReadBy)

	unread := decodeResult[CountResponse](t, tg.do(t, "bob", http.MethodGet, "/api/conversations/"+msg.ConversationID+"/unread", nil))
	assert.Zero(t, unread.Count)

	views := decodeResult[[]MessageViewResponse](t, tg.do(t, "alice", http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", nil))
	require.Len(t, views, 1)
	assert.True(t, views[0].IsMine)
	assert.Equal(t, 1, views[0].ReadCount)
}

func TestAPI_ErrorMapping(t *testing.T) {
	tg := newTestGateway(t, components{})

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   int
	}{
		{"unknown conversation", http.MethodGet, "/api/conversations/missing", nil, http.StatusNotFound, 1103},
		{"unknown message", http.MethodPut, "/api/messages/missing", EditMessageRequest{Message: "x"}, http.StatusNotFound, 1104},
		{"missing receiver", http.MethodPost, "/api/messages/direct", map[string]string{"message": "hi"}, http.StatusBadRequest, 1002},
		{"unknown field", http.MethodPost, "/api/messages/direct", map[string]string{"receiverId": "bob", "bogus": "x"}, http.StatusBadRequest, 1002},
		{"message to self", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "alice", Message: "hi"}, http.StatusBadRequest, 1107},
		{"empty body", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob"}, http.StatusBadRequest, 1002},
		{"bad page", http.MethodGet, "/api/conversations?page=-1", nil, http.StatusBadRequest, 1002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tg.do(t, "alice", tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantCode, r.Code)
			assert.NotEmpty(t, r.Message)
		})
	}
}

func TestAPI_GroupMembership(t *testing.T) {
	tg := newTestGateway(t, components{})

	created := tg.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{ParticipantIDs: []string{"bob", "carol"}, Name: "team"})
	require.Equal(t, http.StatusCreated, created.Status)
	conv := decodeResult[ConversationResponse](t, created)
	assert.Equal(t, store.ConversationGroup, conv.Type)
	assert.Equal(t, "alice", conv.CreatorID)

	denied := tg.do(t, "mallory", http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusForbidden, denied.Status)

	added := decodeResult[ConversationResponse](t, tg.do(t, "bob", http.MethodPost, "/api/conversations/"+conv.ID+"/members/dave", nil))
	assert.Contains(t, added.ParticipantIDs, "dave")

	dup := tg.do(t, "bob", http.MethodPost, "/api/conversations/"+conv.ID+"/members/dave", nil)
	assert.Equal(t, http.StatusConflict, dup.Status)
	assert.Equal(t, 1108, dup.Code)

	posted := tg.do(t, "carol", http.MethodPost, "/api/messages/group", GroupMessageRequest{ConversationID: conv.ID, Message: "hello team"})
	assert.Equal(t, http.StatusCreated, posted.Status)

	tg.do(t, "alice", http.MethodDelete, "/api/conversations/"+conv.ID+"/members/dave", nil)
	demoted := decodeResult[ConversationResponse](t, tg.do(t, "alice", http.MethodDelete, "/api/conversations/"+conv.ID+"/members/carol", nil))
	assert.Equal(t, store.ConversationDirect, demoted.Type)

	name := "pair"
	renamed := decodeResult[ConversationResponse](t, tg.do(t, "bob", http.MethodPut, "/api/conversations/"+conv.ID, UpdateConversationRequest{Name: &name}))
	assert.Equal(t, "pair", renamed.Name)

	deleted := tg.do(t, "bob", http.MethodDelete, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, deleted.Status)
	assert.Equal(t, http.StatusNotFound, tg.do(t, "alice", http.MethodGet, "/api/conversations/"+conv.ID, nil).Status)
}

func TestAPI_EditDeleteAndMarkAll(t *testing.T) {
	tg := newTestGateway(t, components{})

	first := decodeResult[delivery.MessagePayload](t, tg.do(t, "alice", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob", Message: "helo"}))
	tg.do(t, "alice", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob", Message: "second"})

	forbidden := tg.do(t, "bob", http.MethodPut, "/api/messages/"+first.ID, EditMessageRequest{Message: "hijack"})
	assert.Equal(t, http.StatusForbidden, forbidden.Status)

	edited := decodeResult[delivery.MessagePayload](t, tg.do(t, "alice", http.MethodPut, "/api/messages/"+first.ID, EditMessageRequest{Message: "hello"}))
	assert.True(t, edited.Edited)
	assert.Equal(t, "hello", edited.Body)

	marked := decodeResult[CountResponse](t, tg.do(t, "bob", http.MethodPost, "/api/conversations/"+first.ConversationID+"/read", nil))
	assert.EqualValues(t, 2, marked.Count)

	assert.Equal(t, http.StatusOK, tg.do(t, "alice", http.MethodDelete, "/api/messages/"+first.ID, nil).Status)
	views := decodeResult[[]MessageViewResponse](t, tg.do(t, "bob", http.MethodGet, "/api/conversations/"+first.ConversationID+"/messages", nil))
	require.Len(t, views, 1)
	assert.Equal(t, "second", views[0].Body)
}

func TestAPI_ListMessagesAsHTML(t *testing.T) {
	tg := newTestGateway(t, components{})

	msg := decodeResult[delivery.MessagePayload](t, tg.do(t, "alice", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob", Message: "**bold** move"}))

	plain := decodeResult[[]MessageViewResponse](t, tg.do(t, "bob", http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", nil))
	require.Len(t, plain, 1)
	assert.Empty(t, plain[0].HTML)

	rendered := decodeResult[[]MessageViewResponse](t, tg.do(t, "bob", http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages?format=html", nil))
	require.Len(t, rendered, 1)
	assert.Contains(t, rendered[0].HTML, "<strong>bold</strong>")
	assert.Equal(t, "**bold** move", rendered[0].Body)
}

func uploadRequest(t *testing.T, tg *testGateway, as string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "cat.png")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, tg.srv.URL+"/api/attachments", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tg.token(t, as))
	return req
}

func TestAPI_UploadAttachment(t *testing.T) {
	blobs := &fakeBlobs{}
	tg := newTestGateway(t, components{blobs: blobs})

	r := send(t, uploadRequest(t, tg, "alice", []byte("\x89PNG\r\n\x1a\nrest")))
	require.Equal(t, http.StatusCreated, r.Status)
	ref := decodeResult[store.FileRef](t, r)
	assert.Equal(t, "cat.png", ref.Name)
	require.Len(t, blobs.stored, 1)

	posted := tg.do(t, "alice", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob", Attachment: &ref})
	require.Equal(t, http.StatusCreated, posted.Status)
	assert.Equal(t, ref.URL, decodeResult[delivery.MessagePayload](t, posted).Attachment.URL)
}

func TestAPI_UploadWithoutBackend(t *testing.T) {
	tg := newTestGateway(t, components{})

	r := send(t, uploadRequest(t, tg, "alice", []byte("data")))
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, 1114, r.Code)
}

func TestAPI_Assistant(t *testing.T) {
	tg := newTestGateway(t, components{provider: echoProvider{}})

	empty := decodeResult[[]MessageViewResponse](t, tg.do(t, "alice", http.MethodGet, "/api/ai/messages", nil))
	assert.Empty(t, empty)

	chat := tg.do(t, "alice", http.MethodPost, "/api/ai/chat", ChatRequest{Message: "ping"})
	require.Equal(t, http.StatusOK, chat.Status)
	ex := decodeResult[ExchangeResponse](t, chat)
	assert.Equal(t, "echo: ping", ex.Reply.Body)
	assert.Equal(t, "ai-system", ex.Reply.SenderID)

	info := decodeResult[AssistantConversationResponse](t, tg.do(t, "alice", http.MethodGet, "/api/ai/conversation", nil))
	assert.Equal(t, "AI Assistant", info.DisplayName)
	assert.Equal(t, ex.Request.ConversationID, info.Conversation.ID)

	history := decodeResult[[]MessageViewResponse](t, tg.do(t, "alice", http.MethodGet, "/api/ai/messages", nil))
	assert.Len(t, history, 2)

	cleared := decodeResult[CountResponse](t, tg.do(t, "alice", http.MethodDelete, "/api/ai/messages", nil))
	assert.EqualValues(t, 2, cleared.Count)
}

func TestAPI_AssistantDisabled(t *testing.T) {
	tg := newTestGateway(t, components{})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, tg.srv.URL+"/api/ai/chat", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tg.token(t, "alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRealtime_PostIsDeliveredOnce(t *testing.T) {
	tg := newTestGateway(t, components{})

	wsURL := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws?token=" + tg.token(t, "bob")
	conn, _, err := websocket.Dial(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return tg.gw.hub.Connected("bob") == 1 }, 2*time.Second, 10*time.Millisecond)

	posted := tg.do(t, "alice", http.MethodPost, "/api/messages/direct", DirectMessageRequest{ReceiverID: "bob", Message: "hi"})
	require.Equal(t, http.StatusCreated, posted.Status)

	channels := map[string]int{}
	for range 2 {
		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		var frame realtime.Frame
		err := wsjson.Read(ctx, conn, &frame)
		cancel()
		require.NoError(t, err)
		channels[frame.Channel]++

		if frame.Channel == delivery.ChannelChat {
			var ev delivery.Event
			require.NoError(t, json.Unmarshal(frame.Data, &ev))
			assert.Equal(t, delivery.KindMessageCreated, ev.Kind)
			assert.Equal(t, "hi", ev.Message.Body)
		}
	}
	assert.Equal(t, map[string]int{delivery.ChannelChat: 1, delivery.ChannelNewest: 1}, channels)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	var extra realtime.Frame
	assert.Error(t, wsjson.Read(ctx, conn, &extra), "the broker echo must not cause a second delivery")
}

func TestRealtime_RejectsBadToken(t *testing.T) {
	tg := newTestGateway(t, components{})

	wsURL := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.Dial(t.Context(), wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConsumerGroupID_IsPerInstance(t *testing.T) {
	a := newTestGateway(t, components{})
	b := newTestGateway(t, components{})
	require.NotEqual(t, a.gw.serverID, b.gw.serverID)

	groupA := consumerGroupID("parlor-gateway", a.gw.serverID)
	groupB := consumerGroupID("parlor-gateway", b.gw.serverID)
	assert.NotEqual(t, groupA, groupB)
	assert.True(t, strings.HasPrefix(groupA, "parlor-gateway-"))
	assert.True(t, strings.HasSuffix(groupA, a.gw.serverID))
}
