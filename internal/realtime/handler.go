// ABOUTME: WebSocket endpoint binding a resolved participant id to a hub session
// ABOUTME: Credentials are checked before the upgrade; listener failures never close the socket

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/parlor-gateway/internal/auth"
)

// LifecycleListener observes session lifecycle. Errors and panics are logged.
type LifecycleListener interface {
	OnConnect(ctx context.Context, sess *Session) error
	OnSubscribe(ctx context.Context, sess *Session, channel string) error
	OnDisconnect(ctx context.Context, sess *Session) error
}

// Options tunes the handler.
type Options struct {
	OriginPatterns []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	Listener       LifecycleListener
}

// clientFrame is a client-to-server control message.
type clientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type controlAck struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler serves the real-time endpoint.
type Handler struct {
	hub      *Hub
	resolver auth.IdentityResolver
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates the endpoint handler. Pass nil logger for default.
func NewHandler(hub *Hub, resolver auth.IdentityResolver, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4096
	}
	return &Handler{
		hub:      hub,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With("component", "realtime"),
	}
}

// ServeHTTP authenticates, upgrades and pumps frames until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participantID, err := h.resolver.Resolve(r.Context(), auth.ExtractCredential(r))
	if err != nil {
		h.logger.Debug("rejecting connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", "participant_id", participantID, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.opts.ReadLimit)

	sess := h.hub.Register(participantID)
	defer h.hub.Unregister(sess)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.logger.Info("session connected", "participant_id", participantID, "session_id", sess.ID)
	h.notify("connect", sess, func(l LifecycleListener) error { return l.OnConnect(ctx, sess) })

	go h.readLoop(ctx, cancel, conn, sess)
	err = h.writeLoop(ctx, conn, sess)

	h.notify("disconnect", sess, func(l LifecycleListener) error { return l.OnDisconnect(ctx, sess) })
	h.logger.Info("session disconnected", "participant_id", participantID, "session_id", sess.ID, "reason", err)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			return errors.New("session closed")
		case f := <-sess.Frames():
			if err := h.write(ctx, conn, f); err != nil {
				return err
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, f); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *Session) {
	defer cancel()
	for {
		var cf clientFrame
		if err := wsjson.Read(ctx, conn, &cf); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.logger.Debug("read loop ended", "session_id", sess.ID, "error", err)
			}
			return
		}
		h.handleClientFrame(ctx, sess, cf)
	}
}

func (h *Handler) handleClientFrame(ctx context.Context, sess *Session, cf clientFrame) {
	switch cf.Type {
	case "subscribe", "unsubscribe":
		if !slices.Contains(defaultChannels, cf.Channel) {
			h.ack(sess, controlAck{Type: "error", Channel: cf.Channel, Message: "unknown channel"})
			return
		}
		if cf.Type == "subscribe" {
			sess.Subscribe(cf.Channel)
			h.notify("subscribe", sess, func(l LifecycleListener) error { return l.OnSubscribe(ctx, sess, cf.Channel) })
			h.ack(sess, controlAck{Type: "subscribed", Channel: cf.Channel})
			return
		}
		sess.Unsubscribe(cf.Channel)
		h.ack(sess, controlAck{Type: "unsubscribed", Channel: cf.Channel})
	case "ping":
		h.ack(sess, controlAck{Type: "pong"})
	default:
		h.ack(sess, controlAck{Type: "error", Message: "unknown frame type"})
	}
}

func (h *Handler) ack(sess *Session, a controlAck) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if !sess.offer(Frame{Channel: ChannelControl, Data: data}) {
		h.logger.Debug("dropped control frame", "session_id", sess.ID, "type", a.Type)
	}
}

// notify calls the listener, absorbing its errors and panics.
func (h *Handler) notify(event string, sess *Session, call func(LifecycleListener) error) {
	if h.opts.Listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("lifecycle listener panicked", "event", event, "session_id", sess.ID, "panic", r)
		}
	}()
	if err := call(h.opts.Listener); err != nil {
		h.logger.Warn("lifecycle listener failed", "event", event, "session_id", sess.ID, "error", err)
	}
}
