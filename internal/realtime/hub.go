// ABOUTME: Registry of live real-time sessions addressable by participant id
// ABOUTME: Non-blocking frame delivery with per-session channel filters

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/parlor-gateway/internal/delivery"
)

// sessionBufferSize is the frame queue depth per session. A full queue drops
// frames for that session only.
const sessionBufferSize = 64

// ChannelControl carries acknowledgements for client frames. It is always
// delivered regardless of subscriptions.
const ChannelControl = "control"

var defaultChannels = []string{delivery.ChannelChat, delivery.ChannelReadStatus, delivery.ChannelNewest}

// Frame is one server-to-client message.
type Frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Session is one live connection of a participant.
type Session struct {
	ID            string
	ParticipantID string

	frames chan Frame
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	all      bool
	channels map[string]struct{}
}

func newSession(participantID string) *Session {
	return &Session{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		frames:        make(chan Frame, sessionBufferSize),
		done:          make(chan struct{}),
		all:           true,
		channels:      make(map[string]struct{}),
	}
}

// Frames is the session's outbound queue. It is never closed; watch Done.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Subscribe narrows the session to the channels it has subscribed to.
// A fresh session receives every channel.
func (s *Session) Subscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all {
		s.all = false
		clear(s.channels)
	}
	s.channels[channel] = struct{}{}
}

// Unsubscribe stops delivery of channel.
func (s *Session) Unsubscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all {
		s.all = false
		for _, c := range defaultChannels {
			s.channels[c] = struct{}{}
		}
	}
	delete(s.channels, channel)
}

// Wants reports whether the session receives channel.
func (s *Session) Wants(channel string) bool {
	if channel == ChannelControl {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.all {
		return true
	}
	_, ok := s.channels[channel]
	return ok
}

// offer queues f without blocking.
func (s *Session) offer(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks sessions by participant id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // participantID -> sessionID -> session
	logger   *slog.Logger
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Session),
		logger:   logger.With("component", "hub"),
	}
}

// Register adds a session for participantID.
func (h *Hub) Register(participantID string) *Session {
	sess := newSession(participantID)

	h.mu.Lock()
	if _, ok := h.sessions[participantID]; !ok {
		h.sessions[participantID] = make(map[string]*Session)
	}
	h.sessions[participantID][sess.ID] = sess
	h.mu.Unlock()

	h.logger.Debug("session registered", "participant_id", participantID, "session_id", sess.ID)
	return sess
}

// Unregister removes sess and closes its Done channel.
func (h *Hub) Unregister(sess *Session) {
	h.mu.Lock()
	if subs, ok := h.sessions[sess.ParticipantID]; ok {
		delete(subs, sess.ID)
		if len(subs) == 0 {
			delete(h.sessions, sess.ParticipantID)
		}
	}
	h.mu.Unlock()
	sess.close()

	h.logger.Debug("session unregistered", "participant_id", sess.ParticipantID, "session_id", sess.ID)
}

// SendToParticipant queues payload on every session of participantID that
// wants channel. It reports whether any session accepted it.
func (h *Hub) SendToParticipant(ctx context.Context, participantID, channel string, payload []byte) bool {
	if ctx.Err() != nil {
		return false
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[participantID]))
	for _, sess := range h.sessions[participantID] {
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	frame := Frame{Channel: channel, Data: json.RawMessage(payload)}
	delivered := false
	for _, sess := range targets {
		if !sess.Wants(channel) {
			continue
		}
		if sess.offer(frame) {
			delivered = true
			continue
		}
		h.logger.Debug("dropped frame for slow session", "participant_id", participantID, "session_id", sess.ID, "channel", channel)
	}
	return delivered
}

// Connected returns the number of live sessions for participantID.
func (h *Hub) Connected(participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[participantID])
}

// Close unregisters every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]map[string]*Session)
	h.mu.Unlock()

	for _, subs := range all {
		for _, sess := range subs {
			sess.close()
		}
	}
	h.logger.Debug("hub closed")
}

var _ delivery.Channel = (*Hub)(nil)
