// ABOUTME: AI persona bridge: the persona is an ordinary participant of a direct conversation
// ABOUTME: User and persona messages take the same post path, receipts and fan-out as humans

package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/parlor-gateway/internal/apperr"
	"github.com/2389/parlor-gateway/internal/conversation"
	"github.com/2389/parlor-gateway/internal/store"
)

// maxTrackedRequesters bounds the limiter map. Idle limiters are dropped
// when it is exceeded.
const maxTrackedRequesters = 4096

// Messenger is what the bridge needs from the conversation service.
type Messenger interface {
	FindOrCreateDirect(ctx context.Context, a, b string) (*store.Conversation, error)
	GetDirectWith(ctx context.Context, a, b string) (*store.Conversation, error)
	PostDirect(ctx context.Context, senderID, receiverID string, body conversation.Body) (*store.Message, error)
	Post(ctx context.Context, conversationID, senderID string, body conversation.Body) (*store.Message, error)
	ListByConversation(ctx context.Context, callerID, conversationID string, page, size int) ([]conversation.MessageView, error)
	Clear(ctx context.Context, callerID, conversationID string) (int64, error)
}

// Config tunes the bridge.
type Config struct {
	PersonaID     string
	DisplayName   string
	HistoryWindow int
	SystemPrompt  string
	Timeout       time.Duration
	// RequestsPerMinute per requester. Zero disables limiting.
	RequestsPerMinute float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.PersonaID == "" {
		c.PersonaID = "ai-system"
	}
	if c.DisplayName == "" {
		c.DisplayName = "AI Assistant"
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	return c
}

// Exchange is the result of one chat round.
type Exchange struct {
	Request *store.Message
	Reply   *store.Message
}

// Bridge relays requester messages to the completion provider.
type Bridge struct {
	messages Messenger
	provider CompletionProvider
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBridge creates a bridge. Pass nil logger for default.
func NewBridge(messages Messenger, provider CompletionProvider, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = UnavailableProvider{}
	}
	return &Bridge{
		messages: messages,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "persona"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// PersonaID is the persona's participant id.
func (b *Bridge) PersonaID() string { return b.cfg.PersonaID }

// DisplayName is the persona's name for clients.
func (b *Bridge) DisplayName() string { return b.cfg.DisplayName }

// Chat persists the requester's message, asks the provider for a reply and
// persists the reply as the persona. A provider failure leaves the request
// message in place and returns PersonaUnavailable.
func (b *Bridge) Chat(ctx context.Context, requesterID, text string) (*Exchange, error) {
	if requesterID == b.cfg.PersonaID {
		return nil, fmt.Errorf("%w: the persona cannot talk to itself", apperr.ErrInvalidRequest)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message body is empty", apperr.ErrInvalidRequest)
	}
	if !b.allow(requesterID) {
		return nil, fmt.Errorf("%w: assistant requests from %s", apperr.ErrRateLimited, requesterID)
	}

	request, err := b.messages.PostDirect(ctx, requesterID, b.cfg.PersonaID, conversation.Body{Text: text})
	if err != nil {
		return nil, err
	}

	turns, err := b.history(ctx, requesterID, request.ConversationID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	started := time.Now()
	reply, err := b.provider.Complete(cctx, turns)
	if err == nil && reply == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		b.logger.Warn("completion failed", "requester_id", requesterID, "conversation_id", request.ConversationID, "error", err)
		return &Exchange{Request: request}, fmt.Errorf("%w: %w", apperr.ErrPersonaUnavailable, err)
	}
	b.logger.Debug("completion received", "conversation_id", request.ConversationID, "turns", len(turns), "duration", time.Since(started))

	// The reply is persisted even if the caller has gone away meanwhile.
	replyMsg, err := b.messages.Post(context.WithoutCancel(ctx), request.ConversationID, b.cfg.PersonaID, conversation.Body{Text: reply})
	if err != nil {
		return &Exchange{Request: request}, err
	}
	return &Exchange{Request: request, Reply: replyMsg}, nil
}

// history returns the newest HistoryWindow messages in chronological order,
// preceded by the system prompt when one is configured.
func (b *Bridge) history(ctx context.Context, requesterID, conversationID string) ([]Turn, error) {
	views, err := b.messages.ListByConversation(ctx, requesterID, conversationID, 0, b.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	slices.Reverse(views)

	turns := make([]Turn, 0, len(views)+1)
	if b.cfg.SystemPrompt != "" {
		turns = append(turns, Turn{Role: RoleSystem, Text: b.cfg.SystemPrompt})
	}
	for _, v := range views {
		role := RoleUser
		if v.Message.SenderID == b.cfg.PersonaID {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Text: v.Message.Body})
	}
	return turns, nil
}

// Conversation returns the requester's persona conversation, creating it.
func (b *Bridge) Conversation(ctx context.Context, requesterID string) (*store.Conversation, error) {
	return b.messages.FindOrCreateDirect(ctx, requesterID, b.cfg.PersonaID)
}

// History returns a page of the persona conversation, newest first. A
// requester who never talked to the persona gets an empty page.
func (b *Bridge) History(ctx context.Context, requesterID string, page, size int) ([]conversation.MessageView, error) {
	conv, err := b.messages.GetDirectWith(ctx, requesterID, b.cfg.PersonaID)
	if apperr.Is(err, apperr.ErrConversationNotFound) {
		return []conversation.MessageView{}, nil
	}
	if err != nil {
		return nil, err
	}
	return b.messages.ListByConversation(ctx, requesterID, conv.ID, page, size)
}

// Clear deletes every message in the persona conversation.
func (b *Bridge) Clear(ctx context.Context, requesterID string) (int64, error) {
	conv, err := b.messages.GetDirectWith(ctx, requesterID, b.cfg.PersonaID)
	if apperr.Is(err, apperr.ErrConversationNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.messages.Clear(ctx, requesterID, conv.ID)
}

func (b *Bridge) allow(requesterID string) bool {
	if b.cfg.RequestsPerMinute <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[requesterID]
	if !ok {
		if len(b.limiters) >= maxTrackedRequesters {
			b.pruneLocked()
		}
		lim = rate.NewLimiter(rate.Limit(b.cfg.RequestsPerMinute/60), b.cfg.Burst)
		b.limiters[requesterID] = lim
	}
	return lim.Allow()
}

// pruneLocked drops limiters that have refilled completely.
func (b *Bridge) pruneLocked() {
	for id, lim := range b.limiters {
		if lim.Tokens() >= float64(b.cfg.Burst) {
			delete(b.limiters, id)
		}
	}
}
