// ABOUTME: Dual-path fan-out: durable broker publish plus best-effort direct push
// ABOUTME: The relay pushes broker records from other instances to local sessions

package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/parlor-gateway/internal/broker"
	"github.com/2389/parlor-gateway/internal/dedupe"
	"github.com/2389/parlor-gateway/internal/store"
)

// Broker record headers.
const (
	HeaderEventID   = "event-id"
	HeaderEventKind = "event-kind"
	HeaderOrigin    = "origin"
)

// Channel pushes a payload to every live session of a participant on a named
// channel. It reports whether at least one session accepted the payload.
type Channel interface {
	SendToParticipant(ctx context.Context, participantID, channel string, payload []byte) bool
}

// Config tunes the fan-out.
type Config struct {
	MessageTopic        string
	ReceiptTopic        string
	PushTimeout         time.Duration
	PublishTimeout      time.Duration
	MaxConcurrentPushes int
	Origin              string
}

func (c Config) withDefaults() Config {
	if c.MessageTopic == "" {
		c.MessageTopic = "chat_messages"
	}
	if c.ReceiptTopic == "" {
		c.ReceiptTopic = "read_status_updates"
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 2 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxConcurrentPushes <= 0 {
		c.MaxConcurrentPushes = 16
	}
	return c
}

// Fanout delivers events on both paths. Neither path's failure is returned
// to the caller; the write that produced the event already succeeded.
type Fanout struct {
	broker  broker.Publisher
	channel Channel
	seen    *dedupe.Cache
	cfg     Config
	logger  *slog.Logger
}

// NewFanout wires the two delivery paths. A nil publisher disables the broker
// path and a nil seen cache gets a default one.
func NewFanout(pub broker.Publisher, ch Channel, seen *dedupe.Cache, cfg Config, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if seen == nil {
		seen = dedupe.New(5*time.Minute, 10000)
	}
	return &Fanout{
		broker:  pub,
		channel: ch,
		seen:    seen,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "fanout"),
	}
}

// Topics returns the topics the relay should consume.
func (f *Fanout) Topics() []string {
	return []string{f.cfg.MessageTopic, f.cfg.ReceiptTopic}
}

// Publish sends ev to the broker and pushes it to every target's live
// sessions. The two paths run concurrently; a slow broker never holds up the
// direct push, and the broker leg gives up after PublishTimeout.
func (f *Fanout) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("encoding event", "event_id", ev.ID, "error", err)
		return
	}

	// Marked first so this instance's relay skips the record when the broker
	// echoes it back.
	f.seen.Mark(ev.ID)

	var g errgroup.Group
	if f.broker != nil {
		g.Go(func() error {
			f.publishToBroker(ctx, ev, payload)
			return nil
		})
	}
	g.Go(func() error {
		f.push(ctx, ev.Targets, ev.Channel(), payload)
		return nil
	})
	_ = g.Wait()
}

func (f *Fanout) publishToBroker(ctx context.Context, ev Event, payload []byte) {
	topic := f.cfg.MessageTopic
	if ev.IsReceipt() {
		topic = f.cfg.ReceiptTopic
	}
	headers := map[string]string{
		HeaderEventID:   ev.ID,
		HeaderEventKind: string(ev.Kind),
		HeaderOrigin:    f.cfg.Origin,
	}

	bctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
	defer cancel()
	if err := f.broker.Publish(bctx, topic, ev.ConversationID, payload, headers); err != nil {
		f.logger.Warn("broker publish failed", "topic", topic, "event_id", ev.ID, "conversation_id", ev.ConversationID, "error", err)
	}
}

// PublishNewest pushes an inbox preview of msg to every participant of conv.
func (f *Fanout) PublishNewest(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	payload, err := json.Marshal(NewestPayload{
		ConversationID:   conv.ID,
		Message:          NewMessagePayload(msg),
		ConversationType: conv.Type,
		ParticipantCount: len(conv.ParticipantIDs),
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		f.logger.Error("encoding newest message", "conversation_id", conv.ID, "error", err)
		return
	}
	f.push(ctx, conv.ParticipantIDs, ChannelNewest, payload)
}

func (f *Fanout) push(ctx context.Context, targets []string, channel string, payload []byte) {
	if f.channel == nil || len(targets) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(f.cfg.MaxConcurrentPushes)
	for _, target := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, f.cfg.PushTimeout)
			defer cancel()
			if !f.channel.SendToParticipant(pctx, target, channel, payload) {
				f.logger.Debug("direct push not delivered", "participant_id", target, "channel", channel)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Relay returns the broker handler that pushes consumed events to sessions
// on this instance.
func (f *Fanout) Relay() broker.Handler {
	return relay{f: f}
}

type relay struct {
	f *Fanout
}

func (r relay) Handle(ctx context.Context, msg *broker.Message) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.f.logger.Warn("dropping undecodable record", "topic", msg.Topic, "key", msg.Key, "error", err)
		return nil
	}
	if ev.ID == "" {
		r.f.logger.Warn("dropping record without event id", "topic", msg.Topic, "key", msg.Key)
		return nil
	}
	if r.f.seen.CheckAndMark(ev.ID) {
		return nil
	}
	r.f.push(ctx, ev.Targets, ev.Channel(), msg.Value)
	return nil
}
