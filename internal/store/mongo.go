// ABOUTME: MongoDB implementation of the Store interface using the official driver
// ABOUTME: Uses a unique partial index for direct dedup and version-filtered updates

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "chat_messages"
)

// MongoStore implements the Store interface on MongoDB
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	logger        *slog.Logger
}

// NewMongoStore connects to uri, selects database and ensures indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(uri).SetRetryWrites(true)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		logger:        logger,
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("Mongo store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "dedupKey", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"dedupKey": bson.M{"$type": "string"}}),
		},
		{
			Keys: bson.D{{Key: "participantIds", Value: 1}, {Key: "lastActivityAt", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

type conversationDocument struct {
	ID             string    `bson:"_id"`
	Type           string    `bson:"type"`
	ParticipantIDs []string  `bson:"participantIds"`
	CreatorID      string    `bson:"creatorId"`
	Name           string    `bson:"name"`
	Avatar         *FileRef  `bson:"avatar,omitempty"`
	DedupKey       string    `bson:"dedupKey,omitempty"`
	Version        int64     `bson:"version"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
	LastActivityAt time.Time `bson:"lastActivityAt"`
}

func newConversationDocument(c *Conversation) conversationDocument {
	return conversationDocument{
		ID:             c.ID,
		Type:           string(c.Type),
		ParticipantIDs: c.ParticipantIDs,
		CreatorID:      c.CreatorID,
		Name:           c.Name,
		Avatar:         c.Avatar,
		DedupKey:       c.DedupKey,
		Version:        c.Version,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
		LastActivityAt: c.LastActivityAt.UTC(),
	}
}

func (d conversationDocument) toConversation() *Conversation {
	return &Conversation{
		ID:             d.ID,
		Type:           ConversationType(d.Type),
		ParticipantIDs: d.ParticipantIDs,
		CreatorID:      d.CreatorID,
		Name:           d.Name,
		Avatar:         d.Avatar,
		DedupKey:       d.DedupKey,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		LastActivityAt: d.LastActivityAt.UTC(),
	}
}

type messageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	SenderID       string    `bson:"senderId"`
	Body           string    `bson:"body"`
	Attachment     *FileRef  `bson:"attachment,omitempty"`
	Edited         bool      `bson:"edited"`
	ReadBy         []string  `bson:"readBy"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func newMessageDocument(m *Message) messageDocument {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return messageDocument{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Attachment:     m.Attachment,
		Edited:         m.Edited,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func (d messageDocument) toMessage() *Message {
	readBy := d.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return &Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		Attachment:     d.Attachment,
		Edited:         d.Edited,
		ReadBy:         readBy,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

// unreadFilter matches messages readerID has neither sent nor read
func unreadFilter(conversationID, readerID string) bson.M {
	return bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": readerID},
		"readBy":         bson.M{"$ne": readerID},
	}
}

// CreateConversation inserts a conversation document.
// A dedup key collision returns ErrDuplicateConversation.
func (s *MongoStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Version == 0 {
		conv.Version = 1
	}
	_, err := s.conversations.InsertOne(ctx, newConversationDocument(conv))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", conv.ID, "type", conv.Type)
	return nil
}

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M) (*Conversation, error) {
	var doc conversationDocument
	err := s.conversations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return doc.toConversation(), nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id})
}

// GetConversationByDedupKey retrieves the direct conversation for a dedup key.
func (s *MongoStore) GetConversationByDedupKey(ctx context.Context, key string) (*Conversation, error) {
	return s.findConversation(ctx, bson.M{"dedupKey": key})
}

// UpdateConversation writes the conversation if the stored version matches.
func (s *MongoStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	set := bson.M{
		"type":           string(conv.Type),
		"participantIds": conv.ParticipantIDs,
		"creatorId":      conv.CreatorID,
		"name":           conv.Name,
		"avatar":         conv.Avatar,
		"version":        conv.Version + 1,
		"updatedAt":      conv.UpdatedAt.UTC(),
	}
	update := bson.M{"$set": set}
	if conv.DedupKey != "" {
		set["dedupKey"] = conv.DedupKey
	} else {
		update["$unset"] = bson.M{"dedupKey": ""}
	}

	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conv.ID, "version": conv.Version}, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("updating conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetConversation(ctx, conv.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	conv.Version++
	return nil
}

// TouchConversation advances the conversation's last activity time.
func (s *MongoStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "lastActivityAt": bson.M{"$lt": at.UTC()}},
		bson.M{"$set": bson.M{"lastActivityAt": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// ListConversationsByParticipant lists conversations by most recent activity.
func (s *MongoStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit, offset int) ([]*Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "lastActivityAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit))).
		SetSkip(int64(max(offset, 0)))

	cursor, err := s.conversations.Find(ctx, bson.M{"participantIds": participantID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	var docs []conversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}

	convs := make([]*Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, d.toConversation())
	}
	return convs, nil
}

// DeleteConversation removes the conversation and its messages. Messages go
// first so a failure part way never leaves messages without a conversation.
func (s *MongoStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.messages.DeleteMany(ctx, bson.M{"conversationId": id}); err != nil {
		return fmt.Errorf("deleting conversation messages: %w", err)
	}
	res, err := s.conversations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage inserts a message document.
func (s *MongoStore) SaveMessage(ctx context.Context, msg *Message) error {
	if _, err := s.messages.InsertOne(ctx, newMessageDocument(msg)); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return doc.toMessage(), nil
}

// UpdateMessage writes the mutable fields of a message.
func (s *MongoStore) UpdateMessage(ctx context.Context, msg *Message) error {
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": msg.ID}, bson.M{"$set": bson.M{
		"body":       msg.Body,
		"attachment": msg.Attachment,
		"edited":     msg.Edited,
		"updatedAt":  msg.UpdatedAt.UTC(),
	}})
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message.
func (s *MongoStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Message, error) {
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	msgs := make([]*Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toMessage())
	}
	return msgs, nil
}

// ListMessages returns a page of messages, newest first.
func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit))).
		SetSkip(int64(max(offset, 0)))
	return s.findMessages(ctx, bson.M{"conversationId": conversationID}, opts)
}

// LatestMessage returns the newest message in a conversation.
func (s *MongoStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	msgs, err := s.ListMessages(ctx, conversationID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// DeleteConversationMessages removes every message in a conversation.
func (s *MongoStore) DeleteConversationMessages(ctx context.Context, conversationID string) (int64, error) {
	res, err := s.messages.DeleteMany(ctx, bson.M{"conversationId": conversationID})
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return res.DeletedCount, nil
}

// AddReader pushes readerID onto readBy in a single conditional update.
func (s *MongoStore) AddReader(ctx context.Context, messageID, readerID string, at time.Time) (*Message, bool, error) {
	filter := bson.M{
		"_id":      messageID,
		"senderId": bson.M{"$ne": readerID},
		"readBy":   bson.M{"$ne": readerID},
	}
	update := bson.M{"$push": bson.M{"readBy": readerID}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc messageDocument
	err := s.messages.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either missing, sent by the reader, or already read.
		msg, err := s.GetMessage(ctx, messageID)
		if err != nil {
			return nil, false, err
		}
		return msg, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("adding reader: %w", err)
	}
	return doc.toMessage(), true, nil
}

// AddReaderToConversation marks every unread message in a conversation.
// Each message is claimed with its own conditional update, so concurrent
// callers never both report the same message as newly read.
func (s *MongoStore) AddReaderToConversation(ctx context.Context, conversationID, readerID string, at time.Time) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	unread, err := s.findMessages(ctx, unreadFilter(conversationID, readerID), opts)
	if err != nil {
		return nil, err
	}

	var marked []*Message
	update := bson.M{"$push": bson.M{"readBy": readerID}}
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)
	for _, m := range unread {
		filter := bson.M{
			"_id":      m.ID,
			"senderId": bson.M{"$ne": readerID},
			"readBy":   bson.M{"$ne": readerID},
		}
		var doc messageDocument
		err := s.messages.FindOneAndUpdate(ctx, filter, update, after).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Read by a concurrent call, or deleted since the find.
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("adding reader to message %s: %w", m.ID, err)
		}
		marked = append(marked, doc.toMessage())
	}
	return marked, nil
}

// CountUnread counts messages readerID has not read.
func (s *MongoStore) CountUnread(ctx context.Context, conversationID, readerID string) (int, error) {
	n, err := s.messages.CountDocuments(ctx, unreadFilter(conversationID, readerID))
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return int(n), nil
}

// Ping checks the server is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	s.logger.Info("closing Mongo store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
