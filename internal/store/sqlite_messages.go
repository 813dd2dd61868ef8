// ABOUTME: SQLite message and read-receipt persistence
// ABOUTME: Receipts live in message_reads so each append is a single idempotent insert

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, body, attachment, edited, created_at, updated_at`

// SaveMessage stores a new message
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	attachment, err := encodeFileRef(msg.Attachment)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Body,
		attachment,
		msg.Edited,
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var attachment sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Body,
		&attachment,
		&msg.Edited,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if msg.Attachment, err = decodeFileRef(attachment); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &msg, nil
}

// loadReaders fills ReadBy for the given messages in read order
func loadReaders(ctx context.Context, q queryer, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		m.ReadBy = []string{}
		byID[m.ID] = m
		args = append(args, m.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT message_id, reader_id
		FROM message_reads
		WHERE message_id IN (`+placeholders(len(args))+`)
		ORDER BY read_at, rowid
	`, args...)
	if err != nil {
		return fmt.Errorf("querying read receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, readerID string
		if err := rows.Scan(&msgID, &readerID); err != nil {
			return fmt.Errorf("scanning read receipt: %w", err)
		}
		if m, ok := byID[msgID]; ok {
			m.ReadBy = append(m.ReadBy, readerID)
		}
	}
	return rows.Err()
}

func getMessage(ctx context.Context, q queryer, id string) (*Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	if err := loadReaders(ctx, q, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by ID with its read receipts.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, s.db, id)
}

// UpdateMessage writes the mutable fields of a message (body, attachment, edited flag)
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	attachment, err := encodeFileRef(msg.Attachment)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = ?, attachment = ?, edited = ?, updated_at = ?
		WHERE id = ?
	`, msg.Body, attachment, msg.Edited, formatTime(msg.UpdatedAt), msg.ID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message and its read receipts
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_reads WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("deleting read receipts: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryMessages(ctx context.Context, q queryer, query string, args ...any) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	rows.Close()

	if err := loadReaders(ctx, q, msgs...); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessages retrieves a page of a conversation's messages, newest first.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if offset < 0 {
		offset = 0
	}
	return s.queryMessages(ctx, s.db, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, conversationID, normalizeLimit(limit), offset)
}

// LatestMessage returns the newest message in a conversation.
// Returns ErrNotFound if the conversation has no messages.
func (s *SQLiteStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	msgs, err := s.ListMessages(ctx, conversationID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// DeleteConversationMessages removes every message in a conversation and
// returns how many were deleted.
func (s *SQLiteStore) DeleteConversationMessages(ctx context.Context, conversationID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	if err := deleteConversationMessages(ctx, tx, conversationID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message delete: %w", err)
	}
	return count, nil
}

// AddReader records that readerID has read the message.
// The sender is never recorded and repeated reads are no-ops.
func (s *SQLiteStore) AddReader(ctx context.Context, messageID, readerID string, at time.Time) (*Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.SenderID == readerID || msg.IsReadBy(readerID) {
		return msg, false, nil
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, reader_id, read_at) VALUES (?, ?, ?)
	`, messageID, readerID, formatTime(at))
	if err != nil {
		return nil, false, fmt.Errorf("inserting read receipt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing read receipt: %w", err)
	}

	if n == 0 {
		return msg, false, nil
	}
	msg.ReadBy = append(msg.ReadBy, readerID)
	return msg, true, nil
}

// AddReaderToConversation marks all of a conversation's messages not sent by
// readerID as read in a single transaction.
func (s *SQLiteStore) AddReaderToConversation(ctx context.Context, conversationID, readerID string, at time.Time) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	unread, err := s.queryMessages(ctx, tx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
			AND NOT EXISTS (
				SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.reader_id = ?
			)
		ORDER BY m.created_at, m.rowid
	`, conversationID, readerID, readerID)
	if err != nil {
		return nil, err
	}
	if len(unread) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, reader_id, read_at)
		SELECT m.id, ?, ?
		FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
	`, readerID, formatTime(at), conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("inserting read receipts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing read receipts: %w", err)
	}

	for _, m := range unread {
		m.ReadBy = append(m.ReadBy, readerID)
	}
	return unread, nil
}

// CountUnread returns how many messages in the conversation readerID has not
// read, excluding its own.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID, readerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
			AND NOT EXISTS (
				SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.reader_id = ?
			)
	`, conversationID, readerID, readerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return count, nil
}
