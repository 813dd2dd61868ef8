// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation/message persistence with dedup index, versioned updates and read receipts

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT,
			dedup_key TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_dedup_key
			ON conversations(dedup_key) WHERE dedup_key IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_last_activity
			ON conversations(last_activity_at);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, participant_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_participants_participant
			ON conversation_participants(participant_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			attachment TEXT,
			edited INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			reader_id TEXT NOT NULL,
			read_at TEXT NOT NULL,
			PRIMARY KEY (message_id, reader_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_message_reads_reader
			ON message_reads(reader_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "last_activity_at",
			apply:  `ALTER TABLE conversations ADD COLUMN last_activity_at TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "messages",
			column: "attachment",
			apply:  `ALTER TABLE messages ADD COLUMN attachment TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping verifies the database connection is usable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeFileRef(ref *FileRef) (any, error) {
	if ref == nil {
		return nil, nil
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("encoding file ref: %w", err)
	}
	return string(data), nil
}

func decodeFileRef(raw sql.NullString) (*FileRef, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var ref FileRef
	if err := json.Unmarshal([]byte(raw.String), &ref); err != nil {
		return nil, fmt.Errorf("decoding file ref: %w", err)
	}
	return &ref, nil
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// Conversations
// =============================================================================

const conversationColumns = `id, type, creator_id, name, avatar, dedup_key, version, created_at, updated_at, last_activity_at`

// CreateConversation inserts a conversation and its participants.
// If a direct conversation with the same dedup key already exists,
// it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	avatar, err := encodeFileRef(conv.Avatar)
	if err != nil {
		return err
	}
	if conv.Version == 0 {
		conv.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		string(conv.Type),
		conv.CreatorID,
		conv.Name,
		avatar,
		nullString(conv.DedupKey),
		conv.Version,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
		formatTime(conv.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, conv.ParticipantIDs, conv.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "type", conv.Type, "participants", len(conv.ParticipantIDs))
	return nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID string, ids []string, at time.Time) error {
	for _, pid := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, participant_id, joined_at)
			VALUES (?, ?, ?)
		`, conversationID, pid, formatTime(at))
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var convType, createdAt, updatedAt, lastActivity string
	var avatar, dedupKey sql.NullString

	err := row.Scan(
		&conv.ID,
		&convType,
		&conv.CreatorID,
		&conv.Name,
		&avatar,
		&dedupKey,
		&conv.Version,
		&createdAt,
		&updatedAt,
		&lastActivity,
	)
	if err != nil {
		return nil, err
	}

	conv.Type = ConversationType(convType)
	conv.DedupKey = dedupKey.String
	if conv.Avatar, err = decodeFileRef(avatar); err != nil {
		return nil, err
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if conv.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &conv, nil
}

// loadParticipants fills ParticipantIDs for the given conversations
func loadParticipants(ctx context.Context, q queryer, convs ...*Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	byID := make(map[string]*Conversation, len(convs))
	args := make([]any, 0, len(convs))
	for _, c := range convs {
		c.ParticipantIDs = nil
		byID[c.ID] = c
		args = append(args, c.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT conversation_id, participant_id
		FROM conversation_participants
		WHERE conversation_id IN (`+placeholders(len(args))+`)
		ORDER BY participant_id
	`, args...)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, pid string
		if err := rows.Scan(&convID, &pid); err != nil {
			return fmt.Errorf("scanning participant: %w", err)
		}
		if c, ok := byID[convID]; ok {
			c.ParticipantIDs = append(c.ParticipantIDs, pid)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) getConversationWhere(ctx context.Context, where string, arg string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, arg)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if err := loadParticipants(ctx, s.db, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "id = ?", id)
}

// GetConversationByDedupKey retrieves the direct conversation for a dedup key.
// This uses the idx_conversations_dedup_key index.
func (s *SQLiteStore) GetConversationByDedupKey(ctx context.Context, key string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "dedup_key = ?", key)
}

// UpdateConversation writes the conversation if its version still matches.
// Membership is replaced wholesale inside the same transaction.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	avatar, err := encodeFileRef(conv.Avatar)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET type = ?, creator_id = ?, name = ?, avatar = ?, dedup_key = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(conv.Type),
		conv.CreatorID,
		conv.Name,
		avatar,
		nullString(conv.DedupKey),
		formatTime(conv.UpdatedAt),
		conv.ID,
		conv.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking conversation: %w", err)
		}
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clearing participants: %w", err)
	}
	if err := insertParticipants(ctx, tx, conv.ID, conv.ParticipantIDs, conv.UpdatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation update: %w", err)
	}

	conv.Version++
	s.logger.Debug("updated conversation", "id", conv.ID, "version", conv.Version)
	return nil
}

// TouchConversation records activity on a conversation without bumping its version
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?
	`, formatTime(at), id, formatTime(at))
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
	}
	return nil
}

// ListConversationsByParticipant retrieves a participant's conversations
// ordered by most recent activity.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit, offset int) ([]*Conversation, error) {
	limit = normalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.creator_id, c.name, c.avatar, c.dedup_key, c.version,
			c.created_at, c.updated_at, c.last_activity_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.participant_id = ?
		ORDER BY c.last_activity_at DESC, c.id
		LIMIT ? OFFSET ?
	`, participantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	rows.Close()

	if err := loadParticipants(ctx, s.db, convs...); err != nil {
		return nil, err
	}
	return convs, nil
}

// DeleteConversation removes the conversation, its participants, its messages
// and their read receipts.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteConversationMessages(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting participants: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation delete: %w", err)
	}
	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

func deleteConversationMessages(ctx context.Context, tx *sql.Tx, conversationID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_reads
		WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)
	`, conversationID); err != nil {
		return fmt.Errorf("deleting read receipts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
