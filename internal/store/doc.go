// Package store provides persistence for conversations, messages and read
// receipts.
//
// # Backends
//
//   - SQLiteStore: default backend on modernc.org/sqlite (pure Go, no cgo)
//   - MongoStore: document backend on the official mongo driver
//   - MockStore: in-memory implementation for tests
//
// All three implement Store and enforce the same storage-level invariants:
//
//   - at most one DIRECT conversation per dedup key (unique index)
//   - conversation updates are conditional on Version (optimistic concurrency)
//   - read receipts are appended by single-record atomic updates and never
//     include the message sender
//   - deleting a conversation deletes its messages
//
// # SQLite Schema
//
//	conversations(id, type, creator_id, name, avatar, dedup_key UNIQUE, version, ...)
//	conversation_participants(conversation_id, participant_id)
//	messages(id, conversation_id, sender_id, body, attachment, edited, ...)
//	message_reads(message_id, reader_id, read_at)  -- PRIMARY KEY(message_id, reader_id)
//
// Child tables reference their parents with ON DELETE CASCADE.
//
// # Time Format
//
// Timestamps are stored as RFC3339Nano strings in UTC.
package store
