package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the advisorlink client store.
const schema = `
CREATE TABLE IF NOT EXISTS identity (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    session_id    TEXT NOT NULL,
    id            TEXT NOT NULL,
    role          TEXT NOT NULL,
    content       TEXT NOT NULL,
    timestamp_ns  INTEGER NOT NULL,
    origin        TEXT NOT NULL,
    ord           INTEGER NOT NULL,
    PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_ord ON messages(session_id, ord);
`

// defaultBusyTimeoutMs bounds how long a writer waits on the SQLite
// write lock before giving up.
const defaultBusyTimeoutMs = 5000

// Store represents the SQLite client store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path with the
// default busy timeout.
func Open(path string) (*Store, error) {
	return OpenWithBusyTimeout(path, defaultBusyTimeoutMs)
}

// OpenWithBusyTimeout opens or creates the SQLite database at the given
// path and applies the schema. Transactions take the write lock up front
// (BEGIN IMMEDIATE), so a read-modify-write transaction excludes
// concurrent writers for its whole span.
func OpenWithBusyTimeout(path string, busyTimeoutMs int) (*Store, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = defaultBusyTimeoutMs
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetValue retrieves an identity value by key. The second return value
// reports whether the key exists.
func (s *Store) GetValue(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM identity WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get value %s: %w", key, err)
	}
	return value, true, nil
}

// SetValue stores an identity value, overwriting any prior value.
func (s *Store) SetValue(key, value string, nowNs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO identity (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowNs, nowNs,
	)
	if err != nil {
		return fmt.Errorf("set value %s: %w", key, err)
	}
	return nil
}

// SetValueIfAbsent stores an identity value only if the key has no value
// yet, and returns the value now in effect. This makes first-write-wins
// identity creation race-safe across concurrent callers.
func (s *Store) SetValueIfAbsent(key, value string, nowNs int64) (string, error) {
	_, err := s.db.Exec(`
		INSERT INTO identity (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, value, nowNs, nowNs,
	)
	if err != nil {
		return "", fmt.Errorf("set value if absent %s: %w", key, err)
	}

	current, ok, err := s.GetValue(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("set value if absent %s: value missing after insert", key)
	}
	return current, nil
}

// DeleteValue removes an identity value. Deleting a missing key is not an
// error.
func (s *Store) DeleteValue(key string) error {
	if _, err := s.db.Exec(`DELETE FROM identity WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete value %s: %w", key, err)
	}
	return nil
}

// ListMessages returns the ordered conversation log for a session.
func (s *Store) ListMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, timestamp_ns, origin
		FROM messages
		WHERE session_id = ?
		ORDER BY ord ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// AppendMessage appends one message to a session's log, assigning the
// next ordinal.
func (s *Store) AppendMessage(sessionID string, m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (session_id, id, role, content, timestamp_ns, origin, ord)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(ord) + 1 FROM messages WHERE session_id = ?), 0))`,
		sessionID, m.ID, m.Role, m.Content, m.TimestampNs, m.Origin, sessionID,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ReplaceMessages atomically rewrites a session's log with the given
// ordered messages. Used by the reconciler to persist a merged log; the
// merge itself guarantees no entry is lost.
func (s *Store) ReplaceMessages(sessionID string, msgs []Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (session_id, id, role, content, timestamp_ns, origin, ord)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		if _, err := stmt.Exec(sessionID, m.ID, m.Role, m.Content, m.TimestampNs, m.Origin, i); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// MergeMessages rewrites a session's log as a function of its current
// contents. The read, the merge callback and the rewrite all run inside
// one immediate transaction, so an append issued concurrently cannot
// land between the snapshot and the rewrite and be dropped; it waits for
// the transaction and is appended after the merged log. The callback
// returns the new log and whether it differs from the snapshot.
func (s *Store) MergeMessages(sessionID string, merge func(local []Message) ([]Message, bool)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, role, content, timestamp_ns, origin
		FROM messages
		WHERE session_id = ?
		ORDER BY ord ASC`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	local, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return err
	}

	merged, changed := merge(local)
	if !changed {
		return tx.Commit()
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (session_id, id, role, content, timestamp_ns, origin, ord)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, m := range merged {
		if _, err := stmt.Exec(sessionID, m.ID, m.Role, m.Content, m.TimestampNs, m.Origin, i); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// DeleteMessages removes a session's entire log. Used on session reset.
func (s *Store) DeleteMessages(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// MessageCount returns the number of messages stored for a session.
func (s *Store) MessageCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// scanMessages is a helper to scan message rows into a slice.
func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.TimestampNs, &m.Origin); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return msgs, nil
}
