// Package store implements the Session Store: durable
// conversation history, session metadata, and scheduled heartbeat tasks
// over a single SQLite file.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store guards a single *sql.DB with a mutex: SQLite connections opened
// through mattn/go-sqlite3 are not safe for unsynchronized concurrent
// writers, all serialized behind a single mutex.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log.With().Str("component", "session_store").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func OpenInMemory(log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory session store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log.With().Str("component", "session_store").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const baseSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	metadata TEXT DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	direction TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	metadata TEXT DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	execute_at TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_execute_at ON scheduled_tasks(execute_at) WHERE status = 'pending';
`

// extendedColumns are added idempotently: ADD COLUMN errors that indicate
// "duplicate column" are ignored so the scheduler's extended columns can be
// introduced on an existing database file.
var extendedColumns = []struct{ name, ddlType string }{
	{"retry_count", "INTEGER DEFAULT 0"},
	{"max_retries", "INTEGER DEFAULT 3"},
	{"next_retry_at", "TEXT"},
	{"heartbeat_depth", "INTEGER DEFAULT 0"},
	{"recurrence_type", "TEXT"},
	{"recurrence_value", "TEXT"},
	{"recurrence_end_at", "TEXT"},
	{"deliver_to_channel", "TEXT"},
	{"timezone", "TEXT"},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("session store migration: %w", err)
	}
	for _, col := range extendedColumns {
		stmt := fmt.Sprintf("ALTER TABLE scheduled_tasks ADD COLUMN %s %s", col.name, col.ddlType)
		if _, err := s.db.Exec(stmt); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return fmt.Errorf("session store migration (column %s): %w", col.name, err)
			}
		}
	}
	return nil
}

// UpsertSession creates or updates a session row, idempotent by id.
func (s *Store) UpsertSession(sessionID, channelID, userID string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, channel_id, user_id, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			user_id = excluded.user_id,
			metadata = excluded.metadata,
			updated_at = datetime('now')`,
		sessionID, channelID, userID, string(raw))
	return err
}

// Direction of a persisted Message.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type StoredMessage struct {
	ID        string
	Direction Direction
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// AppendMessage generates a new id and inserts a message; arrival order is
// preserved via SQLite's implicit rowid.
func (s *Store) AppendMessage(sessionID string, direction Direction, content string, timestamp time.Time, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO messages (id, session_id, direction, content, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, string(direction), content, timestamp.UTC().Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return "", err
	}
	return id, nil
}

// LoadRecentMessages returns the last limit messages for a session in
// chronological order (query issues DESC LIMIT n and reverses).
func (s *Store) LoadRecentMessages(sessionID string, limit int) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, direction, content, timestamp, metadata
		FROM messages
		WHERE session_id = ?
		ORDER BY rowid DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts, metaRaw, direction string
		if err := rows.Scan(&m.ID, &direction, &m.Content, &ts, &metaRaw); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		m.Timestamp = parseTimestamp(ts)
		m.Metadata = parseMetadata(metaRaw)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PruneOldMessages deletes all but the latest keep rows for a session and
// returns the number of rows removed.
func (s *Store) PruneOldMessages(sessionID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM messages WHERE session_id = ? AND rowid NOT IN (
			SELECT rowid FROM messages WHERE session_id = ?
			ORDER BY rowid DESC LIMIT ?
		)`, sessionID, sessionID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadSessionMetadata returns the session's metadata JSON, if the session
// exists.
func (s *Store) LoadSessionMetadata(sessionID string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRow(`SELECT metadata FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return parseMetadata(raw), true, nil
}

func parseTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func parseMetadata(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
