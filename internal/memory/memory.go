// Package memory implements the long-term Memory Store:
// embedding-plus-text recall over a SQLite-backed set of MemoryEntry rows.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Role is the speaker of a memory entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Entry is a persisted MemoryEntry.
type Entry struct {
	ID                   string
	SessionID            string
	ChannelID            string
	UserID               string
	ContinuityKey        string
	Role                 Role
	Content              string
	Embedding            []float32
	EmbeddingModel       string
	EmbeddingDimensions  int
	Metadata             map[string]any
	CreatedAt            time.Time
}

// NewEntry is the insert shape before persistence assigns id/created_at.
type NewEntry struct {
	SessionID      string
	ChannelID      string
	UserID         string
	ContinuityKey  string
	Role           Role
	Content        string
	Embedding      []float32
	EmbeddingModel string
	Metadata       map[string]any
}

// RetrievalQuery drives Recall.
type RetrievalQuery struct {
	QueryText      string
	QueryEmbedding []float32
	SessionID      string
	ContinuityKey  string
	Limit          int

	// IncludeRoles, when non-empty, is the exhaustive set of roles Recall
	// may return. System entries are excluded unless explicitly named
	// here.
	IncludeRoles []Role
}

func (q RetrievalQuery) allowsRole(r Role) bool {
	if r != RoleSystem {
		return true
	}
	for _, allowed := range q.IncludeRoles {
		if allowed == RoleSystem {
			return true
		}
	}
	return false
}

// Store is the mutex-guarded SQLite-backed memory store.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log.With().Str("component", "memory_store").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func OpenInMemory(log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log.With().Str("component", "memory_store").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	channel_id TEXT,
	user_id TEXT,
	continuity_key TEXT,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding TEXT,
	embedding_model TEXT,
	embedding_dimensions INTEGER,
	metadata TEXT DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_session_created_at ON memory_entries(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_memory_continuity_key ON memory_entries(continuity_key);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("memory store migration: %w", err)
	}
	return nil
}

// Remember inserts a new memory entry, serializing its embedding as a JSON
// float array.
func (s *Store) Remember(entry NewEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()

	var embeddingJSON, embeddingModel any
	var dims any
	if len(entry.Embedding) > 0 {
		raw, err := json.Marshal(entry.Embedding)
		if err != nil {
			return "", err
		}
		embeddingJSON = string(raw)
		embeddingModel = entry.EmbeddingModel
		dims = len(entry.Embedding)
	}

	metaRaw, err := json.Marshal(entry.Metadata)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_entries (
			id, session_id, channel_id, user_id, continuity_key, role,
			content, embedding, embedding_model, embedding_dimensions,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.SessionID, nullIfEmpty(entry.ChannelID), nullIfEmpty(entry.UserID),
		nullIfEmpty(entry.ContinuityKey), string(entry.Role), entry.Content,
		embeddingJSON, embeddingModel, dims, string(metaRaw), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return id, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Recall scores candidates by cosine similarity (when both the
// query and a candidate entry carry embeddings) blended with a recency
// tiebreak, falling back to recency plus simple text-overlap scoring when
// no query embedding is supplied.
func (s *Store) Recall(q RetrievalQuery) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var whereClauses []string
	var args []any
	if q.SessionID != "" {
		whereClauses = append(whereClauses, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.ContinuityKey != "" {
		if q.SessionID != "" {
			whereClauses = append(whereClauses, "(continuity_key = ? OR session_id = ?)")
			args = append(args, q.ContinuityKey, q.SessionID)
		} else {
			whereClauses = append(whereClauses, "continuity_key = ?")
			args = append(args, q.ContinuityKey)
		}
	}

	query := "SELECT id, session_id, channel_id, user_id, continuity_key, role, content, embedding, embedding_model, embedding_dimensions, metadata, created_at FROM memory_entries"
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT 500"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !q.allowsRole(e.Role) {
			continue
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scored := scoreCandidates(candidates, q)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

type scoredEntry struct {
	entry Entry
	score float64
}

func scoreCandidates(candidates []Entry, q RetrievalQuery) []Entry {
	hasQueryEmbedding := len(q.QueryEmbedding) > 0
	queryTokens := tokenize(q.QueryText)

	scored := make([]scoredEntry, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if hasQueryEmbedding && len(c.Embedding) > 0 {
			score = cosineSimilarity(q.QueryEmbedding, c.Embedding)
		} else {
			score = textOverlapScore(queryTokens, c.Content)
		}
		scored = append(scored, scoredEntry{entry: c, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entry.CreatedAt.After(scored[j].entry.CreatedAt)
	})

	result := make([]Entry, len(scored))
	for i, s := range scored {
		result[i] = s.entry
	}
	return result
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(text)) {
		tokens[f] = true
	}
	return tokens
}

// textOverlapScore is the no-embedding fallback: a cheap
// Jaccard-style overlap between query and content tokens, small enough that
// recency still dominates ties via the stable sort's secondary key.
func textOverlapScore(queryTokens map[string]bool, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := tokenize(content)
	if len(contentTokens) == 0 {
		return 0
	}
	var overlap int
	for t := range queryTokens {
		if contentTokens[t] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTokens))
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var channelID, userID, continuityKey, embeddingModel, embeddingJSON, metaRaw, createdAt, role sql.NullString
	var dims sql.NullInt64

	if err := rows.Scan(&e.ID, &e.SessionID, &channelID, &userID, &continuityKey, &role,
		&e.Content, &embeddingJSON, &embeddingModel, &dims, &metaRaw, &createdAt); err != nil {
		return Entry{}, err
	}

	e.ChannelID = channelID.String
	e.UserID = userID.String
	e.ContinuityKey = continuityKey.String
	e.Role = Role(role.String)
	e.EmbeddingModel = embeddingModel.String
	e.EmbeddingDimensions = int(dims.Int64)

	if embeddingJSON.Valid && embeddingJSON.String != "" {
		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON.String), &vec); err == nil {
			e.Embedding = vec
		}
	}
	if metaRaw.Valid && metaRaw.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaRaw.String), &m); err == nil {
			e.Metadata = m
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt.String); err == nil {
		e.CreatedAt = t.UTC()
	} else if t, err := time.Parse(time.RFC3339, createdAt.String); err == nil {
		e.CreatedAt = t.UTC()
	}

	return e, nil
}
