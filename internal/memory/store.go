// Package memory stores conversation messages with embeddings and
// retrieves them by recency and semantic similarity.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeFormat sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultMatchThreshold is the minimum cosine similarity for a search
// hit.
const DefaultMatchThreshold = 0.5

// Embedder turns text into a vector. *llm.Manager satisfies it. An
// empty vector means no embedding is available.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Message is one stored conversation line.
type Message struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Source     string    `json:"source,omitempty"` // channel that produced it
	CreatedAt  time.Time `json:"created_at"`
	Similarity float64   `json:"similarity,omitempty"`
}

// Store is a SQLite-backed message memory.
type Store struct {
	db        *sql.DB
	embedder  Embedder
	threshold float64
	logger    *slog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, embedder Embedder, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db, embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and applies the schema. embedder
// may be nil, which limits search to text matching.
func NewStore(db *sql.DB, embedder Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:        db,
		embedder:  embedder,
		threshold: DefaultMatchThreshold,
		logger:    logger.With("component", "memory"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a message, embedding its content when an embedder is
// available. Embedding failures store the message without a vector.
func (s *Store) Add(ctx context.Context, role, content, source string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	m := &Message{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}

	var blob []byte
	if vec := s.embed(ctx, content); len(vec) > 0 {
		blob = encodeVector(vec)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, role, content, source, created_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Role, m.Content, m.Source, m.CreatedAt.Format(timeFormat), blob)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	s.logger.DebugContext(ctx, "stored message", "role", role, "source", source, "embedded", blob != nil)
	return m, nil
}

func (s *Store) embed(ctx context.Context, text string) []float64 {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.WarnContext(ctx, "embedding failed, storing without", "error", err)
		return nil
	}
	return vec
}

// Recent returns up to limit of the newest messages, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, source, created_at FROM messages
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var created string
	if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Source, &created); err != nil {
		return Message{}, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return m, nil
}
