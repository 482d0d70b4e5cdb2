package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Search returns up to limit messages most similar to query. Without
// a query embedding it falls back to a substring match, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	qvec := s.embed(ctx, query)
	if len(qvec) == 0 {
		return s.textSearch(ctx, query, limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, source, created_at, embedding FROM messages
		WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var hits []Message
	for rows.Next() {
		var m Message
		var created string
		var blob []byte
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Source, &created, &blob); err != nil {
			return nil, err
		}
		sim := Cosine(qvec, decodeVector(blob))
		if sim < s.threshold {
			continue
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		m.Similarity = sim
		hits = append(hits, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(hits, func(a, b Message) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) textSearch(ctx context.Context, query string, limit int) ([]Message, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, source, created_at FROM messages
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, "%"+escapeLike(q)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
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
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Context builds conversation context: search hits for query that are
// not already among the recent messages, followed by the recent
// messages oldest first.
func (s *Store) Context(ctx context.Context, query string, recentLimit, memoryLimit int) ([]Message, error) {
	recent, err := s.Recent(ctx, recentLimit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return recent, nil
	}

	found, err := s.Search(ctx, query, memoryLimit)
	if err != nil {
		s.logger.WarnContext(ctx, "memory search failed", "error", err)
		return recent, nil
	}
	seen := make(map[string]bool, len(recent))
	for _, m := range recent {
		seen[m.ID] = true
	}
	var out []Message
	for _, m := range found {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return append(out, recent...), nil
}

// Recall renders search hits as "role: content" lines.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]string, error) {
	found, err := s.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(found))
	for _, m := range found {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Format("2006-01-02"), m.Role, m.Content))
	}
	return lines, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the
// lengths differ or either vector is zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float64) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(f)))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/4)
	for i := range v {
		v[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return v
}
