package planner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Note is a titled free-text note.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateNote stores a new note.
func (s *Store) CreateNote(ctx context.Context, title, content string) (*Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	now := s.now().UTC()
	n := &Note{
		ID:        newID(),
		Title:     title,
		Content:   strings.TrimSpace(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.Title, n.Content, now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	s.logger.InfoContext(ctx, "note created", "id", n.ID, "title", n.Title)
	return n, nil
}

// GetNote returns one note.
func (s *Store) GetNote(ctx context.Context, id string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, created_at, updated_at FROM notes WHERE id = ?
	`, id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("note %w: %s", ErrNotFound, id)
	}
	return n, err
}

// ListNotes returns all notes, newest first.
func (s *Store) ListNotes(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, created_at, updated_at FROM notes
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	out := []Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UpdateNote changes the title and/or content. Nil leaves a field alone.
func (s *Store) UpdateNote(ctx context.Context, id string, title, content *string) (*Note, error) {
	var sets []string
	var args []any
	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" {
			return nil, ErrEmptyTitle
		}
		sets, args = append(sets, "title = ?"), append(args, t)
	}
	if content != nil {
		sets, args = append(sets, "content = ?"), append(args, strings.TrimSpace(*content))
	}
	if len(sets) == 0 {
		return nil, ErrNoChanges
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().Format(timeFormat), id)
	res, err := s.db.ExecContext(ctx, "UPDATE notes SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}
	if err := checkAffected(res, "note", id); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "note updated", "id", id)
	return s.GetNote(ctx, id)
}

// DeleteNote removes a note.
func (s *Store) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if err := checkAffected(res, "note", id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "note deleted", "id", id)
	return nil
}

func scanNote(row scanner) (*Note, error) {
	var n Note
	var created, updated string
	if err := row.Scan(&n.ID, &n.Title, &n.Content, &created, &updated); err != nil {
		return nil, err
	}
	n.CreatedAt = parseTime(created)
	n.UpdatedAt = parseTime(updated)
	return &n, nil
}
