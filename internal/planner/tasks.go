package planner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Task is one to-do item.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Due         *time.Time `json:"due,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Overdue reports whether the task is open and past due at now.
func (t Task) Overdue(now time.Time) bool {
	return t.Status != StatusCompleted && t.Due != nil && t.Due.Before(now)
}

// TaskUpdate lists the fields to change. Nil fields are left alone.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Due         *time.Time
}

// dueLayouts are accepted by ParseDue, most specific first.
var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseDue reads a due date. Date-only values mean the end of that day
// in loc.
func ParseDue(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		return d.Add(24*time.Hour - time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("due date %q: use YYYY-MM-DD, YYYY-MM-DD HH:MM or RFC3339", v)
}

// CreateTask stores a new task. An empty status means pending.
func (s *Store) CreateTask(ctx context.Context, title, description, status string, due *time.Time) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if status == "" {
		status = StatusPending
	}
	if !ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	now := s.now().UTC()
	t := &Task{
		ID:          newID(),
		Title:       title,
		Description: strings.TrimSpace(description),
		Status:      status,
		Due:         due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, due_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, t.Status, formatDue(due), now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	s.logger.InfoContext(ctx, "task created", "id", t.ID, "title", t.Title)
	return t, nil
}

// GetTask returns one task.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, due_at, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %w: %s", ErrNotFound, id)
	}
	return t, err
}

// ListTasks returns tasks newest first. An empty status lists all.
func (s *Store) ListTasks(ctx context.Context, status string) ([]Task, error) {
	if status != "" && !ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, status, due_at, created_at, updated_at
		FROM tasks WHERE ? = '' OR status = ?
		ORDER BY created_at DESC, id DESC
	`, status, status)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask applies u and returns the updated task.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	var sets []string
	var args []any
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, ErrEmptyTitle
		}
		sets, args = append(sets, "title = ?"), append(args, title)
	}
	if u.Description != nil {
		sets, args = append(sets, "description = ?"), append(args, strings.TrimSpace(*u.Description))
	}
	if u.Status != nil {
		if !ValidStatus(*u.Status) {
			return nil, fmt.Errorf("invalid status %q", *u.Status)
		}
		sets, args = append(sets, "status = ?"), append(args, *u.Status)
	}
	if u.Due != nil {
		sets, args = append(sets, "due_at = ?"), append(args, formatDue(u.Due))
	}
	if len(sets) == 0 {
		return nil, ErrNoChanges
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().Format(timeFormat), id)
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := checkAffected(res, "task", id); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "task updated", "id", id)
	return s.GetTask(ctx, id)
}

// CompleteTask marks a task completed.
func (s *Store) CompleteTask(ctx context.Context, id string) (*Task, error) {
	status := StatusCompleted
	return s.UpdateTask(ctx, id, TaskUpdate{Status: &status})
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := checkAffected(res, "task", id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "task deleted", "id", id)
	return nil
}

// OpenTasksSummary renders pending and in-progress tasks for the
// heartbeat and briefing context, marking overdue ones.
func (s *Store) OpenTasksSummary(ctx context.Context, now time.Time) (string, error) {
	all, err := s.ListTasks(ctx, "")
	if err != nil {
		return "", err
	}
	var lines []string
	for i := len(all) - 1; i >= 0; i-- {
		t := all[i]
		if t.Status == StatusCompleted {
			continue
		}
		line := "- " + t.Title
		if t.Status == StatusInProgress {
			line += " (in progress)"
		}
		if t.Due != nil {
			line += ", due " + t.Due.In(now.Location()).Format("Mon Jan 2 15:04")
		}
		if t.Overdue(now) {
			line += " [OVERDUE]"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "None.", nil
	}
	return strings.Join(lines, "\n"), nil
}

func formatDue(due *time.Time) any {
	if due == nil {
		return nil
	}
	return due.UTC().Format(timeFormat)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var due sql.NullString
	var created, updated string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &due, &created, &updated); err != nil {
		return nil, err
	}
	if due.Valid && due.String != "" {
		d := parseTime(due.String)
		t.Due = &d
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}
