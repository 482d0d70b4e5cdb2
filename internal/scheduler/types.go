// Package scheduler runs the assistant's timed jobs: the heartbeat,
// the morning briefing and one-shot reminders.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task is the definition of a scheduled action.
type Task struct {
	ID        string    `json:"id"`   // UUIDv7
	Name      string    `json:"name"` // unique for system jobs
	Schedule  Schedule  `json:"schedule"`
	Payload   Payload   `json:"payload"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`       // at
	Every    *Duration    `json:"every,omitempty"`    // every
	Time     string       `json:"time,omitempty"`     // daily, "HH:MM"
	Timezone string       `json:"timezone,omitempty"` // IANA name, daily only
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot
	ScheduleEvery ScheduleKind = "every" // fixed interval from CreatedAt
	ScheduleDaily ScheduleKind = "daily" // wall-clock time each day
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		s = string(b)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload defines what happens when a task fires.
type Payload struct {
	Kind PayloadKind    `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// PayloadKind identifies the payload type.
type PayloadKind string

const (
	PayloadReminder  PayloadKind = "reminder"  // Data["message"] to the client
	PayloadNotify    PayloadKind = "notify"    // Data["message"] verbatim
	PayloadHeartbeat PayloadKind = "heartbeat" // proactive check
	PayloadBriefing  PayloadKind = "briefing"  // morning summary
)

// Message returns the payload's "message" field.
func (p Payload) Message() string {
	s, _ := p.Data["message"].(string)
	return s
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // missed window
)

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// NextRun calculates the next execution time strictly after after.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleDaily:
		hour, minute, err := ParseClock(t.Schedule.Time)
		if err != nil {
			return time.Time{}, false
		}
		loc := time.Local
		if t.Schedule.Timezone != "" {
			l, err := time.LoadLocation(t.Schedule.Timezone)
			if err != nil {
				return time.Time{}, false
			}
			loc = l
		}
		local := after.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(after) {
			next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
		}
		return next, true

	default:
		return time.Time{}, false
	}
}
