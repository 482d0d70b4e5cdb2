package planner

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/rafi-assistant/internal/config"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// clock returns a now func that advances one second per call so
// created_at ordering is deterministic.
func clock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func TestStore_TaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(ctx, "  File taxes ", "federal and state", "", &due)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Title != "File taxes" {
		t.Errorf("Title = %q, want trimmed", task.Title)
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Due == nil || !got.Due.Equal(due) {
		t.Errorf("Due = %v, want %v", got.Due, due)
	}

	status := StatusInProgress
	desc := "state only"
	got, err = s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &status, Description: &desc})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Status != StatusInProgress || got.Description != "state only" || got.Title != "File taxes" {
		t.Errorf("after update = %+v", got)
	}

	got, err = s.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_TaskErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, _ := s.CreateTask(ctx, "Call plumber", "", "", nil)

	bad := "done"
	blank := "   "
	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"create blank title", func() error { _, err := s.CreateTask(ctx, " ", "", "", nil); return err }, ErrEmptyTitle},
		{"update no fields", func() error { _, err := s.UpdateTask(ctx, task.ID, TaskUpdate{}); return err }, ErrNoChanges},
		{"update blank title", func() error { _, err := s.UpdateTask(ctx, task.ID, TaskUpdate{Title: &blank}); return err }, ErrEmptyTitle},
		{"update unknown id", func() error { _, err := s.CompleteTask(ctx, "missing"); return err }, ErrNotFound},
		{"delete unknown id", func() error { return s.DeleteTask(ctx, "missing") }, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &bad}); err == nil {
		t.Error("UpdateTask(status=done) error = nil, want invalid status")
	}
	if _, err := s.CreateTask(ctx, "x", "", "done", nil); err == nil {
		t.Error("CreateTask(status=done) error = nil, want invalid status")
	}
}

func TestStore_ListTasksFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	s.now = clock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	a, _ := s.CreateTask(ctx, "first", "", "", nil)
	b, _ := s.CreateTask(ctx, "second", "", StatusInProgress, nil)
	c, _ := s.CreateTask(ctx, "third", "", "", nil)
	s.CompleteTask(ctx, c.ID)

	tests := []struct {
		status string
		want   []string
	}{
		{"", []string{c.ID, b.ID, a.ID}},
		{StatusPending, []string{a.ID}},
		{StatusInProgress, []string{b.ID}},
		{StatusCompleted, []string{c.ID}},
	}
	for _, tt := range tests {
		t.Run("status="+tt.status, func(t *testing.T) {
			got, err := s.ListTasks(ctx, tt.status)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			var ids []string
			for _, task := range got {
				ids = append(ids, task.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ListTasks(%q) = %v, want %v", tt.status, ids, tt.want)
			}
		})
	}

	if _, err := s.ListTasks(ctx, "archived"); err == nil {
		t.Error("ListTasks(archived) error = nil, want invalid status")
	}
}

func TestStore_OpenTasksSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	if got, _ := s.OpenTasksSummary(ctx, now); got != "None." {
		t.Errorf("empty summary = %q, want None.", got)
	}

	past := now.Add(-2 * time.Hour)
	future := now.Add(24 * time.Hour)
	s.CreateTask(ctx, "Renew passport", "", "", &past)
	s.CreateTask(ctx, "Book flights", "", StatusInProgress, &future)
	done, _ := s.CreateTask(ctx, "Pay rent", "", "", &past)
	s.CompleteTask(ctx, done.ID)

	got, err := s.OpenTasksSummary(ctx, now)
	if err != nil {
		t.Fatalf("OpenTasksSummary: %v", err)
	}
	for _, want := range []string{"Renew passport", "[OVERDUE]", "Book flights (in progress)"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Pay rent") {
		t.Errorf("summary lists completed task:\n%s", got)
	}
	if strings.Count(got, "[OVERDUE]") != 1 {
		t.Errorf("summary overdue count = %d, want 1", strings.Count(got, "[OVERDUE]"))
	}
}

func TestParseDue(t *testing.T) {
	ny, _ := time.LoadLocation("America/New_York")
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2025-04-15", time.Date(2025, 4, 15, 23, 59, 0, 0, ny), false},
		{"2025-04-15 09:30", time.Date(2025, 4, 15, 9, 30, 0, 0, ny), false},
		{"2025-04-15T09:30", time.Date(2025, 4, 15, 9, 30, 0, 0, ny), false},
		{"2025-04-15T09:30:00Z", time.Date(2025, 4, 15, 9, 30, 0, 0, time.UTC), false},
		{"next tuesday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDue(tt.in, ny)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDue(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseDue(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStore_NoteLifecycle(t *testing.T) {
	s := newTestStore(t)
	s.now = clock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := s.CreateNote(ctx, "", "body"); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("CreateNote(blank) error = %v, want ErrEmptyTitle", err)
	}

	a, err := s.CreateNote(ctx, "Wifi", "guest password is tulip42")
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	b, _ := s.CreateNote(ctx, "Gift ideas", "")

	list, _ := s.ListNotes(ctx)
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Errorf("ListNotes = %+v, want newest first", list)
	}

	content := "guest password is daisy7"
	got, err := s.UpdateNote(ctx, a.ID, nil, &content)
	if err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	if got.Title != "Wifi" || got.Content != content {
		t.Errorf("UpdateNote = %+v", got)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}

	if _, err := s.UpdateNote(ctx, a.ID, nil, nil); !errors.Is(err, ErrNoChanges) {
		t.Errorf("UpdateNote(no fields) error = %v, want ErrNoChanges", err)
	}
	if _, err := s.UpdateNote(ctx, "missing", nil, &content); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateNote(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteNote(ctx, a.ID); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if _, err := s.GetNote(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNote after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteNote(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteNote error = %v, want ErrNotFound", err)
	}
}

func TestSettings_UpdateAndCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := config.SettingsConfig{
		MorningBriefingTime: "08:00",
		QuietHoursStart:     "22:00",
		QuietHoursEnd:       "07:00",
		Timezone:            "America/New_York",
		HeartbeatMinutes:    30,
		ReminderLeadMinutes: 15,
	}
	v := NewSettings(s, base)

	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{"morning_briefing_time", "07:15", false},
		{"Quiet_Hours_Start", " 23:00 ", false},
		{"timezone", "Europe/London", false},
		{"heartbeat_minutes", "45", false},
		{"morning_briefing_time", "7am", true},
		{"quiet_hours_end", "24:00", true},
		{"timezone", "Mars/Olympus", true},
		{"reminder_lead_minutes", "0", true},
		{"reminder_lead_minutes", "ten", true},
		{"volume", "11", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := v.Update(ctx, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Update(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			}
		})
	}

	got, err := v.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	want := map[string]string{
		"morning_briefing_time": "07:15",
		"quiet_hours_start":     "23:00",
		"quiet_hours_end":       "07:00",
		"timezone":              "Europe/London",
		"heartbeat_minutes":     "45",
		"reminder_lead_minutes": "15",
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("Current()[%q] = %q, want %q", k, got[k], w)
		}
	}

	if err := v.Update(ctx, "volume", "11"); !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("Update(volume) error = %v, want ErrUnknownSetting", err)
	}
}

func TestStore_ApplySettingsSkipsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES
		('quiet_hours_start', '21:30', '2025-01-01T00:00:00Z'),
		('heartbeat_minutes', 'often', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	cfg := config.SettingsConfig{QuietHoursStart: "22:00", HeartbeatMinutes: 30}
	if err := s.ApplySettings(ctx, &cfg); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if cfg.QuietHoursStart != "21:30" {
		t.Errorf("QuietHoursStart = %q, want 21:30", cfg.QuietHoursStart)
	}
	if cfg.HeartbeatMinutes != 30 {
		t.Errorf("HeartbeatMinutes = %d, want 30 (invalid override skipped)", cfg.HeartbeatMinutes)
	}
}
