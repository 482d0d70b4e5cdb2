package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/rafi-assistant/internal/llm"
)

type scriptedLLM struct {
	mu      sync.Mutex
	reply   string
	finish  string
	prompts []string
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.ChatOptions) (*llm.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, messages[0].Content)
	reply := s.reply
	finish := s.finish
	if finish == "" {
		finish = llm.FinishStop
	}
	return &llm.ChatResult{Role: llm.RoleAssistant, Content: &reply, ToolCalls: []llm.ToolCall{}, FinishReason: finish}, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (c *captureNotifier) SendToPreferred(ctx context.Context, text string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return map[string]any{"error": "no_channel_available"}
	}
	c.sent = append(c.sent, text)
	return map[string]any{"channel": "telegram", "status": "sent"}
}

type stubMail struct {
	summary string
	err     error
}

func (s stubMail) UnreadSummary(ctx context.Context, limit int) (string, error) {
	return s.summary, s.err
}

func TestInQuietHours(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2025, 1, 1, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name       string
		now        time.Time
		start, end string
		want       bool
	}{
		{"overnight late", at(23, 0), "22:00", "07:00", true},
		{"overnight early", at(6, 59), "22:00", "07:00", true},
		{"overnight end exclusive", at(7, 0), "22:00", "07:00", false},
		{"overnight start inclusive", at(22, 0), "22:00", "07:00", true},
		{"overnight daytime", at(12, 0), "22:00", "07:00", false},
		{"same day inside", at(13, 30), "13:00", "14:00", true},
		{"same day outside", at(14, 0), "13:00", "14:00", false},
		{"equal bounds", at(13, 0), "13:00", "13:00", false},
		{"unparseable", at(23, 0), "late", "07:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InQuietHours(tt.now, tt.start, tt.end); got != tt.want {
				t.Errorf("InQuietHours(%s, %s-%s) = %v, want %v", tt.now.Format("15:04"), tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func newTestJobs(model *scriptedLLM, notif *captureNotifier, at time.Time) *Jobs {
	j := NewJobs(JobConfig{
		LLM:             model,
		Notifier:        notif,
		Mail:            stubMail{summary: "1 unread:\n- From: boss | Subject: Deadline moved"},
		Location:        time.UTC,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
	}, nil, nil)
	j.now = func() time.Time { return at }
	return j
}

func TestHeartbeat(t *testing.T) {
	noon := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	long := strings.Repeat("a", 400)

	tests := []struct {
		name     string
		at       time.Time
		reply    string
		finish   string
		wantSent []string
		wantAsk  bool
	}{
		{name: "all clear", at: noon, reply: "HEARTBEAT_OK", wantAsk: true},
		{name: "all clear with chatter", at: noon, reply: "Nothing new. HEARTBEAT_OK", wantAsk: true},
		{name: "alert", at: noon, reply: "Your boss moved the deadline.", wantSent: []string{"Your boss moved the deadline."}, wantAsk: true},
		{name: "alert truncated", at: noon, reply: long, wantSent: []string{long[:300]}, wantAsk: true},
		{name: "quiet hours", at: time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC), reply: "alert"},
		{name: "provider failure", at: noon, reply: llm.FallbackMessage, finish: llm.FinishError, wantAsk: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedLLM{reply: tt.reply, finish: tt.finish}
			notif := &captureNotifier{}
			j := newTestJobs(model, notif, tt.at)

			if err := j.Heartbeat(context.Background()); err != nil {
				t.Fatalf("Heartbeat() error: %v", err)
			}
			if asked := len(model.prompts) > 0; asked != tt.wantAsk {
				t.Errorf("model asked = %v, want %v", asked, tt.wantAsk)
			}
			if strings.Join(notif.sent, "|") != strings.Join(tt.wantSent, "|") {
				t.Errorf("sent = %q, want %q", notif.sent, tt.wantSent)
			}
		})
	}
}

func TestHeartbeat_PromptIncludesContext(t *testing.T) {
	model := &scriptedLLM{reply: HeartbeatOK}
	j := newTestJobs(model, &captureNotifier{}, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	j.Heartbeat(context.Background())

	prompt := model.prompts[0]
	for _, want := range []string{"Deadline moved", DefaultChecklist, "respond with exactly: HEARTBEAT_OK"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestHeartbeat_Dedup(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	model := &scriptedLLM{reply: "Package arriving today."}
	notif := &captureNotifier{}
	j := newTestJobs(model, notif, start)
	ctx := context.Background()

	j.Heartbeat(ctx)
	j.now = func() time.Time { return start.Add(time.Hour) }
	j.Heartbeat(ctx)
	if len(notif.sent) != 1 {
		t.Fatalf("sent %d alerts within 24h, want 1", len(notif.sent))
	}

	j.now = func() time.Time { return start.Add(25 * time.Hour) }
	j.Heartbeat(ctx)
	if len(notif.sent) != 2 {
		t.Errorf("sent %d alerts after 24h, want 2", len(notif.sent))
	}

	model.reply = "Something else entirely."
	j.now = func() time.Time { return start.Add(80 * time.Hour) }
	j.Heartbeat(ctx)
	j.mu.Lock()
	n := len(j.sent)
	j.mu.Unlock()
	if n != 1 {
		t.Errorf("dedup entries = %d, want old entry pruned", n)
	}
}

func TestHeartbeat_DedupKeyIsPrefix(t *testing.T) {
	prefix := strings.Repeat("p", 100)
	model := &scriptedLLM{reply: prefix + " first"}
	notif := &captureNotifier{}
	j := newTestJobs(model, notif, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	j.Heartbeat(context.Background())
	model.reply = prefix + " second"
	j.Heartbeat(context.Background())
	if len(notif.sent) != 1 {
		t.Errorf("sent = %d, want alerts sharing a 100-char prefix deduplicated", len(notif.sent))
	}
}

func TestBriefing(t *testing.T) {
	at := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	t.Run("summarized", func(t *testing.T) {
		model := &scriptedLLM{reply: "Good morning! One email from your boss."}
		notif := &captureNotifier{}
		if err := newTestJobs(model, notif, at).Briefing(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(notif.sent) != 1 || notif.sent[0] != "Good morning! One email from your boss." {
			t.Errorf("sent = %q", notif.sent)
		}
	})

	t.Run("raw data when providers fail", func(t *testing.T) {
		model := &scriptedLLM{reply: llm.FallbackMessage, finish: llm.FinishError}
		notif := &captureNotifier{}
		newTestJobs(model, notif, at).Briefing(context.Background())
		if len(notif.sent) != 1 || !strings.HasPrefix(notif.sent[0], "Good morning! Here's your daily briefing:") {
			t.Errorf("sent = %q, want raw briefing", notif.sent)
		}
	})

	t.Run("fallback text after failed delivery", func(t *testing.T) {
		notif := &captureNotifier{fails: 1}
		newTestJobs(&scriptedLLM{reply: "hi"}, notif, at).Briefing(context.Background())
		if len(notif.sent) != 1 || notif.sent[0] != briefingFallback {
			t.Errorf("sent = %q, want fallback", notif.sent)
		}
	})
}

func TestJobs_Execute(t *testing.T) {
	notif := &captureNotifier{}
	j := newTestJobs(&scriptedLLM{}, notif, time.Now())
	ctx := context.Background()

	reminder := &Task{Payload: Payload{Kind: PayloadReminder, Data: map[string]any{"message": "call mom"}}}
	if err := j.Execute(ctx, reminder, nil); err != nil {
		t.Fatalf("Execute(reminder): %v", err)
	}
	if len(notif.sent) != 1 || !strings.Contains(notif.sent[0], "Reminder: call mom") {
		t.Errorf("sent = %q", notif.sent)
	}

	notif.fails = 1
	err := j.Execute(ctx, &Task{Payload: Payload{Kind: PayloadNotify, Data: map[string]any{"message": "x"}}}, nil)
	if !errors.Is(err, ErrNotDelivered) {
		t.Errorf("Execute with no channel error = %v, want ErrNotDelivered", err)
	}

	if err := j.Execute(ctx, &Task{Payload: Payload{Kind: "webhook"}}, nil); err == nil {
		t.Error("Execute(unknown kind) error = nil")
	}
}

func TestJobs_Register(t *testing.T) {
	store := newTestStore(t)
	s := New(nil, store, time.UTC, nil)
	j := NewJobs(JobConfig{Location: time.UTC, HeartbeatMinutes: 30, BriefingTime: "08:00"}, s, nil)

	if err := j.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hb, _ := store.GetTaskByName(TaskHeartbeat)
	br, _ := store.GetTaskByName(TaskBriefing)
	if hb == nil || hb.Schedule.Every.Duration != 30*time.Minute {
		t.Errorf("heartbeat task = %+v", hb)
	}
	if br == nil || br.Schedule.Kind != ScheduleDaily || br.Schedule.Time != "08:00" || br.Schedule.Timezone != "UTC" {
		t.Errorf("briefing task = %+v", br)
	}
}

func TestJobs_UpcomingReminders(t *testing.T) {
	s := New(nil, newTestStore(t), time.UTC, nil)
	now := time.Now().UTC()
	soon := now.Add(10 * time.Minute)
	later := now.Add(5 * time.Hour)
	s.CreateTask(&Task{Name: "a", Schedule: Schedule{Kind: ScheduleAt, At: &soon}, Payload: Payload{Kind: PayloadReminder, Data: map[string]any{"message": "tea"}}, Enabled: true})
	s.CreateTask(&Task{Name: "b", Schedule: Schedule{Kind: ScheduleAt, At: &later}, Payload: Payload{Kind: PayloadReminder, Data: map[string]any{"message": "gym"}}, Enabled: true})

	j := NewJobs(JobConfig{Location: time.UTC}, s, nil)
	got := j.upcomingReminders(now, now.Add(15*time.Minute))
	if !strings.Contains(got, "tea") || strings.Contains(got, "gym") {
		t.Errorf("upcomingReminders = %q, want only tea", got)
	}
}

type stubTasks struct {
	summary string
	err     error
}

func (s stubTasks) OpenTasksSummary(ctx context.Context, now time.Time) (string, error) {
	return s.summary, s.err
}

func TestJobs_GatherOpenTasks(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		tasks TaskSummarizer
		want  string
	}{
		{"not configured", nil, "### Open Tasks\nNone."},
		{"listed", stubTasks{summary: "- Renew passport [OVERDUE]"}, "### Open Tasks\n- Renew passport [OVERDUE]"},
		{"failed", stubTasks{err: errors.New("db locked")}, "### Open Tasks\nTask check failed: db locked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJobs(JobConfig{Location: time.UTC, Tasks: tt.tasks}, nil, nil)
			if got := j.gather(context.Background(), now, now.Add(time.Hour)); !strings.Contains(got, tt.want) {
				t.Errorf("gather() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
