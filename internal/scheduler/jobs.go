package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/rafi-assistant/internal/llm"
)

// HeartbeatOK is the model's all-clear token.
const HeartbeatOK = "HEARTBEAT_OK"

const (
	alertKeyLen      = 100
	alertMaxLen      = 300
	alertDedupWindow = 24 * time.Hour
	alertRetention   = 48 * time.Hour
)

// Task names of the system jobs.
const (
	TaskHeartbeat = "heartbeat"
	TaskBriefing  = "morning_briefing"
)

// DefaultChecklist is what the heartbeat asks the model to watch for.
const DefaultChecklist = `- Unread email that looks urgent or time-sensitive
- Reminders coming up soon
- Anything the client asked to be told about proactively`

const briefingFallback = "I couldn't prepare your full briefing, but I'm still here if you need me!"

// ErrNotDelivered is returned when no channel accepted a message.
var ErrNotDelivered = errors.New("message not delivered")

// Chatter is the LLM surface the jobs use. *llm.Manager satisfies it.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.ChatOptions) (*llm.ChatResult, error)
}

// Notifier delivers proactive text. *channels.Manager satisfies it.
type Notifier interface {
	SendToPreferred(ctx context.Context, text string) map[string]any
}

// UnreadLister summarizes unread mail. *email.Client satisfies it.
type UnreadLister interface {
	UnreadSummary(ctx context.Context, limit int) (string, error)
}

// TaskSummarizer lists open to-do items. *planner.Store satisfies it.
type TaskSummarizer interface {
	OpenTasksSummary(ctx context.Context, now time.Time) (string, error)
}

// JobConfig configures the built-in jobs.
type JobConfig struct {
	LLM      Chatter
	Notifier Notifier
	Mail     UnreadLister   // optional
	Tasks    TaskSummarizer // optional

	Location         *time.Location
	QuietHoursStart  string // "HH:MM"
	QuietHoursEnd    string
	HeartbeatMinutes int
	BriefingTime     string        // "HH:MM"
	ReminderLead     time.Duration // heartbeat reminder look-ahead
	Checklist        string
	ClientName       string
}

// Jobs executes heartbeat, briefing, reminder and notify tasks.
type Jobs struct {
	cfg       JobConfig
	scheduler *Scheduler
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time // alert key -> last sent
}

// NewJobs creates the job runner. s may be nil, in which case upcoming
// reminders are not included in heartbeat and briefing context.
func NewJobs(cfg JobConfig, s *Scheduler, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Checklist == "" {
		cfg.Checklist = DefaultChecklist
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = 15 * time.Minute
	}
	return &Jobs{
		cfg:       cfg,
		scheduler: s,
		logger:    logger.With("component", "jobs"),
		now:       time.Now,
		sent:      make(map[string]time.Time),
	}
}

// Register ensures the heartbeat and briefing tasks exist with the
// configured schedules.
func (j *Jobs) Register(s *Scheduler) error {
	if j.cfg.HeartbeatMinutes > 0 {
		if _, err := s.EnsureTask(TaskHeartbeat, Schedule{
			Kind:  ScheduleEvery,
			Every: &Duration{Duration: time.Duration(j.cfg.HeartbeatMinutes) * time.Minute},
		}, Payload{Kind: PayloadHeartbeat}); err != nil {
			return err
		}
	}
	if j.cfg.BriefingTime != "" {
		if _, err := s.EnsureTask(TaskBriefing, Schedule{
			Kind:     ScheduleDaily,
			Time:     j.cfg.BriefingTime,
			Timezone: j.cfg.Location.String(),
		}, Payload{Kind: PayloadBriefing}); err != nil {
			return err
		}
	}
	return nil
}

// Execute dispatches a fired task by payload kind. It satisfies
// [ExecuteFunc].
func (j *Jobs) Execute(ctx context.Context, task *Task, _ *Execution) error {
	switch task.Payload.Kind {
	case PayloadHeartbeat:
		return j.Heartbeat(ctx)
	case PayloadBriefing:
		return j.Briefing(ctx)
	case PayloadReminder:
		return j.deliver(ctx, "⏰ Reminder: "+task.Payload.Message())
	case PayloadNotify:
		return j.deliver(ctx, task.Payload.Message())
	default:
		return fmt.Errorf("unknown payload kind %q", task.Payload.Kind)
	}
}

func (j *Jobs) deliver(ctx context.Context, text string) error {
	if j.cfg.Notifier == nil {
		return ErrNotDelivered
	}
	res := j.cfg.Notifier.SendToPreferred(ctx, text)
	if msg, ok := res["error"].(string); ok {
		return fmt.Errorf("%w: %s", ErrNotDelivered, msg)
	}
	j.logger.InfoContext(ctx, "proactive message sent", "channel", res["channel"], "status", res["status"])
	return nil
}

// InQuietHours reports whether now falls in [start, end) on the wall
// clock of now's location. A start later than end wraps past midnight.
// Unparseable bounds disable quiet hours.
func InQuietHours(now time.Time, start, end string) bool {
	sh, sm, err := ParseClock(start)
	if err != nil {
		return false
	}
	eh, em, err := ParseClock(end)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	from, to := sh*60+sm, eh*60+em
	if from == to {
		return false
	}
	if from > to {
		return cur >= from || cur < to
	}
	return cur >= from && cur < to
}

// Heartbeat gathers context, asks the model whether anything needs the
// client's attention and sends at most one deduplicated alert.
func (j *Jobs) Heartbeat(ctx context.Context) error {
	now := j.now().In(j.cfg.Location)
	if InQuietHours(now, j.cfg.QuietHoursStart, j.cfg.QuietHoursEnd) {
		j.logger.DebugContext(ctx, "quiet hours active, skipping heartbeat")
		return nil
	}
	if j.cfg.LLM == nil {
		return nil
	}

	prompt := fmt.Sprintf(`You are a proactive assistant running a periodic heartbeat check.

## Checklist
%s

## Current Data
%s

## Instructions
Review the data against the checklist. If anything needs the client's attention, write a concise alert message (max %d characters). If everything is fine, respond with exactly: %s
Do NOT include %s if there is something to report.`,
		j.cfg.Checklist, j.gather(ctx, now, now.Add(j.cfg.ReminderLead)), alertMaxLen, HeartbeatOK, HeartbeatOK)

	res, err := j.cfg.LLM.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: "Run the heartbeat check now."},
	}, nil, llm.ChatOptions{})
	if err != nil {
		return fmt.Errorf("heartbeat chat: %w", err)
	}
	if res.FinishReason == llm.FinishError {
		j.logger.WarnContext(ctx, "heartbeat skipped, no provider answered")
		return nil
	}

	content := strings.TrimSpace(res.Text())
	if content == "" || strings.Contains(content, HeartbeatOK) {
		j.logger.InfoContext(ctx, "heartbeat all clear")
		return nil
	}

	if !j.claimAlert(content, now) {
		j.logger.InfoContext(ctx, "suppressing duplicate heartbeat alert")
		return nil
	}
	return j.deliver(ctx, truncateRunes(content, alertMaxLen))
}

// claimAlert records content as sent unless the same alert went out
// within the dedup window. Entries older than the retention window
// are pruned.
func (j *Jobs) claimAlert(content string, now time.Time) bool {
	key := truncateRunes(content, alertKeyLen)

	j.mu.Lock()
	defer j.mu.Unlock()

	if last, ok := j.sent[key]; ok && now.Sub(last) < alertDedupWindow {
		return false
	}
	j.sent[key] = now
	for k, v := range j.sent {
		if now.Sub(v) > alertRetention {
			delete(j.sent, k)
		}
	}
	return true
}

// gather renders the heartbeat and briefing context sections.
// Reminders due between now and until are listed.
func (j *Jobs) gather(ctx context.Context, now, until time.Time) string {
	var b strings.Builder

	b.WriteString("### Time\n")
	b.WriteString(now.Format("Monday, January 2 2006 15:04 MST"))

	b.WriteString("\n\n### Unread Emails\n")
	switch {
	case j.cfg.Mail == nil:
		b.WriteString("Email is not configured.")
	default:
		summary, err := j.cfg.Mail.UnreadSummary(ctx, 10)
		if err != nil {
			j.logger.WarnContext(ctx, "email check failed", "error", err)
			fmt.Fprintf(&b, "Email check failed: %v", err)
		} else {
			b.WriteString(summary)
		}
	}

	b.WriteString("\n\n### Open Tasks\n")
	switch {
	case j.cfg.Tasks == nil:
		b.WriteString("None.")
	default:
		summary, err := j.cfg.Tasks.OpenTasksSummary(ctx, now)
		if err != nil {
			j.logger.WarnContext(ctx, "task check failed", "error", err)
			fmt.Fprintf(&b, "Task check failed: %v", err)
		} else {
			b.WriteString(summary)
		}
	}

	b.WriteString("\n\n### Upcoming Reminders\n")
	b.WriteString(j.upcomingReminders(now, until))
	return b.String()
}

func (j *Jobs) upcomingReminders(from, to time.Time) string {
	if j.scheduler == nil {
		return "None."
	}
	tasks, err := j.scheduler.ListTasks(true)
	if err != nil {
		return fmt.Sprintf("Reminder check failed: %v", err)
	}
	var lines []string
	for _, t := range tasks {
		if t.Payload.Kind != PayloadReminder || t.Schedule.At == nil {
			continue
		}
		at := *t.Schedule.At
		if at.Before(from) || at.After(to) {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", at.In(j.cfg.Location).Format("15:04"), t.Payload.Message()))
	}
	if len(lines) == 0 {
		return "None."
	}
	return strings.Join(lines, "\n")
}

// Briefing sends the morning summary. When no model answers it sends
// the gathered data as is.
func (j *Jobs) Briefing(ctx context.Context) error {
	now := j.now().In(j.cfg.Location)
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, j.cfg.Location)
	data := j.gather(ctx, now, endOfDay)

	name := j.cfg.ClientName
	if name == "" {
		name = "the client"
	}

	text := ""
	if j.cfg.LLM != nil {
		res, err := j.cfg.LLM.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: fmt.Sprintf(
				"Write a short, warm morning briefing for %s from the data below. Use plain text suitable for a chat message.\n\n%s", name, data)},
			{Role: llm.RoleUser, Content: "Prepare my morning briefing."},
		}, nil, llm.ChatOptions{})
		if err == nil && res.FinishReason != llm.FinishError {
			text = strings.TrimSpace(res.Text())
		}
	}
	if text == "" {
		j.logger.WarnContext(ctx, "briefing summary unavailable, sending raw data")
		text = "Good morning! Here's your daily briefing:\n\n" + data
	}

	if err := j.deliver(ctx, text); err != nil {
		j.logger.ErrorContext(ctx, "briefing delivery failed", "error", err)
		if ferr := j.deliver(ctx, briefingFallback); ferr != nil {
			return err
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
