package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// ExecuteFunc is called when a task fires.
type ExecuteFunc func(ctx context.Context, task *Task, execution *Execution) error

// catchUpWindow bounds how late a missed one-shot task may still run.
const catchUpWindow = 24 * time.Hour

// runTimeout bounds a single task execution.
const runTimeout = 5 * time.Minute

// Scheduler arms a timer per enabled task and runs the execute
// callback when it fires.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	loc     *time.Location
	execute ExecuteFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a scheduler. loc is used to read clock-time reminder
// expressions; nil means time.Local.
func New(logger *slog.Logger, store *Store, loc *time.Location, execute ExecuteFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		store:   store,
		loc:     loc,
		execute: execute,
		timers:  make(map[string]*time.Timer),
		baseCtx: context.Background(),
	}
}

// SetExecutor replaces the execute callback. Used when the callback
// needs services that are built after the scheduler.
func (s *Scheduler) SetExecutor(execute ExecuteFunc) {
	s.mu.Lock()
	s.execute = execute
	s.mu.Unlock()
}

// Start loads enabled tasks, catches up missed one-shot tasks and arms
// timers. The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.catchUp(ctx, tasks, time.Now())
	for _, task := range tasks {
		if task.Enabled {
			s.scheduleTask(task)
		}
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop cancels all timers and waits for running executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// CreateTask adds a new task and schedules it.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("task created", "id", task.ID, "name", task.Name, "schedule", task.Schedule.Kind)
	return nil
}

// UpdateTask modifies a task and reschedules it.
func (s *Scheduler) UpdateTask(task *Task) error {
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	s.cancelTimer(task.ID)
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("task updated", "id", task.ID, "name", task.Name)
	return nil
}

// EnsureTask creates the named task or brings an existing one in line
// with schedule and payload. System jobs such as the heartbeat are
// registered this way on every start.
func (s *Scheduler) EnsureTask(name string, schedule Schedule, payload Payload) (*Task, error) {
	existing, err := s.store.GetTaskByName(name)
	if err != nil {
		return nil, fmt.Errorf("look up task %s: %w", name, err)
	}

	if existing == nil {
		task := &Task{
			Name:      name,
			Schedule:  schedule,
			Payload:   payload,
			Enabled:   true,
			CreatedBy: "system",
		}
		return task, s.CreateTask(task)
	}

	if existing.Enabled && reflect.DeepEqual(existing.Schedule, schedule) && reflect.DeepEqual(existing.Payload, payload) {
		s.scheduleTask(existing)
		return existing, nil
	}
	existing.Schedule = schedule
	existing.Payload = payload
	existing.Enabled = true
	return existing, s.UpdateTask(existing)
}

// ScheduleReminder creates a one-shot reminder task from a human time
// expression and returns its ID and fire time.
func (s *Scheduler) ScheduleReminder(ctx context.Context, message, when string) (string, time.Time, error) {
	now := time.Now()
	at, err := ParseWhen(when, now, s.loc)
	if err != nil {
		return "", time.Time{}, err
	}
	if !at.After(now) {
		return "", time.Time{}, fmt.Errorf("reminder time %s is in the past", at.Format(time.RFC3339))
	}

	task := &Task{
		Name:      "reminder: " + truncate(message, 60),
		Schedule:  Schedule{Kind: ScheduleAt, At: &at},
		Payload:   Payload{Kind: PayloadReminder, Data: map[string]any{"message": message}},
		Enabled:   true,
		CreatedBy: "set_reminder",
	}
	if err := s.CreateTask(task); err != nil {
		return "", time.Time{}, err
	}
	return task.ID, at, nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// ListTasks returns tasks, optionally only enabled ones.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// GetTaskExecutions returns execution history for a task.
func (s *Scheduler) GetTaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// TriggerTask runs a task immediately, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, time.Now())
}

// scheduleTask arms a timer for the task's next run.
func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}
	delay := max(time.Until(next), 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}
	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.onTaskFire(id) })

	s.logger.Debug("task scheduled", "id", task.ID, "name", task.Name, "next", next, "delay", delay)
}

func (s *Scheduler) onTaskFire(taskID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.wg.Add(1)
	base := s.baseCtx
	s.mu.Unlock()
	defer s.wg.Done()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("failed to load task for execution", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(base, runTimeout)
	defer cancel()

	if _, err := s.executeTask(ctx, task, time.Now()); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "name", task.Name, "error", err)
	}

	if task.Schedule.Kind == ScheduleAt {
		s.disable(task)
		return
	}
	s.scheduleTask(task)
}

// disable marks a spent one-shot task so it is not reloaded.
func (s *Scheduler) disable(task *Task) {
	task.Enabled = false
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error("failed to disable task", "id", task.ID, "error", err)
	}
}

// executeTask runs a task and records the execution.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	started := time.Now()
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task", "task_id", task.ID, "task_name", task.Name, "kind", task.Payload.Kind)

	s.mu.Lock()
	execute := s.execute
	s.mu.Unlock()

	var execErr error
	if execute != nil {
		execErr = execute(ctx, task, exec)
	}

	completed := time.Now()
	exec.CompletedAt = &completed
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}
	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Debug("task execution completed",
		"task_id", task.ID,
		"status", exec.Status,
		"duration", completed.Sub(started),
	)
	return exec, execErr
}

func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// catchUp handles one-shot tasks whose time passed while the process
// was down: recent ones run now, stale ones are recorded as skipped.
// Both are disabled afterwards.
func (s *Scheduler) catchUp(ctx context.Context, tasks []*Task, now time.Time) {
	for _, task := range tasks {
		if task.Schedule.Kind != ScheduleAt || task.Schedule.At == nil || task.Schedule.At.After(now) {
			continue
		}
		at := *task.Schedule.At

		if now.Sub(at) > catchUpWindow {
			s.logger.Info("skipping stale task", "id", task.ID, "name", task.Name, "scheduled", at)
			_ = s.store.CreateExecution(&Execution{
				TaskID:      task.ID,
				ScheduledAt: at,
				Status:      StatusSkipped,
				Result:      "missed execution window (>24h)",
			})
		} else {
			s.logger.Info("catching up missed task", "id", task.ID, "name", task.Name, "scheduled", at)
			runCtx, cancel := context.WithTimeout(ctx, runTimeout)
			if _, err := s.executeTask(runCtx, task, at); err != nil {
				s.logger.Error("catch-up execution failed", "id", task.ID, "error", err)
			}
			cancel()
		}
		s.disable(task)
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	tasks, _ := s.store.ListTasks(false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
