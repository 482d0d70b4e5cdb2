// Package registry is the process-wide service hub: it holds references
// to the long-lived services, the three broadcast queues, and the
// category listeners that UI, mobile and MQTT consumers attach to.
// One Registry is built at startup and passed to whoever needs it.
package registry

import (
	"context"
	"log/slog"

	"github.com/nugget/rafi-assistant/internal/channels"
	"github.com/nugget/rafi-assistant/internal/config"
	"github.com/nugget/rafi-assistant/internal/email"
	"github.com/nugget/rafi-assistant/internal/events"
	"github.com/nugget/rafi-assistant/internal/llm"
	"github.com/nugget/rafi-assistant/internal/memory"
	"github.com/nugget/rafi-assistant/internal/scheduler"
	"github.com/nugget/rafi-assistant/internal/tools"
)

// Listener categories.
const (
	CategoryVoice      = "voice"
	CategoryTools      = "tools"
	CategoryUI         = "ui"
	CategoryTranscript = "transcript"
	CategoryEvents     = "events"
	CategoryLogs       = "logs"
)

// Categories lists the categories every Registry starts with.
var Categories = []string{
	CategoryVoice,
	CategoryTools,
	CategoryUI,
	CategoryTranscript,
	CategoryEvents,
	CategoryLogs,
}

// Registry holds service references and routes broadcasts. Service
// fields are nil until the corresponding service is configured.
type Registry struct {
	Config    *config.Config
	LLM       *llm.Manager
	Tools     *tools.Registry
	Channels  *channels.Manager
	Memory    *memory.Store
	Email     *email.Client
	Scheduler *scheduler.Scheduler

	// Transcripts, ToolOutput and Events receive every broadcast of
	// their kind for consumers that poll rather than listen.
	Transcripts *events.Queue
	ToolOutput  *events.Queue
	Events      *events.Queue

	dispatcher *events.Dispatcher
	logger     *slog.Logger
}

// New creates an empty registry with the fixed categories.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Transcripts: events.NewQueue(),
		ToolOutput:  events.NewQueue(),
		Events:      events.NewQueue(),
		dispatcher:  events.NewDispatcher(Categories...),
		logger:      logger.With("component", "registry"),
	}
}

// RegisterListener adds l to category, creating the category if it
// does not exist yet.
func (r *Registry) RegisterListener(category string, l events.Listener) events.ListenerID {
	id := r.dispatcher.Register(category, l)
	r.logger.Debug("listener registered", "category", category, "id", id)
	return id
}

// UnregisterListener removes a listener. Unknown categories or IDs are
// ignored.
func (r *Registry) UnregisterListener(category string, id events.ListenerID) {
	r.dispatcher.Unregister(category, id)
}

// ListenerCount returns the number of listeners on category.
func (r *Registry) ListenerCount(category string) int {
	return r.dispatcher.Count(category)
}

// Emit delivers payload to every listener on category concurrently and
// waits for them. Listener failures are logged and returned; they
// never stop delivery.
func (r *Registry) Emit(ctx context.Context, category string, payload events.Payload) []error {
	errs := r.dispatcher.Emit(ctx, category, payload)
	for _, err := range errs {
		// ctx carries the log-mirror marker when this Emit came from
		// BroadcastLog, which keeps the error out of the logs category.
		r.logger.WarnContext(ctx, "listener failed", "category", category, "error", err)
	}
	return errs
}

// BroadcastTranscript queues and emits a transcript line. An empty role
// means "user".
func (r *Registry) BroadcastTranscript(ctx context.Context, text string, isFinal bool, role string) {
	if role == "" {
		role = llm.RoleUser
	}
	p := events.Payload{"text": text, "is_final": isFinal, "role": role}
	r.Transcripts.Put(p)
	r.Emit(ctx, CategoryTranscript, p)
}

// BroadcastLog emits a log line on the logs category. Logs are not
// queued.
func (r *Registry) BroadcastLog(ctx context.Context, level, name, message string) {
	ctx = withLogMirror(ctx)
	r.Emit(ctx, CategoryLogs, events.Payload{"level": level, "name": name, "message": message})
}

// BroadcastToolResult queues and emits a tool result.
func (r *Registry) BroadcastToolResult(ctx context.Context, toolName string, result any) {
	p := events.Payload{"tool": toolName, "result": result}
	r.ToolOutput.Put(p)
	r.Emit(ctx, CategoryTools, p)
}

// BroadcastEvent queues and emits a named event.
func (r *Registry) BroadcastEvent(ctx context.Context, name string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	p := events.Payload{"event": name, "data": data}
	r.Events.Put(p)
	r.Emit(ctx, CategoryEvents, p)
}
