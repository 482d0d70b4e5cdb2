// Package tools holds the registry of callable tools shared by every
// channel, the mobile socket and the MCP server.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/rafi-assistant/internal/llm"
)

// Callable is implemented by [Func] and [AsyncFunc].
type Callable interface {
	call(ctx context.Context, args map[string]any) (any, error)
}

// Func is a synchronous tool implementation.
type Func func(ctx context.Context, args map[string]any) (any, error)

func (f Func) call(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Result is the value delivered by an [AsyncFunc].
type Result struct {
	Value any
	Err   error
}

// AsyncFunc starts a tool and delivers its outcome on the returned
// channel. Invoke waits for the first value or for ctx to end.
type AsyncFunc func(ctx context.Context, args map[string]any) <-chan Result

func (f AsyncFunc) call(ctx context.Context, args map[string]any) (any, error) {
	ch := f(ctx, args)
	if ch == nil {
		return nil, fmt.Errorf("async tool returned no result channel")
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("async tool closed without a result")
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tool is one registry entry. Parameters, when set, is the JSON
// schema of the arguments object and makes the tool visible to the
// model through [Registry.Schemas].
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Callable    Callable       `json:"-"`
}

// Definition is the name/description pair listed by the API.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Broadcaster receives every tool outcome. *registry.Registry
// satisfies it.
type Broadcaster interface {
	BroadcastToolResult(ctx context.Context, toolName string, result any)
}

// Registry holds available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string

	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. broadcaster may be nil.
func NewRegistry(broadcaster Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:       make(map[string]*Tool),
		broadcaster: broadcaster,
		logger:      logger.With("component", "tools"),
	}
}

// Register adds t, replacing any tool with the same name. A replaced
// tool keeps its original position in listings.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	r.logger.Debug("registered tool", "tool", t.Name)
}

// RegisterTool registers a callable without a parameter schema.
func (r *Registry) RegisterTool(name string, c Callable, description string) {
	r.Register(&Tool{Name: name, Description: description, Callable: c})
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions lists every tool's name and description.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		t := r.tools[n]
		out = append(out, Definition{Name: t.Name, Description: t.Description})
	}
	return out
}

// Schemas returns model-facing schemas for tools that declare
// parameters.
func (r *Registry) Schemas() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []llm.ToolDefinition
	for _, n := range r.order {
		t := r.tools[n]
		if t.Parameters == nil {
			continue
		}
		out = append(out, llm.NewToolDefinition(t.Name, t.Description, t.Parameters))
	}
	return out
}

// Invoke runs the named tool. An unknown name yields
// {"error": "Tool <name> not found"}. Errors and panics become
// {"error": message}. Every outcome of a known tool is broadcast
// before it is returned.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) any {
	t := r.Get(name)
	if t == nil || t.Callable == nil {
		r.logger.Warn("unknown tool", "tool", name)
		return ErrorResult(fmt.Errorf("Tool %s not found", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	r.logger.Info("invoking tool", "tool", name)
	result, err := safeCall(ctx, t.Callable, args)
	if err != nil {
		r.logger.Error("tool execution failed", "tool", name, "error", err)
		result = ErrorResult(err)
	}

	if r.broadcaster != nil {
		r.broadcaster.BroadcastToolResult(ctx, name, result)
	}
	return result
}

func safeCall(ctx context.Context, c Callable, args map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return c.call(ctx, args)
}

// Execute decodes argsJSON, runs the tool and renders the outcome as
// a string for an LLM tool message. Strings pass through; everything
// else is JSON-encoded.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) string {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Stringify(ErrorResult(fmt.Errorf("invalid arguments for %s: %w", name, err)))
		}
	}
	return Stringify(r.Invoke(ctx, name, args))
}

// Stringify renders a tool result for an LLM tool message.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
