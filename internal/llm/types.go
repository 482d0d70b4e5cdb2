// Package llm provides chat-completion providers and the manager that
// switches and fails over between them.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported on [ChatResult].
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// Message is one entry in a conversation. The JSON shape is the
// OpenAI chat format, which every provider converts from.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments as a JSON
// object encoded in a string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedArguments decodes Arguments into a map. Empty or malformed
// arguments yield an empty map.
func (f FunctionCall) ParsedArguments() map[string]any {
	args := map[string]any{}
	if f.Arguments == "" {
		return args
	}
	if err := json.Unmarshal([]byte(f.Arguments), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// ChatResult is the normalized completion returned by every provider.
// Content is nil when the model answered only with tool calls.
type ChatResult struct {
	Role         string     `json:"role"`
	Content      *string    `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls"`
	FinishReason string     `json:"finish_reason"`

	// Provider is the canonical name of the backend that answered. It
	// is set by [Manager.Chat].
	Provider string `json:"-"`

	InputTokens  int `json:"-"`
	OutputTokens int `json:"-"`
}

// Text returns the content or "" when there is none.
func (r *ChatResult) Text() string {
	if r == nil || r.Content == nil {
		return ""
	}
	return *r.Content
}

// ToolDefinition is an OpenAI-format function tool schema.
type ToolDefinition struct {
	Type     string             `json:"type"` // always "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable tool to the model.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// NewToolDefinition builds a function tool schema.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ChatOptions overrides per-call sampling settings. A nil field means
// the provider's configured default.
type ChatOptions struct {
	Temperature *float64
	MaxTokens   *int
}

func (o ChatOptions) temperature(def float64) float64 {
	if o.Temperature != nil {
		return *o.Temperature
	}
	return def
}

func (o ChatOptions) maxTokens(def int) int {
	if o.MaxTokens != nil {
		return *o.MaxTokens
	}
	return def
}

func strPtr(s string) *string { return &s }
