package tools

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable is returned by built-in tools whose backing
// service is not configured.
var ErrServiceUnavailable = errors.New("service not configured")

// ErrMissingArgument reports a required tool argument that is absent
// or empty.
type ErrMissingArgument struct {
	Tool string
	Arg  string
}

// Error implements the error interface.
func (e *ErrMissingArgument) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Tool, e.Arg)
}

// ErrorResult wraps err in the structured payload tools return to
// callers and models.
func ErrorResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// IsErrorResult reports whether v is an error payload and returns its
// message.
func IsErrorResult(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := m["error"].(string)
	return msg, ok
}

func requireString(tool string, args map[string]any, key string) (string, error) {
	s, _ := args[key].(string)
	if s == "" {
		return "", &ErrMissingArgument{Tool: tool, Arg: key}
	}
	return s, nil
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
