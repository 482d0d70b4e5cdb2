package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/rafi-assistant/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry(nil, logger)
	reg.Register(&tools.Tool{
		Name:        "echo",
		Description: "Echo text",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Callable: tools.Func(func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		}),
	})
	reg.RegisterTool("fail", tools.Func(func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	}), "Always fails")
	return NewServer(reg, "test", logger)
}

// call sends one JSON-RPC request and decodes the response envelope.
func call(t *testing.T, s *Server, id int, method string, params any) map[string]any {
	t.Helper()
	req, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	if err != nil {
		t.Fatal(err)
	}
	resp := s.MCPServer().HandleMessage(context.Background(), req)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["error"] != nil {
		t.Fatalf("%s returned error: %v", method, out["error"])
	}
	return out["result"].(map[string]any)
}

func initialize(t *testing.T, s *Server) map[string]any {
	t.Helper()
	return call(t, s, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	})
}

func TestServer_Initialize(t *testing.T) {
	res := initialize(t, newTestServer(t))
	info := res["serverInfo"].(map[string]any)
	if info["name"] != ServerName || info["version"] != "test" {
		t.Errorf("serverInfo = %v", info)
	}
	if _, ok := res["capabilities"].(map[string]any)["tools"]; !ok {
		t.Error("tools capability not advertised")
	}
}

func TestServer_ListTools(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)

	res := call(t, s, 2, "tools/list", map[string]any{})
	list := res["tools"].([]any)
	if len(list) != 2 {
		t.Fatalf("tools = %d, want 2", len(list))
	}
	byName := map[string]map[string]any{}
	for _, raw := range list {
		tool := raw.(map[string]any)
		byName[tool["name"].(string)] = tool
	}

	schema := byName["echo"]["inputSchema"].(map[string]any)
	if req, _ := schema["required"].([]any); len(req) != 1 || req[0] != "text" {
		t.Errorf("echo schema = %v", schema)
	}
	if got := byName["fail"]["inputSchema"].(map[string]any)["type"]; got != "object" {
		t.Errorf("schemaless tool inputSchema type = %v, want object", got)
	}
}

func TestServer_CallTool(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)

	tests := []struct {
		name     string
		args     map[string]any
		wantText string
		wantErr  bool
	}{
		{"echo", map[string]any{"text": "hi"}, `{"echo":"hi"}`, false},
		{"fail", nil, "boom", true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, s, 10+i, "tools/call", map[string]any{"name": tt.name, "arguments": tt.args})
			content := res["content"].([]any)
			text := content[0].(map[string]any)["text"]
			if text != tt.wantText {
				t.Errorf("text = %v, want %s", text, tt.wantText)
			}
			isErr, _ := res["isError"].(bool)
			if isErr != tt.wantErr {
				t.Errorf("isError = %v, want %v", isErr, tt.wantErr)
			}
		})
	}
}
