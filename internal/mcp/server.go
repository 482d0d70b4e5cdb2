package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/rafi-assistant/internal/tools"
)

// ServerName is the implementation name reported on initialize.
const ServerName = "rafi-assistant"

// emptySchema is advertised for tools that take no arguments.
var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Server adapts a [tools.Registry] to MCP.
type Server struct {
	tools  *tools.Registry
	mcp    *server.MCPServer
	logger *slog.Logger
}

// NewServer registers every tool currently in reg. Tools added to reg
// later are not picked up.
func NewServer(reg *tools.Registry, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tools:  reg,
		mcp:    server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		logger: logger.With("component", "mcp"),
	}
	for _, name := range reg.Names() {
		t := reg.Get(name)
		if t == nil {
			continue
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, toolSchema(t)), s.handler(t.Name))
	}
	s.logger.Debug("mcp tools registered", "count", len(reg.Names()))
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in and out until ctx ends or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := s.tools.Invoke(ctx, name, req.GetArguments())
		if msg, isErr := tools.IsErrorResult(result); isErr {
			return mcp.NewToolResultError(msg), nil
		}
		return mcp.NewToolResultText(tools.Stringify(result)), nil
	}
}

func toolSchema(t *tools.Tool) json.RawMessage {
	if len(t.Parameters) == 0 {
		return emptySchema
	}
	data, err := json.Marshal(t.Parameters)
	if err != nil {
		return emptySchema
	}
	return data
}
