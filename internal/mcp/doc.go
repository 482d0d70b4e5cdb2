// Package mcp exposes the tool registry as an MCP (Model Context
// Protocol) server so desktop agents and IDEs can call the assistant's
// tools. Every registry entry is listed by tools/list; tools/call
// passes the arguments to the registry and reports error payloads as
// MCP tool errors.
//
// The server speaks JSON-RPC 2.0 over stdio using mcp-go. Stdout
// carries protocol frames only, so callers must log to stderr.
package mcp
