// Package mcp implements the tool-serving side of the Model Context Protocol (MCP): JSON-RPC
// 2.0 messages, the per-session state machine of a server exposing tools, a client able to drive
// such a server, and two transports, newline-delimited stdio and the legacy SSE pair of
// GET /sse and POST /message.
//
// A Server takes its sessions from a ServerTransport. Each session answers ping and tools/list
// at any time, but serves tools/call only once the initialize handshake succeeded. When a
// SessionInitializer is configured it builds a dedicated ToolServer for every session from the
// initialize params, so per-session credentials never leak between clients.
package mcp
