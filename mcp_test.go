package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/openai-mcp"
)

type mockToolServer struct {
	toolName  string
	slow      time.Duration
	gate      chan struct{}
	cancelled chan struct{}
	calls     atomic.Int32
}

type initializerFunc func(ctx context.Context, sessionID string, params mcp.InitializeParams) (mcp.ToolServer, error)

// rawPeer is the client end of a stdio server, speaking raw frames.
type rawPeer struct {
	t      *testing.T
	writer *io.PipeWriter
	frames chan string
}

const testTimeout = 2 * time.Second

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	name := m.toolName
	if name == "" {
		name = "echo"
	}
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        name,
				Description: "Echo the arguments back",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
		},
	}, nil
}

func (m *mockToolServer) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.calls.Add(1)

	switch params.Name {
	case "echo":
		return textResult(string(params.Arguments)), nil
	case "slow":
		select {
		case <-time.After(m.slow):
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		}
		return textResult("done"), nil
	case "gate":
		select {
		case <-m.gate:
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		}
		return textResult("opened"), nil
	case "block":
		<-ctx.Done()
		if m.cancelled != nil {
			close(m.cancelled)
		}
		return mcp.CallToolResult{}, ctx.Err()
	case "invalid":
		return mcp.CallToolResult{}, mcp.JSONRPCError{Code: mcp.JSONRPCInvalidParamsCode, Message: "bad arguments"}
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool %s exploded", params.Name)
	}
}

func (f initializerFunc) InitializeSession(
	ctx context.Context,
	sessionID string,
	params mcp.InitializeParams,
) (mcp.ToolServer, error) {
	return f(ctx, sessionID, params)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}
}

// startStdIOServer serves a new Server over in-memory pipes. The returned channel is closed
// once Serve returns.
func startStdIOServer(t *testing.T, options ...mcp.ServerOption) (*rawPeer, mcp.Server, <-chan struct{}) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, mcp.NewStdIO(serverReader, serverWriter),
		options...)

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	p := &rawPeer{t: t, writer: clientWriter, frames: make(chan string, 16)}
	go func() {
		r := bufio.NewReader(clientReader)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			p.frames <- line
		}
	}()

	t.Cleanup(func() {
		_ = clientWriter.Close()
		_ = clientReader.Close()
	})

	return p, srv, served
}

func (p *rawPeer) send(frame string) {
	p.t.Helper()

	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(p.writer, frame+"\n")
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			p.t.Fatalf("failed to write frame: %v", err)
		}
	case <-time.After(testTimeout):
		p.t.Fatalf("timeout writing frame %s", frame)
	}
}

func (p *rawPeer) next() (mcp.JSONRPCMessage, string) {
	p.t.Helper()

	select {
	case raw := <-p.frames:
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			p.t.Fatalf("server wrote invalid frame %q: %v", raw, err)
		}
		return msg, strings.TrimSpace(raw)
	case <-time.After(testTimeout):
		p.t.Fatal("timeout waiting for a frame from the server")
	}
	return mcp.JSONRPCMessage{}, ""
}

func (p *rawPeer) expectNothing(d time.Duration) {
	p.t.Helper()

	select {
	case raw := <-p.frames:
		p.t.Fatalf("expected no frame, got %s", raw)
	case <-time.After(d):
	}
}

func (p *rawPeer) initialize(id int) mcp.JSONRPCMessage {
	p.t.Helper()

	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":"2024-11-05",`+
		`"capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`, id))
	msg, _ := p.next()
	return msg
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func decodeResult[T any](t *testing.T, msg mcp.JSONRPCMessage) T {
	t.Helper()

	var v T
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", msg.Error)
	}
	if err := json.Unmarshal(msg.Result, &v); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return v
}
