package mcp_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/openai-mcp"
)

func TestServerPing(t *testing.T) {
	peer, _, _ := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{}))

	peer.send(`{"jsonrpc":"2.0","id":"p1","method":"ping"}`)
	msg, raw := peer.next()

	if msg.Error != nil {
		t.Fatalf("unexpected error: %v", msg.Error)
	}
	if !strings.Contains(raw, `"id":"p1"`) {
		t.Errorf("response doesn't echo the string id: %s", raw)
	}
	if string(msg.Result) != "{}" {
		t.Errorf("got result %s, want {}", msg.Result)
	}
}

func TestServerInitializeNegotiatesProtocolVersion(t *testing.T) {
	tests := []struct {
		requested string
		want      string
	}{
		{requested: "2024-11-05", want: "2024-11-05"},
		{requested: "0.1.0", want: "0.1.0"},
		{requested: mcp.LatestProtocolVersion, want: mcp.LatestProtocolVersion},
		{requested: "1999-01-01", want: mcp.LatestProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			peer, _, _ := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{}))

			peer.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` + tt.requested +
				`","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)
			msg, raw := peer.next()

			if !strings.Contains(raw, `"id":1`) {
				t.Errorf("response doesn't echo the numeric id: %s", raw)
			}
			res := decodeResult[mcp.InitializeResult](t, msg)
			if res.ProtocolVersion != tt.want {
				t.Errorf("got protocol version %q, want %q", res.ProtocolVersion, tt.want)
			}
			if res.ServerInfo.Name != "test-server" {
				t.Errorf("got server name %q, want test-server", res.ServerInfo.Name)
			}
			if res.Capabilities.Tools == nil {
				t.Error("tools capability not advertised")
			}
		})
	}
}

func TestServerToolsCallBeforeInitialize(t *testing.T) {
	tools := &mockToolServer{}
	peer, _, _ := startStdIOServer(t,
		mcp.WithToolServer(tools),
		mcp.WithNotInitializedMessage("client not initialized"),
	)

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	msg, _ := peer.next()

	if msg.Error == nil {
		t.Fatal("expected an error response")
	}
	if msg.Error.Code != mcp.ServerNotInitializedCode {
		t.Errorf("got code %d, want %d", msg.Error.Code, mcp.ServerNotInitializedCode)
	}
	if msg.Error.Message != "client not initialized" {
		t.Errorf("got message %q, want %q", msg.Error.Message, "client not initialized")
	}
	if tools.calls.Load() != 0 {
		t.Error("tool server reached before initialize")
	}

	// Listing doesn't need a credential.
	peer.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	msg, _ = peer.next()
	res := decodeResult[mcp.ListToolsResult](t, msg)
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools: %+v", res.Tools)
	}
}

func TestServerSessionToolServer(t *testing.T) {
	var gotConfig string
	initializer := initializerFunc(func(_ context.Context, _ string, params mcp.InitializeParams) (mcp.ToolServer, error) {
		gotConfig = string(params.Config)
		return &mockToolServer{toolName: "session"}, nil
	})
	peer, _, _ := startStdIOServer(t,
		mcp.WithToolServer(&mockToolServer{toolName: "static"}),
		mcp.WithSessionInitializer(initializer),
	)

	peer.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	msg, _ := peer.next()
	if res := decodeResult[mcp.ListToolsResult](t, msg); res.Tools[0].Name != "static" {
		t.Errorf("got tool %q before initialize, want static", res.Tools[0].Name)
	}

	peer.send(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"0.1.0",` +
		`"capabilities":{},"clientInfo":{"name":"c","version":"1"},"config":{"openaiApiKey":"sk-test"}}}`)
	msg, _ = peer.next()
	if msg.Error != nil {
		t.Fatalf("initialize failed: %v", msg.Error)
	}
	if gotConfig != `{"openaiApiKey":"sk-test"}` {
		t.Errorf("initializer got config %s", gotConfig)
	}

	peer.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	peer.send(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	msg, _ = peer.next()
	if res := decodeResult[mcp.ListToolsResult](t, msg); res.Tools[0].Name != "session" {
		t.Errorf("got tool %q after initialize, want session", res.Tools[0].Name)
	}

	peer.send(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"a":1}}}`)
	msg, _ = peer.next()
	res := decodeResult[mcp.CallToolResult](t, msg)
	if len(res.Content) != 1 || res.Content[0].Text != `{"a":1}` {
		t.Errorf("unexpected call result: %+v", res)
	}
}

func TestServerInitializeFailureEndsSession(t *testing.T) {
	errNoKey := errors.New("missing API key")

	var (
		mu         sync.Mutex
		sessionErr error
		connected  atomic.Bool
	)
	initializer := initializerFunc(func(context.Context, string, mcp.InitializeParams) (mcp.ToolServer, error) {
		return nil, mcp.NewJSONRPCError(mcp.JSONRPCInvalidParamsCode, errNoKey)
	})
	peer, _, served := startStdIOServer(t,
		mcp.WithSessionInitializer(initializer),
		mcp.WithServerOnSessionError(func(_ string, err error) {
			mu.Lock()
			sessionErr = err
			mu.Unlock()
		}),
		mcp.WithServerOnClientConnected(func(string, mcp.Info) { connected.Store(true) }),
	)

	msg := peer.initialize(1)
	if msg.Error == nil {
		t.Fatal("expected an error response")
	}
	if msg.Error.Code != mcp.JSONRPCInvalidParamsCode {
		t.Errorf("got code %d, want %d", msg.Error.Code, mcp.JSONRPCInvalidParamsCode)
	}
	if msg.Error.Message != errNoKey.Error() {
		t.Errorf("got message %q, want %q", msg.Error.Message, errNoKey.Error())
	}

	waitClosed(t, served, "the server to stop")

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(sessionErr, errNoKey) {
		t.Errorf("session error callback got %v, want %v", sessionErr, errNoKey)
	}
	if connected.Load() {
		t.Error("connected callback called for a failed handshake")
	}
}

func TestServerReinitialize(t *testing.T) {
	tests := []struct {
		name      string
		policy    mcp.ReinitPolicy
		wantCode  int
		wantCalls int32
	}{
		{name: "reject", policy: mcp.ReinitReject, wantCode: mcp.JSONRPCInvalidRequestCode, wantCalls: 1},
		{name: "reset", policy: mcp.ReinitReset, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			initializer := initializerFunc(func(context.Context, string, mcp.InitializeParams) (mcp.ToolServer, error) {
				calls.Add(1)
				return &mockToolServer{}, nil
			})
			peer, _, _ := startStdIOServer(t,
				mcp.WithSessionInitializer(initializer),
				mcp.WithReinitPolicy(tt.policy),
			)

			if msg := peer.initialize(1); msg.Error != nil {
				t.Fatalf("first initialize failed: %v", msg.Error)
			}
			msg := peer.initialize(2)

			if tt.wantCode == 0 && msg.Error != nil {
				t.Errorf("second initialize failed: %v", msg.Error)
			}
			if tt.wantCode != 0 && (msg.Error == nil || msg.Error.Code != tt.wantCode) {
				t.Errorf("got error %v, want code %d", msg.Error, tt.wantCode)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("initializer called %d times, want %d", calls.Load(), tt.wantCalls)
			}

			// The session keeps working either way.
			peer.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
			msg, _ = peer.next()
			decodeResult[mcp.CallToolResult](t, msg)
		})
	}
}

func TestServerToolErrors(t *testing.T) {
	peer, _, _ := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{}))
	peer.initialize(1)

	peer.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"invalid"}}`)
	msg, _ := peer.next()
	if msg.Error == nil || msg.Error.Code != mcp.JSONRPCInvalidParamsCode || msg.Error.Message != "bad arguments" {
		t.Errorf("got error %+v, want the tool's own JSON-RPC error", msg.Error)
	}

	peer.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"boom"}}`)
	msg, _ = peer.next()
	if msg.Error == nil || msg.Error.Code != mcp.JSONRPCInternalErrorCode {
		t.Errorf("got error %+v, want code %d", msg.Error, mcp.JSONRPCInternalErrorCode)
	}
}

func TestServerUnknownMethods(t *testing.T) {
	peer, _, _ := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{}))

	peer.send(`{"jsonrpc":"2.0","id":5,"method":"resources/list"}`)
	msg, _ := peer.next()
	if msg.Error == nil || msg.Error.Code != mcp.JSONRPCMethodNotFoundCode {
		t.Errorf("got error %+v, want code %d", msg.Error, mcp.JSONRPCMethodNotFoundCode)
	}

	// Unknown notifications and frames of another JSON-RPC version get no answer.
	peer.send(`{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`)
	peer.send(`{"jsonrpc":"1.0","id":6,"method":"ping"}`)
	peer.send(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)

	msg, _ = peer.next()
	if msg.ID.String() != "7" {
		t.Errorf("got response to %q, want 7", msg.ID.String())
	}
}

func TestServerCancelToolCall(t *testing.T) {
	tools := &mockToolServer{cancelled: make(chan struct{})}
	peer, _, _ := startStdIOServer(t, mcp.WithToolServer(tools))
	peer.initialize(1)

	peer.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"block"}}`)
	peer.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":2,"reason":"user abort"}}`)

	waitClosed(t, tools.cancelled, "the tool call to be cancelled")

	peer.send(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	msg, _ := peer.next()
	if msg.ID.String() != "3" {
		t.Errorf("got response to %q, want only the ping answer", msg.ID.String())
	}
	peer.expectNothing(100 * time.Millisecond)
}

func TestServerAnswersCallsSharingAnID(t *testing.T) {
	tools := &mockToolServer{slow: 20 * time.Millisecond, gate: make(chan struct{})}
	peer, _, _ := startStdIOServer(t, mcp.WithToolServer(tools))
	peer.initialize(1)

	// The second call outlives the first one, finishing the first must leave it running.
	peer.send(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"slow"}}`)
	peer.send(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"gate"}}`)

	msg, _ := peer.next()
	if res := decodeResult[mcp.CallToolResult](t, msg); res.Content[0].Text != "done" {
		t.Fatalf("got %q first, want done", res.Content[0].Text)
	}
	close(tools.gate)

	msg, _ = peer.next()
	if msg.ID.String() != "5" {
		t.Errorf("got response to %q, want 5", msg.ID.String())
	}
	if res := decodeResult[mcp.CallToolResult](t, msg); res.Content[0].Text != "opened" {
		t.Errorf("got %q second, want opened", res.Content[0].Text)
	}
}

func TestServerAnswersPendingCallsAfterInputEnds(t *testing.T) {
	peer, _, served := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{slow: 50 * time.Millisecond}))
	peer.initialize(1)

	peer.send(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"slow"}}`)
	_ = peer.writer.Close()

	msg, _ := peer.next()
	if msg.ID.String() != "9" {
		t.Fatalf("got response to %q, want 9", msg.ID.String())
	}
	if res := decodeResult[mcp.CallToolResult](t, msg); res.Content[0].Text != "done" {
		t.Errorf("got %q, want done", res.Content[0].Text)
	}

	waitClosed(t, served, "the server to stop")
}

func TestServerPingsClient(t *testing.T) {
	peer, _, _ := startStdIOServer(t,
		mcp.WithToolServer(&mockToolServer{}),
		mcp.WithServerPingInterval(20*time.Millisecond),
	)

	msg, _ := peer.next()
	if msg.Method != "ping" || msg.ID.IsZero() {
		t.Fatalf("got %+v, want a ping request", msg)
	}
}

func TestServerShutdown(t *testing.T) {
	var disconnected atomic.Bool
	_, srv, served := startStdIOServer(t,
		mcp.WithToolServer(&mockToolServer{}),
		mcp.WithServerOnClientDisconnected(func(string) { disconnected.Store(true) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}
	waitClosed(t, served, "Serve to return")

	if !disconnected.Load() {
		t.Error("disconnected callback not called")
	}
}
