package mcp

import (
	"context"
	"iter"
)

// ServerTransport accepts client connections and turns each of them into a Session.
type ServerTransport interface {
	// Sessions yields one Session per accepted client connection. Session IDs are unique
	// among the sessions alive at the same time. The iteration ends once Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport. The sessions it produced are stopped by the caller
	// beforehand, and Shutdown is called at most once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned Session is ready to
	// send messages. Operations are canceled when the context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID identifies the session in logs and, for SSE, in the message endpoint.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed or the
	// underlying connection is gone.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop ends the session and releases its resources. It is called exactly once, by the
	// owner of the session.
	Stop()
}

// DisconnectNotifier is implemented by sessions whose peer can go away while requests are still
// running. Once the returned channel is closed nothing sent on the session reaches the peer, so
// the work started for it is cancelled instead of being waited for.
type DisconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// ToolServer lists and runs the tools offered to a session.
type ToolServer interface {
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool runs the named tool. A returned JSONRPCError is sent to the client as is, any
	// other error is reported as an internal error.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// SessionInitializer builds the ToolServer owned by one session out of the client's initialize
// request. The returned ToolServer serves every tools/call of that session until it ends or is
// initialized again. An error rejects the handshake and ends the session.
type SessionInitializer interface {
	InitializeSession(ctx context.Context, sessionID string, params InitializeParams) (ToolServer, error)
}

// ReinitPolicy decides what happens when an already initialized session sends initialize again.
type ReinitPolicy string

const (
	// ReinitReject answers a second initialize with an invalid request error and keeps the
	// session's current tool server.
	ReinitReject ReinitPolicy = "reject"
	// ReinitReset runs the initializer again and replaces the session's tool server. Tool calls
	// already in flight finish with the tool server they started with.
	ReinitReset ReinitPolicy = "reset"
)
