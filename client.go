package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the tool-calling side of a Model Context Protocol (MCP) client. It is
// used to drive an MCP server end to end: perform the handshake, list the tools and call them.
//
// A Client must be created using NewClient() and requires Connect() to be called before any
// operations can be performed. The client should be properly closed using Close() when it's
// no longer needed.
type Client struct {
	info      Info
	transport ClientTransport
	session   Session

	writeTimeout time.Duration
	logger       *slog.Logger

	serverInfo Info
	lastID     atomic.Int64

	mu      sync.Mutex
	pending map[RequestID]chan JSONRPCMessage

	listenClosed chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second

	errClientNotConnected = errors.New("client not connected")
	errSessionEnded       = errors.New("session ended before the response arrived")
)

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "client"))
	}
}

// NewClient creates a new MCP client identified by info that talks to the server over transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		transport:    transport,
		logger:       slog.Default(),
		pending:      make(map[RequestID]chan JSONRPCMessage),
		listenClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	return c
}

// Connect starts the transport session and the goroutine dispatching server messages.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listenMessages()

	return nil
}

// Initialize performs the handshake. ProtocolVersion and ClientInfo default to the latest
// version and the client's own info when left empty. On success the client confirms the
// handshake with notifications/initialized.
func (c *Client) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = LatestProtocolVersion
	}
	if params.ClientInfo.Name == "" {
		params.ClientInfo = c.info
	}

	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return InitializeResult{}, err
	}
	c.serverInfo = result.ServerInfo

	if err := c.notify(ctx, methodNotificationsInitialized); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return result, nil
}

// ListTools lists the tools available on the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes a tool on the server. A JSON-RPC error response is returned as a JSONRPCError.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ServerInfo returns the info the server announced during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// Close stops the session and waits for the message loop to end.
func (c *Client) Close() {
	if c.session == nil {
		return
	}
	c.session.Stop()
	<-c.listenClosed
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c.session == nil {
		return errClientNotConnected
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	id := NumberID(c.lastID.Add(1))
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	c.pending[id] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	sendCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.session.Send(sendCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	var msg JSONRPCMessage
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m, ok := <-results:
		if !ok {
			return errSessionEnded
		}
		msg = m
	}

	if msg.Error != nil {
		return *msg.Error
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	sendCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return c.session.Send(sendCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	})
}

func (c *Client) listenMessages() {
	defer close(c.listenClosed)
	defer func() {
		// Wake up every caller still waiting, the session is gone.
		c.mu.Lock()
		for id, results := range c.pending {
			close(results)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for msg := range c.session.Messages() {
		switch msg.Method {
		case "":
			c.mu.Lock()
			results, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Warn("received response for unknown request", slog.String("id", msg.ID.String()))
				continue
			}
			results <- msg
		case methodPing:
			if msg.ID.IsZero() {
				continue
			}
			go func(id RequestID) {
				ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
				defer cancel()
				if err := c.session.Send(ctx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      id,
					Result:  json.RawMessage(`{}`),
				}); err != nil {
					c.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		default:
			c.logger.Debug("ignoring server message", slog.String("method", msg.Method))
		}
	}
}
