package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tools to LLM
// applications. It manages the connection lifecycle of every session yielded by its
// transport, handles protocol messages, and routes tool calls to the ToolServer owned
// by each session.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	toolServer            ToolServer
	initializer           SessionInitializer
	reinitPolicy          ReinitPolicy
	notInitializedMessage string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)
	onSessionError       func(string, error)

	sessionsWaitGroup *sync.WaitGroup
	shutdownOnce      *sync.Once
	done              chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverInfo   Info
	capabilities ServerCapabilities
	instructions string

	toolServer            ToolServer
	initializer           SessionInitializer
	reinitPolicy          ReinitPolicy
	notInitializedMessage string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	onClientConnected func(string, Info)
	onSessionError    func(string, error)

	inflight *inflightCalls
	handlers *sync.WaitGroup
	stopOnce *sync.Once
	stopped  chan struct{}
}

// inflightCalls tracks the cancellation of every tool call a session is running, so
// notifications/cancelled can reach them.
type inflightCalls struct {
	mu    sync.Mutex
	calls map[RequestID]*inflightCall
}

// inflightCall is one registration. Calls sharing a request id are told apart by pointer.
type inflightCall struct {
	cancel context.CancelFunc
}

var (
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	defaultNotInitializedMessage = "server not initialized"

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:                  info,
		transport:             transport,
		reinitPolicy:          ReinitReject,
		notInitializedMessage: defaultNotInitializedMessage,
		logger:                slog.Default(),
		sessionsWaitGroup:     &sync.WaitGroup{},
		shutdownOnce:          &sync.Once{},
		done:                  make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	if s.toolServer != nil || s.initializer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server used before a session
// is initialized, and for every session when no SessionInitializer is configured.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithSessionInitializer returns a ServerOption that builds a dedicated ToolServer for each
// session during the initialize handshake.
func WithSessionInitializer(initializer SessionInitializer) ServerOption {
	return func(s *Server) {
		s.initializer = initializer
	}
}

// WithReinitPolicy returns a ServerOption that configures how a repeated initialize is handled.
func WithReinitPolicy(policy ReinitPolicy) ServerOption {
	return func(s *Server) {
		s.reinitPolicy = policy
	}
}

// WithNotInitializedMessage sets the error message returned for tool calls received before
// the session is initialized.
func WithNotInitializedMessage(msg string) ServerOption {
	return func(s *Server) {
		s.notInitializedMessage = msg
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
// Zero, the default, disables pings.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes the handshake.
// The callback's parameter is the ID of the session and the Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerOnSessionError sets the callback invoked when the SessionInitializer rejects a
// handshake. The session is closed right after the callback returns.
func WithServerOnSessionError(onSessionError func(string, error)) ServerOption {
	return func(s *Server) {
		s.onSessionError = onSessionError
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "openai-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the MCP server and manages its lifecycle. It handles client connections
// and protocol messages for every session the transport yields.
//
// Serve blocks until the transport stops yielding sessions and every session has ended.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:               sess,
			logger:                s.logger.With(slog.String("sessionID", sess.ID())),
			serverInfo:            s.info,
			capabilities:          s.capabilities,
			instructions:          s.instructions,
			toolServer:            s.toolServer,
			initializer:           s.initializer,
			reinitPolicy:          s.reinitPolicy,
			notInitializedMessage: s.notInitializedMessage,
			pingInterval:          s.pingInterval,
			pingTimeout:           s.pingTimeout,
			pingTimeoutThreshold:  s.pingTimeoutThreshold,
			sendTimeout:           s.sendTimeout,
			onClientConnected:     s.onClientConnected,
			onSessionError:        s.onSessionError,
			inflight:              &inflightCalls{calls: make(map[RequestID]*inflightCall)},
			handlers:              &sync.WaitGroup{},
			stopOnce:              &sync.Once{},
			stopped:               make(chan struct{}),
		}

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}

	s.sessionsWaitGroup.Wait()
}

// Shutdown gracefully shuts down the server by terminating all active sessions and cleaning up resources.
// It returns an error if the shutdown process fails or if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	s.shutdownOnce.Do(func() { close(s.done) })

	sessionsClosed := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsClosed:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s serverSession) start(done <-chan struct{}) {
	// This base context is to make sure all the operations started by the loop below are
	// cancelled when the session ends.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	// A peer that went away reads no answers, so its running handlers are cancelled like on stop.
	var disconnected <-chan struct{}
	if dn, ok := s.session.(DisconnectNotifier); ok {
		disconnected = dn.Disconnected()
	}

	loopDone := make(chan struct{})
	// This channel is used to feed the ping goroutine a message ID we received from the client.
	pingMessageIDs := make(chan RequestID, 10)

	go func() {
		select {
		case <-done:
			s.stop()
		case <-loopDone:
		}
	}()
	if s.pingInterval > 0 {
		go s.ping(pingMessageIDs, loopDone)
	}

	// The session state lives in this goroutine only: every message is handled in arrival
	// order, so initialize always completes before the next message is looked at.
	var (
		initialized bool
		tools       ToolServer
	)

	// This loops would break when the session is closed
loop:
	for msg := range s.session.Messages() {
		// Validate JSON-RPC version before processing any message
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			if msg.ID.IsZero() {
				continue
			}
			s.goHandle(func() { s.sendResult(msg.ID, struct{}{}) })
		case MethodInitialize:
			ts, ok, fatal := s.handleInitialize(baseCtx, msg, initialized)
			if fatal {
				break loop
			}
			if ok {
				initialized = true
				tools = ts
			}
		case methodNotificationsInitialized:
			// The handshake is already complete once initialize succeeded.
		case methodNotificationsCancelled:
			s.handleCancelled(msg)
		case MethodToolsList:
			lister := s.toolServer
			if initialized {
				lister = tools
			}
			s.goHandle(func() { s.handleListTools(baseCtx, msg, lister) })
		case MethodToolsCall:
			if !initialized {
				s.goHandle(func() {
					s.sendError(msg.ID, JSONRPCError{
						Code:    ServerNotInitializedCode,
						Message: s.notInitializedMessage,
					})
				})
				continue
			}
			// Every call is cancellable, so we need to register it, so we can cancel it if the client requests it.
			callCtx, release := s.inflight.register(baseCtx, msg.ID)
			s.goHandle(func() {
				defer release()
				s.handleCallTool(callCtx, msg, tools)
			})
		case "":
			// This is a response from the client, the only requests we send are pings.
			select {
			case pingMessageIDs <- msg.ID:
			default:
			}
		default:
			if msg.ID.IsZero() {
				// Unknown notifications are ignored.
				continue
			}
			s.goHandle(func() {
				s.sendError(msg.ID, JSONRPCError{
					Code:    JSONRPCMethodNotFoundCode,
					Message: fmt.Sprintf("method not found: %s", msg.Method),
				})
			})
		}
	}

	close(loopDone)

	// When the input simply ended the handlers still running may deliver their answers,
	// a stopped or disconnected session abandons them.
	select {
	case <-s.stopped:
		baseCancel()
	case <-disconnected:
		baseCancel()
	default:
	}
	s.handlers.Wait()

	// Cancel all the contexts that we created
	baseCancel()
	s.stop()
}

func (s serverSession) goHandle(fn func()) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		fn()
	}()
}

func (s serverSession) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.session.Stop()
	})
}

// handleInitialize performs the handshake. ok reports whether the session is now initialized,
// fatal whether the session must be closed. The result and a fatal error are sent from the
// session loop, so they go out before the answer to any later message.
func (s serverSession) handleInitialize(
	ctx context.Context,
	msg JSONRPCMessage,
	initialized bool,
) (tools ToolServer, ok bool, fatal bool) {
	if initialized && s.reinitPolicy != ReinitReset {
		s.goHandle(func() {
			s.sendError(msg.ID, JSONRPCError{
				Code:    JSONRPCInvalidRequestCode,
				Message: "session already initialized",
			})
		})
		return nil, false, false
	}

	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
			s.goHandle(func() {
				s.sendError(msg.ID, JSONRPCError{
					Code:    JSONRPCInvalidParamsCode,
					Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
				})
			})
			return nil, false, false
		}
	}

	tools = s.toolServer
	if s.initializer != nil {
		ts, err := s.initializer.InitializeSession(ctx, s.session.ID(), params)
		if err != nil {
			s.logger.Error("failed to initialize session", slog.String("err", err.Error()))
			// Initialization failed, send the error to the client before closing the session.
			s.sendError(msg.ID, asJSONRPCError(err, JSONRPCInternalErrorCode))
			if s.onSessionError != nil {
				s.onSessionError(s.session.ID(), err)
			}
			return nil, false, true
		}
		tools = ts
	}

	s.sendResult(msg.ID, InitializeResult{
		ProtocolVersion: negotiateProtocolVersion(params.ProtocolVersion),
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})

	s.logger.Info("session initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", params.ProtocolVersion),
	)
	if s.onClientConnected != nil {
		s.onClientConnected(s.session.ID(), params.ClientInfo)
	}

	return tools, true, false
}

func (s serverSession) handleCancelled(msg JSONRPCMessage) {
	var params notificationsCancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
		return
	}
	if s.inflight.cancel(params.RequestID) {
		s.logger.Info("tool call cancelled by client",
			slog.String("requestID", params.RequestID.String()),
			slog.String("reason", params.Reason),
		)
	}
}

func (s serverSession) handleListTools(ctx context.Context, msg JSONRPCMessage, tools ToolServer) {
	if tools == nil {
		s.sendError(msg.ID, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		})
		return
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.sendError(msg.ID, JSONRPCError{
				Code:    JSONRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			})
			return
		}
	}

	res, err := tools.ListTools(ctx, params)
	if err != nil {
		s.sendError(msg.ID, asJSONRPCError(fmt.Errorf("failed to list tools: %w", err), JSONRPCInternalErrorCode))
		return
	}

	s.sendResult(msg.ID, res)
}

func (s serverSession) handleCallTool(ctx context.Context, msg JSONRPCMessage, tools ToolServer) {
	if tools == nil {
		s.sendError(msg.ID, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		})
		return
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		})
		return
	}

	result, err := tools.CallTool(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			// The client cancelled the call or the session is gone, nobody waits for the answer.
			s.logger.Info("tool call abandoned",
				slog.String("tool", params.Name),
				slog.String("err", err.Error()))
			return
		}
		s.logger.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		s.sendError(msg.ID, asJSONRPCError(err, JSONRPCInternalErrorCode))
		return
	}

	s.sendResult(msg.ID, result)
}

func (s serverSession) ping(messageIDs <-chan RequestID, loopDone <-chan struct{}) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID RequestID

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.stop()
			return
		}

		select {
		case <-loopDone:
			return
		case id := <-messageIDs:
			// Received id from client response, check whether it's the same as the one we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			msgID = RequestID{}
			continue
		case <-pingTicker.C:
		}

		// The previous ping was never answered.
		if !msgID.IsZero() {
			failedPings++
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = StringID(uuid.New().String())
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (s serverSession) sendResult(id RequestID, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.sendError(id, JSONRPCError{Code: JSONRPCInternalErrorCode, Message: "failed to marshal result"})
		return
	}
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (s serverSession) sendError(id RequestID, jErr JSONRPCError) {
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jErr,
	})
}

func (s serverSession) send(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message",
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
	}
}

// register returns the context of a new call and the func releasing it. A client reusing an id
// replaces the previous registration for notifications/cancelled, the previous call still runs
// to completion and releasing it leaves the newer registration alone.
func (c *inflightCalls) register(parent context.Context, id RequestID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	call := &inflightCall{cancel: cancel}

	c.mu.Lock()
	c.calls[id] = call
	c.mu.Unlock()

	return ctx, func() {
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.calls[id] == call {
			delete(c.calls, id)
		}
	}
}

func (c *inflightCalls) cancel(id RequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[id]
	if ok {
		call.cancel()
		delete(c.calls, id)
	}
	return ok
}

func asJSONRPCError(err error, code int) JSONRPCError {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return jErr
	}
	return NewJSONRPCError(code, err)
}
