package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client that manages server connections
// and bidirectional message handling. It provides real-time communication through SSE for
// server-to-client streaming and HTTP POST for client-to-server messages.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	headers    http.Header
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done           chan struct{}
	disconnected   chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseClientSession struct {
	id         string
	client     *SSEClient
	messageURL string
	messages   chan JSONRPCMessage
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   *sync.Once
	readClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	errs   chan error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// sessionMessageBuffer is how many POSTed messages a session may have queued before further
// ones are refused with 429.
const sessionMessageBuffer = 32

var (
	errSessionNotFound = errors.New("session not found")
	errSessionClosed   = errors.New("session is closed")
	errSessionBusy     = errors.New("session is busy")
)

// NewSSEServer creates and initializes a new SSE server. messageURL is the address clients
// must POST their messages to, it is advertised in the endpoint event of every connection.
// The returned SSEServer must be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		headers:    make(http.Header),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHeader adds a header to every request the client makes, both the event
// stream and the posted messages. Use it for the Authorization header.
func WithSSEClientHeader(key, value string) SSEClientOption {
	return func(s *SSEClient) {
		s.headers.Add(key, value)
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(slog.String("component", "sse-client"))
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server. Use this method to access and
// interact with connected clients through the Session interface.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				sessionsMap[sess.id] = sess

				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					msg.errs <- errSessionNotFound
					continue
				}

				// Forward the message to the session, unless it is already going away. This loop
				// serves every connection, so a session that doesn't keep up is refused rather than
				// waited for.
				select {
				case <-s.done:
					msg.errs <- errSessionClosed
					return
				case <-session.done:
					msg.errs <- errSessionClosed
				case <-session.disconnected:
					msg.errs <- errSessionClosed
				case session.receivedMsgs <- msg.msg:
					msg.errs <- nil
				default:
					msg.errs <- errSessionBusy
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	close(s.done)

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects, the session is stopped or the server closes. A client
// disconnect ends the session.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:       make(chan sseServerSessionSendMsg, 5),
			receivedMsgs:   make(chan JSONRPCMessage, sessionMessageBuffer),
			done:           make(chan struct{}),
			disconnected:   make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		// Register the session before advertising its endpoint, so the first POST always finds it.
		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.sessions <- srvSession:
		}

		endpointErr := s.sendEndpoint(sess, sessID)
		// From here on the send loop is the only writer of the stream.
		go srvSession.processSendMessages()

		if endpointErr != nil {
			srvSession.logger.Error("failed to send endpoint", slog.String("err", endpointErr.Error()))
			close(srvSession.disconnected)
		} else {
			srvSession.logger.Info("client connected", slog.String("remoteAddr", r.RemoteAddr))

			// Block until the session is closed, so the connection is left open.
			select {
			case <-r.Context().Done():
				// Connection is gone, end the session's message stream so its owner releases it.
				close(srvSession.disconnected)
				srvSession.logger.Info("client disconnected")
			case <-srvSession.done:
			}
		}

		select {
		case <-srvSession.sendClosed:
		case <-s.closed:
		}
		select {
		case <-srvSession.receivedClosed:
		case <-s.closed:
		}

		// Notify the main loop that this session is closed.
		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// sendEndpoint tells the client where to POST its messages, using the "endpoint" event type.
func (s SSEServer) sendEndpoint(sess *sse.Session, sessID string) error {
	msg := sse.Message{
		Type: sse.Type("endpoint"),
	}
	msg.AppendData(fmt.Sprintf("%s?sessionId=%s", s.messageURL, sessID))
	if err := sess.Send(&msg); err != nil {
		return fmt.Errorf("failed to write endpoint: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush endpoint: %w", err)
	}
	return nil
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionId query parameter and a JSON-encoded message
// body. Valid messages are routed to their corresponding Session's message stream,
// accessible through the Sessions iterator, and acknowledged with 202 Accepted. A session whose
// queue is full gets 429 Too Many Requests.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionId")
		if sessID == "" {
			s.logger.Warn("missing sessionId query parameter")
			http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		// Feed the receivedMessages channel so the Sessions loop can route it to the correct session.
		sm := sseSessionMessage{sessID: sessID, msg: msg, errs: make(chan error, 1)}
		select {
		case <-s.done:
			http.Error(w, errSessionClosed.Error(), http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sm:
		}

		if err := <-sm.errs; err != nil {
			status := http.StatusGone
			switch {
			case errors.Is(err, errSessionNotFound):
				status = http.StatusNotFound
			case errors.Is(err, errSessionBusy):
				status = http.StatusTooManyRequests
				w.Header().Set("Retry-After", "1")
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Accepted"))
	})
}

// StartSession establishes the SSE connection and waits for the server to advertise its
// message endpoint. The returned Session posts messages to that endpoint and yields the
// server's messages until the context is cancelled, the stream ends or Stop is called.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		client:     s,
		messages:   make(chan JSONRPCMessage),
		ctx:        connCtx,
		cancel:     cancel,
		stopOnce:   &sync.Once{},
		readClosed: make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	}

	return sess, nil
}

func (s *SSEClient) setHeaders(req *http.Request) {
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	s.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.readClosed
	})
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if s.client.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.client.maxPayloadSize,
		}
	}

	endpointReceived := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.client.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			if !endpointReceived {
				ready <- fmt.Errorf("failed to read endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointReceived {
				s.client.logger.Warn("ignoring repeated endpoint event", slog.String("endpoint", ev.Data))
				continue
			}
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- err
				return
			}
			s.messageURL = u
			endpointReceived = true
			close(ready)
		case "message":
			// Messages are only meaningful once we know where to answer.
			if !endpointReceived {
				s.client.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.client.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.ctx.Done():
				return
			}
		default:
			s.client.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointReceived {
		ready <- errors.New("stream ended before endpoint event")
	}
}

// resolveEndpoint turns the advertised endpoint, usually a path, into an absolute URL
// relative to the address the client connected to.
func (s *sseClientSession) resolveEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	base, err := url.Parse(s.client.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func (s sseServerSession) ID() string { return s.id }

// Disconnected implements DisconnectNotifier, the channel is closed once the event stream is gone.
func (s sseServerSession) Disconnected() <-chan struct{} { return s.disconnected }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errSessionClosed
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errSessionClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.disconnected:
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
