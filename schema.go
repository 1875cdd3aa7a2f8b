package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID identifies a JSON-RPC request. The protocol allows either a string or a number, and
// a response must echo the id with the same JSON type the peer used, so RequestID remembers
// which one it was decoded from.
type RequestID struct {
	value  string
	number bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`

	cause error
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// InitializeParams is the payload of the client's initialize request.
//
// Config carries implementation specific settings sent by the client during the handshake,
// for example the credentials a session should use. The engine passes it through untouched.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
	Config          json.RawMessage    `json:"config,omitempty"`
}

// InitializeResult is the server's answer to a successful initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities. The bridge only records them, so the
// individual capability objects are kept as raw JSON.
type ClientCapabilities struct {
	Roots        json.RawMessage `json:"roots,omitempty"`
	Sampling     json.RawMessage `json:"sampling,omitempty"`
	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// ContentType represents the type of content in messages.
type ContentType string

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ContentTypeText is the only content kind the tools produce.
const ContentTypeText ContentType = "text"

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the method name of the session handshake.
	MethodInitialize = "initialize"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// LatestProtocolVersion is returned when the client asks for a version the server doesn't know.
	LatestProtocolVersion = "2025-03-26"

	// JSONRPCParseErrorCode is returned for payloads that are not valid JSON.
	JSONRPCParseErrorCode = -32700
	// JSONRPCInvalidRequestCode is returned for requests that are valid JSON but not acceptable now.
	JSONRPCInvalidRequestCode = -32600
	// JSONRPCMethodNotFoundCode is returned for unknown methods.
	JSONRPCMethodNotFoundCode = -32601
	// JSONRPCInvalidParamsCode is returned when the params can't be used.
	JSONRPCInvalidParamsCode = -32602
	// JSONRPCInternalErrorCode is returned when handling failed on the server side.
	JSONRPCInternalErrorCode = -32603
	// ServerNotInitializedCode is returned for tool calls received before a successful initialize.
	ServerNotInitializedCode = -32002

	methodPing = "ping"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
)

// supportedProtocolVersions lists every version the server is willing to echo back, newest first.
var supportedProtocolVersions = []string{LatestProtocolVersion, "2024-11-05", "0.1.0"}

// StringID returns a RequestID encoded as a JSON string.
func StringID(id string) RequestID {
	return RequestID{value: id}
}

// NumberID returns a RequestID encoded as a JSON number.
func NumberID(id int64) RequestID {
	return RequestID{value: fmt.Sprintf("%d", id), number: true}
}

// String returns the textual form of the id.
func (r RequestID) String() string {
	return r.value
}

// IsZero reports whether the id is absent, which is the case for notifications.
func (r RequestID) IsZero() bool {
	return r.value == "" && !r.number
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and numeric ids.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*r = RequestID{}
	case string:
		*r = RequestID{value: v}
	case json.Number:
		*r = RequestID{value: v.String(), number: true}
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, echoing the id with its original JSON type.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.number {
		return []byte(r.value), nil
	}
	return json.Marshal(r.value)
}

// NewJSONRPCError wraps err into a JSONRPCError with the given code. The wrapped error stays
// reachable through errors.Is and errors.As.
func NewJSONRPCError(code int, err error) JSONRPCError {
	return JSONRPCError{
		Code:    code,
		Message: err.Error(),
		cause:   err,
	}
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

// Unwrap returns the error the JSONRPCError was built from, if any.
func (j JSONRPCError) Unwrap() error {
	return j.cause
}

func negotiateProtocolVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}
