package openai

import (
	"errors"
	"fmt"
	"strings"
)

// NotInitializedMessage is returned to clients calling a tool before the handshake supplied
// a credential.
const NotInitializedMessage = "OpenAI client not initialized. Please provide API key during initialization."

var (
	// ErrMissingCredential is returned when no OpenAI API key can be resolved for a session.
	// It is fatal: the stdio process exits, an SSE handshake is rejected.
	ErrMissingCredential = errors.New("missing OpenAI API key")

	// ErrNotInitialized is returned when a tool is dispatched without an upstream client.
	ErrNotInitialized = errors.New("openai client not initialized")

	// ErrUnauthorized is returned by the HTTP gate when the bearer token doesn't match.
	ErrUnauthorized = errors.New("unauthorized")
)

// UnknownToolError is returned for tool names outside the registry.
type UnknownToolError struct {
	Name string
}

// InvalidArgumentsError is returned when the arguments of a call don't satisfy the tool's
// input schema.
type InvalidArgumentsError struct {
	Tool     string
	Problems []string
}

// UpstreamError wraps any failure of the upstream API. The message carries the upstream's
// own text verbatim.
type UpstreamError struct {
	// StatusCode is the HTTP status of the upstream response, zero for transport failures.
	StatusCode int
	Message    string
	Err        error
}

func (e UnknownToolError) Error() string {
	return "Unknown tool: " + e.Name
}

func (e InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e UpstreamError) Error() string {
	return "OpenAI API error: " + e.Message
}

func (e UpstreamError) Unwrap() error {
	return e.Err
}

func missingCredential(hint string) error {
	return fmt.Errorf("%w: %s", ErrMissingCredential, hint)
}

func upstreamError(err error) error {
	var uErr UpstreamError
	if errors.As(err, &uErr) {
		return err
	}
	return UpstreamError{Message: err.Error(), Err: err}
}
