// Package openai bridges the OpenAI API to MCP tools. It provides the tool registry,
// the dispatcher translating tool calls into upstream requests, the session initializer
// resolving each session's credential, and the HTTP surface of the SSE variant.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/openai-mcp"
)

// CredentialSource selects where a session's OpenAI API key comes from.
type CredentialSource string

const (
	// CredentialEnv uses the process environment only. The key must be known at startup.
	CredentialEnv CredentialSource = "env"
	// CredentialEnvOrInit uses the process environment, falling back to the key sent in the
	// initialize request.
	CredentialEnvOrInit CredentialSource = "env-or-init"
	// CredentialInit uses the key sent in the initialize request only, so every session
	// brings its own.
	CredentialInit CredentialSource = "init"
)

// Server is the mcp.ToolServer of one session.
type Server struct {
	registry   *Registry
	dispatcher *Dispatcher
}

// SessionInitializer implements mcp.SessionInitializer, building a fresh upstream client for
// every session that completes the handshake.
type SessionInitializer struct {
	registry    *Registry
	source      CredentialSource
	envKey      string
	newUpstream UpstreamFactory
	logger      *slog.Logger
}

// initConfig is the implementation specific part of the initialize params.
type initConfig struct {
	OpenAIAPIKey string `json:"openaiApiKey"`
}

// NewServer returns the tool server of a session bound to upstream. With a nil upstream the
// tools are listed but every call fails with ErrNotInitialized.
func NewServer(registry *Registry, upstream Upstream, logger *slog.Logger) Server {
	return Server{
		registry:   registry,
		dispatcher: NewDispatcher(registry, upstream, logger),
	}
}

// NewSessionInitializer creates the initializer. envKey is the key found in the environment,
// it is ignored for CredentialInit.
func NewSessionInitializer(
	registry *Registry,
	source CredentialSource,
	envKey string,
	newUpstream UpstreamFactory,
	logger *slog.Logger,
) SessionInitializer {
	if logger == nil {
		logger = slog.Default()
	}
	return SessionInitializer{
		registry:    registry,
		source:      source,
		envKey:      envKey,
		newUpstream: newUpstream,
		logger:      logger,
	}
}

// ListTools implements mcp.ToolServer.
func (s Server) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: s.registry.Tools()}, nil
}

// CallTool implements mcp.ToolServer. Failures are returned as mcp.JSONRPCError so the client
// receives a protocol level error.
func (s Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	res, err := s.dispatcher.Dispatch(ctx, params.Name, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, toJSONRPCError(err)
	}
	return res, nil
}

// CheckStartup reports ErrMissingCredential when the source requires a key from the
// environment and there is none. It lets the process fail before reading any frame.
func (i SessionInitializer) CheckStartup() error {
	if i.source == CredentialEnv && i.envKey == "" {
		return missingCredential("OPENAI_API_KEY environment variable is required")
	}
	return nil
}

// InitializeSession implements mcp.SessionInitializer.
func (i SessionInitializer) InitializeSession(
	_ context.Context,
	sessionID string,
	params mcp.InitializeParams,
) (mcp.ToolServer, error) {
	logger := i.logger.With(slog.String("sessionID", sessionID))

	key, err := i.resolveCredential(params.Config)
	if err != nil {
		return nil, mcp.NewJSONRPCError(mcp.JSONRPCInvalidParamsCode, err)
	}

	upstream, err := i.newUpstream(key)
	if err != nil {
		return nil, mcp.NewJSONRPCError(mcp.JSONRPCInternalErrorCode,
			fmt.Errorf("failed to create OpenAI client: %w", err))
	}

	logger.Info("upstream client ready", slog.String("credentialSource", string(i.source)))

	return NewServer(i.registry, upstream, logger), nil
}

func (i SessionInitializer) resolveCredential(rawConfig json.RawMessage) (string, error) {
	if i.source != CredentialInit && i.envKey != "" {
		return i.envKey, nil
	}
	if i.source == CredentialEnv {
		return "", missingCredential("OPENAI_API_KEY environment variable is required")
	}

	var cfg initConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return "", fmt.Errorf("invalid initialization config: %w", err)
		}
	}
	if cfg.OpenAIAPIKey == "" {
		return "", missingCredential("OpenAI API key must be provided in initialization config")
	}
	return cfg.OpenAIAPIKey, nil
}

func toJSONRPCError(err error) error {
	var unknownErr UnknownToolError
	var argsErr InvalidArgumentsError
	var upstreamErr UpstreamError

	switch {
	case errors.As(err, &unknownErr), errors.As(err, &argsErr):
		return mcp.NewJSONRPCError(mcp.JSONRPCInvalidParamsCode, err)
	case errors.Is(err, ErrNotInitialized):
		return mcp.JSONRPCError{Code: mcp.ServerNotInitializedCode, Message: NotInitializedMessage}
	case errors.As(err, &upstreamErr):
		jErr := mcp.NewJSONRPCError(mcp.JSONRPCInternalErrorCode, err)
		if upstreamErr.StatusCode != 0 {
			jErr.Data = map[string]any{"status": upstreamErr.StatusCode}
		}
		return jErr
	default:
		return mcp.NewJSONRPCError(mcp.JSONRPCInternalErrorCode, err)
	}
}
