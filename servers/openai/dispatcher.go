package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/openai-mcp"
)

// Dispatcher resolves a tool call against the registry and forwards it to the upstream client
// of one session. Its result is always a single text block.
type Dispatcher struct {
	registry *Registry
	upstream Upstream
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for registry bound to upstream. A nil upstream makes
// every known tool fail with ErrNotInitialized.
func NewDispatcher(registry *Registry, upstream Upstream, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		upstream: upstream,
		logger:   logger,
	}
}

// Dispatch runs the named tool with the raw JSON arguments.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) (mcp.CallToolResult, error) {
	if !d.registry.Has(name) {
		return mcp.CallToolResult{}, UnknownToolError{Name: name}
	}
	if d.upstream == nil {
		return mcp.CallToolResult{}, ErrNotInitialized
	}
	if err := d.registry.Validate(ctx, name, args); err != nil {
		return mcp.CallToolResult{}, err
	}

	d.logger.Debug("dispatching tool call", slog.String("tool", name))

	var (
		text string
		err  error
	)
	switch name {
	case ToolChatCompletion:
		text, err = d.chatCompletion(ctx, args)
	case ToolListModels:
		text, err = d.listModels(ctx)
	case ToolEmbeddings:
		text, err = d.embeddings(ctx, args)
	}
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(text), nil
}

func (d *Dispatcher) chatCompletion(ctx context.Context, raw json.RawMessage) (string, error) {
	var args chatCompletionArgs
	if err := decodeArgs(ToolChatCompletion, raw, &args); err != nil {
		return "", err
	}

	req := ChatRequest{
		Model:       args.Model,
		Temperature: defaultTemperature,
		MaxTokens:   args.MaxTokens,
		Messages:    make([]ChatMessage, 0, len(args.Messages)),
	}
	if req.Model == "" {
		req.Model = d.registry.Profile().DefaultChatModel
	}
	if args.Temperature != nil {
		req.Temperature = *args.Temperature
	}
	for _, m := range args.Messages {
		req.Messages = append(req.Messages, ChatMessage{Role: m.Role, Content: m.Content})
	}

	if args.Stream && d.registry.Profile().AllowStream {
		return d.accumulateStream(ctx, req)
	}

	text, err := d.upstream.ChatCompletion(ctx, req)
	if err != nil {
		return "", upstreamError(err)
	}
	return text, nil
}

// accumulateStream concatenates every delta in arrival order. A stream failing midway
// yields the error only, never the partial text.
func (d *Dispatcher) accumulateStream(ctx context.Context, req ChatRequest) (string, error) {
	var sb strings.Builder
	chunks := 0
	for delta, err := range d.upstream.ChatCompletionStream(ctx, req) {
		if err != nil {
			return "", upstreamError(err)
		}
		sb.WriteString(delta)
		chunks++
	}
	d.logger.Debug("chat completion stream finished", slog.Int("chunks", chunks))
	return sb.String(), nil
}

func (d *Dispatcher) listModels(ctx context.Context) (string, error) {
	ids, err := d.upstream.ListModels(ctx)
	if err != nil {
		return "", upstreamError(err)
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	return "Available models:\n" + strings.Join(ids, "\n"), nil
}

func (d *Dispatcher) embeddings(ctx context.Context, raw json.RawMessage) (string, error) {
	var args embeddingsArgs
	if err := decodeArgs(ToolEmbeddings, raw, &args); err != nil {
		return "", err
	}
	if args.Model == "" {
		args.Model = defaultEmbeddingModel
	}

	vectors, err := d.upstream.Embeddings(ctx, EmbeddingRequest{Model: args.Model, Input: args.Input})
	if err != nil {
		return "", upstreamError(err)
	}
	if len(vectors) == 0 {
		return "", UpstreamError{Message: "no embeddings returned"}
	}

	bs, err := json.Marshal(vectors[0])
	if err != nil {
		return "", fmt.Errorf("failed to encode embedding: %w", err)
	}
	return string(bs), nil
}

func decodeArgs(tool string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return InvalidArgumentsError{Tool: tool, Problems: []string{err.Error()}}
	}
	return nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}
