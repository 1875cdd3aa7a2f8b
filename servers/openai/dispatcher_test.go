package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/MegaGrindStone/openai-mcp"
	"github.com/MegaGrindStone/openai-mcp/servers/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu        sync.Mutex
	chatReqs  []openai.ChatRequest
	streamed  bool
	embedReqs []openai.EmbeddingRequest

	chatText     string
	streamChunks []string
	streamErr    error
	models       []string
	vectors      [][]float32
	err          error
}

func (f *fakeUpstream) ChatCompletion(_ context.Context, req openai.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatReqs = append(f.chatReqs, req)
	return f.chatText, f.err
}

func (f *fakeUpstream) ChatCompletionStream(_ context.Context, req openai.ChatRequest) iter.Seq2[string, error] {
	f.mu.Lock()
	f.chatReqs = append(f.chatReqs, req)
	f.streamed = true
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, c := range f.streamChunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

func (f *fakeUpstream) ListModels(context.Context) ([]string, error) {
	return f.models, f.err
}

func (f *fakeUpstream) Embeddings(_ context.Context, req openai.EmbeddingRequest) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedReqs = append(f.embedReqs, req)
	return f.vectors, f.err
}

func newDispatcher(t *testing.T, profile openai.Profile, upstream openai.Upstream) *openai.Dispatcher {
	t.Helper()

	registry, err := openai.NewRegistry(profile)
	require.NoError(t, err)
	return openai.NewDispatcher(registry, upstream, nil)
}

func onlyText(t *testing.T, res mcp.CallToolResult) string {
	t.Helper()

	require.Len(t, res.Content, 1)
	assert.Equal(t, mcp.ContentTypeText, res.Content[0].Type)
	assert.False(t, res.IsError)
	return res.Content[0].Text
}

func TestChatCompletionDefaults(t *testing.T) {
	tests := []struct {
		name    string
		profile openai.Profile
		model   string
	}{
		{name: "stdio", profile: openai.StdioProfile, model: "gpt-3.5-turbo"},
		{name: "sse", profile: openai.SSEProfile, model: "gpt-4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &fakeUpstream{chatText: "Hello from OpenAI!"}
			d := newDispatcher(t, tt.profile, upstream)

			res, err := d.Dispatch(context.Background(), openai.ToolChatCompletion,
				json.RawMessage(`{"messages":[{"role":"user","content":"Say hi"}]}`))
			require.NoError(t, err)
			assert.Equal(t, "Hello from OpenAI!", onlyText(t, res))

			require.Len(t, upstream.chatReqs, 1)
			req := upstream.chatReqs[0]
			assert.Equal(t, tt.model, req.Model)
			assert.InDelta(t, 0.7, req.Temperature, 1e-9)
			assert.Zero(t, req.MaxTokens)
			assert.Equal(t, []openai.ChatMessage{{Role: "user", Content: "Say hi"}}, req.Messages)
		})
	}
}

func TestChatCompletionExplicitArguments(t *testing.T) {
	upstream := &fakeUpstream{chatText: "ok"}
	d := newDispatcher(t, openai.StdioProfile, upstream)

	_, err := d.Dispatch(context.Background(), openai.ToolChatCompletion, json.RawMessage(`{
		"model": "gpt-4o",
		"messages": [{"role":"system","content":"Be brief"},{"role":"user","content":"Hi"}],
		"temperature": 0,
		"max_tokens": 50
	}`))
	require.NoError(t, err)

	require.Len(t, upstream.chatReqs, 1)
	req := upstream.chatReqs[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Zero(t, req.Temperature)
	assert.Equal(t, 50, req.MaxTokens)
	assert.Len(t, req.Messages, 2)
}

func TestChatCompletionStream(t *testing.T) {
	t.Run("concatenates deltas", func(t *testing.T) {
		upstream := &fakeUpstream{streamChunks: []string{"Hel", "", "lo", "!"}}
		d := newDispatcher(t, openai.SSEProfile, upstream)

		res, err := d.Dispatch(context.Background(), openai.ToolChatCompletion,
			json.RawMessage(`{"messages":[{"role":"user","content":"Hi"}],"stream":true}`))
		require.NoError(t, err)
		assert.Equal(t, "Hello!", onlyText(t, res))
		assert.True(t, upstream.streamed)
	})

	t.Run("fails without partial text", func(t *testing.T) {
		upstream := &fakeUpstream{
			streamChunks: []string{"Hel"},
			streamErr:    openai.UpstreamError{StatusCode: 500, Message: "stream broke"},
		}
		d := newDispatcher(t, openai.SSEProfile, upstream)

		res, err := d.Dispatch(context.Background(), openai.ToolChatCompletion,
			json.RawMessage(`{"messages":[{"role":"user","content":"Hi"}],"stream":true}`))
		var upstreamErr openai.UpstreamError
		require.ErrorAs(t, err, &upstreamErr)
		assert.Equal(t, "OpenAI API error: stream broke", err.Error())
		assert.Empty(t, res.Content)
	})

	t.Run("ignored when the profile has no streaming", func(t *testing.T) {
		upstream := &fakeUpstream{chatText: "whole"}
		d := newDispatcher(t, openai.StdioProfile, upstream)

		res, err := d.Dispatch(context.Background(), openai.ToolChatCompletion,
			json.RawMessage(`{"messages":[{"role":"user","content":"Hi"}],"stream":true}`))
		require.NoError(t, err)
		assert.Equal(t, "whole", onlyText(t, res))
		assert.False(t, upstream.streamed)
	})
}

func TestListModelsSorted(t *testing.T) {
	models := []string{"gpt-4", "dall-e-3", "gpt-3.5-turbo"}
	upstream := &fakeUpstream{models: models}
	d := newDispatcher(t, openai.StdioProfile, upstream)

	res, err := d.Dispatch(context.Background(), openai.ToolListModels, nil)
	require.NoError(t, err)
	assert.Equal(t, "Available models:\ndall-e-3\ngpt-3.5-turbo\ngpt-4", onlyText(t, res))
	assert.Equal(t, []string{"gpt-4", "dall-e-3", "gpt-3.5-turbo"}, models, "upstream slice must not be reordered")
}

func TestListModelsEmpty(t *testing.T) {
	d := newDispatcher(t, openai.StdioProfile, &fakeUpstream{})

	res, err := d.Dispatch(context.Background(), openai.ToolListModels, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Available models:\n", onlyText(t, res))
}

func TestEmbeddings(t *testing.T) {
	upstream := &fakeUpstream{vectors: [][]float32{{0.25, -1, 0.5}, {9, 9, 9}}}
	d := newDispatcher(t, openai.StdioProfile, upstream)

	res, err := d.Dispatch(context.Background(), openai.ToolEmbeddings, json.RawMessage(`{"input":"hello"}`))
	require.NoError(t, err)

	var vector []float32
	require.NoError(t, json.Unmarshal([]byte(onlyText(t, res)), &vector))
	assert.Equal(t, []float32{0.25, -1, 0.5}, vector)

	require.Len(t, upstream.embedReqs, 1)
	assert.Equal(t, openai.EmbeddingRequest{Model: "text-embedding-3-small", Input: "hello"}, upstream.embedReqs[0])
}

func TestEmbeddingsWithoutVectors(t *testing.T) {
	d := newDispatcher(t, openai.StdioProfile, &fakeUpstream{})

	_, err := d.Dispatch(context.Background(), openai.ToolEmbeddings, json.RawMessage(`{"input":"hello","model":"m"}`))
	var upstreamErr openai.UpstreamError
	assert.ErrorAs(t, err, &upstreamErr)
}

func TestDispatchErrors(t *testing.T) {
	upstreamFailure := errors.New("connection refused")

	tests := []struct {
		name     string
		upstream openai.Upstream
		tool     string
		args     string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "unknown tool",
			upstream: &fakeUpstream{},
			tool:     "generate_image",
			check: func(t *testing.T, err error) {
				var unknown openai.UnknownToolError
				require.ErrorAs(t, err, &unknown)
				assert.Equal(t, "Unknown tool: generate_image", err.Error())
			},
		},
		{
			name:     "unknown tool without upstream",
			upstream: nil,
			tool:     "generate_image",
			check: func(t *testing.T, err error) {
				var unknown openai.UnknownToolError
				assert.ErrorAs(t, err, &unknown)
			},
		},
		{
			name:     "no upstream",
			upstream: nil,
			tool:     openai.ToolListModels,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, openai.ErrNotInitialized)
			},
		},
		{
			name:     "missing messages",
			upstream: &fakeUpstream{},
			tool:     openai.ToolChatCompletion,
			args:     `{"model":"gpt-4"}`,
			check: func(t *testing.T, err error) {
				var invalid openai.InvalidArgumentsError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, openai.ToolChatCompletion, invalid.Tool)
			},
		},
		{
			name:     "temperature out of range",
			upstream: &fakeUpstream{},
			tool:     openai.ToolChatCompletion,
			args:     `{"messages":[{"role":"user","content":"Hi"}],"temperature":3}`,
			check: func(t *testing.T, err error) {
				var invalid openai.InvalidArgumentsError
				assert.ErrorAs(t, err, &invalid)
			},
		},
		{
			name:     "unknown role",
			upstream: &fakeUpstream{},
			tool:     openai.ToolChatCompletion,
			args:     `{"messages":[{"role":"robot","content":"Hi"}]}`,
			check: func(t *testing.T, err error) {
				var invalid openai.InvalidArgumentsError
				assert.ErrorAs(t, err, &invalid)
			},
		},
		{
			name:     "missing input",
			upstream: &fakeUpstream{},
			tool:     openai.ToolEmbeddings,
			args:     `{}`,
			check: func(t *testing.T, err error) {
				var invalid openai.InvalidArgumentsError
				assert.ErrorAs(t, err, &invalid)
			},
		},
		{
			name:     "upstream failure",
			upstream: &fakeUpstream{err: upstreamFailure},
			tool:     openai.ToolListModels,
			check: func(t *testing.T, err error) {
				var upstreamErr openai.UpstreamError
				require.ErrorAs(t, err, &upstreamErr)
				assert.ErrorIs(t, err, upstreamFailure)
				assert.Equal(t, "OpenAI API error: connection refused", err.Error())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(t, openai.SSEProfile, tt.upstream)

			var args json.RawMessage
			if tt.args != "" {
				args = json.RawMessage(tt.args)
			}
			_, err := d.Dispatch(context.Background(), tt.tool, args)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}
