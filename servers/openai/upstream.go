package openai

import (
	"context"
	"errors"
	"io"
	"iter"
	"math"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is what chat_completion forwards upstream. A zero MaxTokens leaves the limit to
// the provider. A zero Temperature goes on the wire as the smallest positive float32 (about
// 1e-45), since the client omits zero values; request logs show that number, not 0.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// EmbeddingRequest is what embeddings forwards upstream.
type EmbeddingRequest struct {
	Model string
	Input string
}

// Upstream is the LLM provider the tools are bridged to. Every method is a single network
// round trip without retries.
type Upstream interface {
	// ChatCompletion returns the text of the first choice.
	ChatCompletion(ctx context.Context, req ChatRequest) (string, error)
	// ChatCompletionStream yields the text deltas of the first choice in arrival order. An
	// error ends the sequence.
	ChatCompletionStream(ctx context.Context, req ChatRequest) iter.Seq2[string, error]
	// ListModels returns the model identifiers of the catalog in upstream order.
	ListModels(ctx context.Context) ([]string, error)
	// Embeddings returns the embedding vectors in upstream order.
	Embeddings(ctx context.Context, req EmbeddingRequest) ([][]float32, error)
}

// UpstreamFactory builds the Upstream of one session from its credential.
type UpstreamFactory func(apiKey string) (Upstream, error)

// ClientOptions tunes the OpenAI client beyond the API key.
type ClientOptions struct {
	// BaseURL overrides the API root, e.g. for a proxy or a compatible provider.
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
}

type openAIUpstream struct {
	client *goopenai.Client
}

var errNoChoices = errors.New("no choices returned")

// NewOpenAIUpstream returns an Upstream backed by the OpenAI API.
func NewOpenAIUpstream(apiKey string, opts ClientOptions) Upstream {
	cfg := goopenai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Organization != "" {
		cfg.OrgID = opts.Organization
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return openAIUpstream{client: goopenai.NewClientWithConfig(cfg)}
}

// OpenAIFactory returns an UpstreamFactory creating OpenAI clients with opts.
func OpenAIFactory(opts ClientOptions) UpstreamFactory {
	return func(apiKey string) (Upstream, error) {
		if apiKey == "" {
			return nil, missingCredential("empty API key")
		}
		return NewOpenAIUpstream(apiKey, opts), nil
	}
}

func (u openAIUpstream) ChatCompletion(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := u.client.CreateChatCompletion(ctx, chatCompletionRequest(req, false))
	if err != nil {
		return "", fromOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fromOpenAIError(errNoChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

func (u openAIUpstream) ChatCompletionStream(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := u.client.CreateChatCompletionStream(ctx, chatCompletionRequest(req, true))
		if err != nil {
			yield("", fromOpenAIError(err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fromOpenAIError(err))
				return
			}
			// Role-only and usage chunks carry no choice content.
			if len(resp.Choices) == 0 {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (u openAIUpstream) ListModels(ctx context.Context) ([]string, error) {
	list, err := u.client.ListModels(ctx)
	if err != nil {
		return nil, fromOpenAIError(err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (u openAIUpstream) Embeddings(ctx context.Context, req EmbeddingRequest) ([][]float32, error) {
	resp, err := u.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{req.Input},
		Model: goopenai.EmbeddingModel(req.Model),
	})
	if err != nil {
		return nil, fromOpenAIError(err)
	}
	vectors := make([][]float32, 0, len(resp.Data))
	for _, d := range resp.Data {
		vectors = append(vectors, d.Embedding)
	}
	return vectors, nil
}

func chatCompletionRequest(req ChatRequest, stream bool) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	temperature := float32(req.Temperature)
	if temperature == 0 {
		// The client drops a zero temperature from the payload, which would mean the
		// provider default instead of greedy sampling.
		temperature = math.SmallestNonzeroFloat32
	}

	return goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func fromOpenAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return UpstreamError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return UpstreamError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Err:        err,
		}
	}
	return UpstreamError{Message: err.Error(), Err: err}
}
