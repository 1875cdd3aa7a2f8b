package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/openai-mcp"
	"github.com/invopop/jsonschema"
	qrischema "github.com/qri-io/jsonschema"
)

// Tool names.
const (
	ToolChatCompletion = "chat_completion"
	ToolListModels     = "list_models"
	ToolEmbeddings     = "embeddings"
)

const (
	defaultTemperature    = 0.7
	defaultEmbeddingModel = "text-embedding-3-small"
)

// Profile captures what differs between the two ways the bridge is served.
type Profile struct {
	// Info identifies the server in the initialize result.
	Info mcp.Info
	// DefaultChatModel is used by chat_completion when the caller doesn't pick a model.
	DefaultChatModel string
	// AllowStream exposes the stream argument of chat_completion.
	AllowStream bool
}

var (
	// StdioProfile is served to a single client over standard input/output.
	StdioProfile = Profile{
		Info:             mcp.Info{Name: "openai-mcp", Version: "1.0.0"},
		DefaultChatModel: "gpt-3.5-turbo",
	}
	// SSEProfile is served to many clients over HTTP, each with its own credential.
	SSEProfile = Profile{
		Info:             mcp.Info{Name: "openai-bridge", Version: "1.0.0"},
		DefaultChatModel: "gpt-4",
		AllowStream:      true,
	}
)

// Registry is the static set of tools the bridge exposes, in a fixed order, together with
// the compiled schemas used to validate their arguments.
type Registry struct {
	profile Profile
	tools   []mcp.Tool
	schemas map[string]*qrischema.Schema
}

type chatMessageArgs struct {
	Role    string `json:"role" jsonschema:"enum=system,enum=user,enum=assistant" jsonschema_description:"The role of the message author"`
	Content string `json:"content" jsonschema_description:"The content of the message"`
}

type chatCompletionArgs struct {
	Model       string            `json:"model,omitempty" jsonschema_description:"The model to use for completion"`
	Messages    []chatMessageArgs `json:"messages" jsonschema_description:"Array of messages in the conversation"`
	Temperature *float64          `json:"temperature,omitempty" jsonschema:"default=0.7,minimum=0,maximum=2" jsonschema_description:"Sampling temperature (0-2)"`
	MaxTokens   int               `json:"max_tokens,omitempty" jsonschema_description:"Maximum number of tokens to generate"`
	Stream      bool              `json:"stream,omitempty" jsonschema:"default=false" jsonschema_description:"Whether to stream the response"`
}

type listModelsArgs struct{}

type embeddingsArgs struct {
	Input string `json:"input" jsonschema_description:"The text to embed"`
	Model string `json:"model,omitempty" jsonschema:"default=text-embedding-3-small" jsonschema_description:"The embedding model to use"`
}

// NewRegistry builds the tool list for profile.
func NewRegistry(profile Profile) (*Registry, error) {
	r := &Registry{
		profile: profile,
		schemas: make(map[string]*qrischema.Schema),
	}

	chatSchema := reflectInputSchema[chatCompletionArgs]()
	if model, ok := chatSchema.Properties.Get("model"); ok {
		model.Default = profile.DefaultChatModel
	}
	if !profile.AllowStream {
		chatSchema.Properties.Delete("stream")
	}

	defs := []struct {
		name        string
		description string
		schema      *jsonschema.Schema
	}{
		{ToolChatCompletion, "Generate a chat completion using OpenAI models", chatSchema},
		{ToolListModels, "List available OpenAI models", reflectInputSchema[listModelsArgs]()},
		{ToolEmbeddings, "Generate embeddings for text using OpenAI embedding models", reflectInputSchema[embeddingsArgs]()},
	}

	for _, def := range defs {
		bs, err := json.Marshal(def.schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s schema: %w", def.name, err)
		}

		validator := &qrischema.Schema{}
		if err := json.Unmarshal(bs, validator); err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", def.name, err)
		}

		r.tools = append(r.tools, mcp.Tool{
			Name:        def.name,
			Description: def.description,
			InputSchema: bs,
		})
		r.schemas[def.name] = validator
	}

	return r, nil
}

// Profile returns the profile the registry was built for.
func (r *Registry) Profile() Profile {
	return r.profile
}

// Tools returns the descriptors of every tool, in registry order.
func (r *Registry) Tools() []mcp.Tool {
	tools := make([]mcp.Tool, len(r.tools))
	copy(tools, r.tools)
	return tools
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.schemas[name]
	return ok
}

// Validate checks args against the input schema of the named tool. Missing arguments are
// treated as an empty object.
func (r *Registry) Validate(ctx context.Context, name string, args json.RawMessage) error {
	schema, ok := r.schemas[name]
	if !ok {
		return UnknownToolError{Name: name}
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	keyErrs, err := schema.ValidateBytes(ctx, args)
	if err != nil {
		return InvalidArgumentsError{Tool: name, Problems: []string{err.Error()}}
	}
	if len(keyErrs) == 0 {
		return nil
	}

	problems := make([]string, 0, len(keyErrs))
	for _, ke := range keyErrs {
		problems = append(problems, fmt.Sprintf("%s: %s", ke.PropertyPath, ke.Message))
	}
	return InvalidArgumentsError{Tool: name, Problems: problems}
}

// reflectInputSchema reflects the arguments struct A into an object schema, inlining every
// nested definition.
func reflectInputSchema[A any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
		Anonymous:                 true,
	}
	s := r.Reflect(new(A))
	// Tool schemas are embedded in protocol messages, they don't declare a dialect.
	s.Version = ""
	if s.Properties == nil {
		s.Properties = jsonschema.NewProperties()
	}
	return s
}
