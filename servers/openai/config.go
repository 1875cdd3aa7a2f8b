package openai

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DefaultAPIKey is the placeholder bearer token used when API_KEY is not set. It only keeps
// the HTTP server from running open and must be replaced in any real deployment.
const DefaultAPIKey = "default-api-key"

// Config is loaded from the environment.
type Config struct {
	// OpenAIAPIKey is the stdio credential. ENV: OPENAI_API_KEY
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	// OpenAIBaseURL overrides the API root. ENV: OPENAI_BASE_URL
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	// OpenAIOrganization is sent as the organization header. ENV: OPENAI_ORGANIZATION
	OpenAIOrganization string `env:"OPENAI_ORGANIZATION"`

	// Port the HTTP server listens on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// APIKey is the bearer token required on /sse and /message. ENV: API_KEY
	APIKey string `env:"API_KEY,default=default-api-key"`
	// PublicBaseURL prefixes the message endpoint advertised to SSE clients, empty keeps it
	// relative. ENV: MCP_BASE_URL
	PublicBaseURL string `env:"MCP_BASE_URL"`
}

// LoadConfig reads Config from the environment, applying defaults. The dotenv files are loaded
// first, ".env" when none is given. Missing files are skipped and variables already set in the
// process environment win over the files.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}

// ClientOptions returns the upstream client options of the config.
func (c Config) ClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:      c.OpenAIBaseURL,
		Organization: c.OpenAIOrganization,
	}
}

// InsecureAPIKey reports whether the HTTP gate still uses the placeholder token.
func (c Config) InsecureAPIKey() bool {
	return c.APIKey == DefaultAPIKey
}
