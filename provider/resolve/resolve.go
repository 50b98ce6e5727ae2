// Package resolve builds Provider values from provider-agnostic
// configuration. The supported set is closed: "anthropic", "openai", and
// the OpenAI-compatible hosts with known base URLs.
package resolve

import (
	"fmt"

	polos "github.com/polos-ai/polos-go"
	"github.com/polos-ai/polos-go/provider/anthropic"
	"github.com/polos-ai/polos-go/provider/openaicompat"
)

// Config selects and parameterizes one provider.
type Config struct {
	// Provider is "anthropic", "openai", or one of the OpenAI-compatible
	// names below.
	Provider string
	APIKey   string
	// BaseURL overrides the provider's default API base. Required for
	// "openai-compatible"; optional elsewhere.
	BaseURL string
}

// baseURLs are the defaults for OpenAI-compatible hosts.
var baseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"together": "https://api.together.xyz/v1",
	"mistral":  "https://api.mistral.ai/v1",
	"ollama":   "http://localhost:11434/v1",
}

// Provider creates a provider from cfg. Unknown names fail with a
// descriptive error listing what this build supports.
func Provider(cfg Config) (polos.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		var opts []anthropic.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.APIKey, opts...), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		base := cfg.BaseURL
		if base == "" {
			base = baseURLs[cfg.Provider]
		}
		return openaicompat.New(cfg.APIKey, base, openaicompat.WithName(cfg.Provider)), nil
	case "openai-compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q requires a base URL", cfg.Provider)
		}
		return openaicompat.New(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q (supported: anthropic, openai, openai-compatible, groq, deepseek, together, mistral, ollama)", cfg.Provider)
	}
}
