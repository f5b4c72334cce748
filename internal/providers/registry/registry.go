package registry

import (
	"fmt"
	"net/http"
	"time"

	"deskagent/internal/providers"
	"deskagent/internal/providers/gemini"
	"deskagent/internal/providers/ollama"
	"deskagent/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case "openai_compat", "openai-compatible", "openai":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "gemini":
		return gemini.New(gemini.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// NeedsCredential reports whether a provider kind requires an API key.
func NeedsCredential(kind string) bool {
	return kind != "ollama"
}
