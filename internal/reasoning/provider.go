package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Unavailable stands in when no provider is configured. Every analysis
// fails with ErrNotConfigured.
type Unavailable struct {
	Provider string
	Reason   string
}

func (u Unavailable) Name() string  { return u.Provider }
func (u Unavailable) Model() string { return "" }

func (u Unavailable) Analyze(ctx context.Context, b Bundle) (json.RawMessage, error) {
	return nil, &Error{Kind: ErrNotConfigured, Provider: u.Provider, Err: fmt.Errorf("%s", u.Reason)}
}

// Options selects and configures a provider.
type Options struct {
	Provider         string
	Model            string
	BaseURL          string
	GeminiAPIKey     string
	OpenRouterAPIKey string
	HTTPClient       *http.Client
}

// New builds the configured provider. A provider missing its credentials
// is returned as Unavailable rather than an error so the rest of the
// pipeline keeps working.
func New(ctx context.Context, opts Options) (Provider, error) {
	switch opts.Provider {
	case "", "gemini":
		if opts.GeminiAPIKey == "" {
			return Unavailable{Provider: "gemini", Reason: "GEMINI_API_KEY not set"}, nil
		}
		return NewGemini(ctx, opts.GeminiAPIKey, opts.Model)
	case "ollama":
		return NewOllama(opts.BaseURL, opts.Model, opts.HTTPClient), nil
	case "openrouter":
		if opts.OpenRouterAPIKey == "" {
			return Unavailable{Provider: "openrouter", Reason: "OpenRouter API key not set"}, nil
		}
		return NewOpenRouter(opts.OpenRouterAPIKey, opts.BaseURL, opts.Model, opts.HTTPClient), nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", opts.Provider)
	}
}
