package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	DefaultOpenRouterModel = "google/gemini-2.5-pro"
)

type openRouterRequest struct {
	Model          string          `json:"model"`
	Messages       []ollamaMessage `json:"messages"`
	ResponseFormat map[string]any  `json:"response_format,omitempty"`
}

type openRouterResponse struct {
	Choices []struct {
		Message ollamaMessage `json:"message"`
	} `json:"choices"`
}

// OpenRouter analyzes cases through the OpenRouter chat completions API.
// Rate limiting is reported, not retried.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenRouter(apiKey, baseURL, model string, httpClient *http.Client) *OpenRouter {
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	if model == "" {
		model = DefaultOpenRouterModel
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenRouter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

func (c *OpenRouter) Name() string  { return "openrouter" }
func (c *OpenRouter) Model() string { return c.model }

func (c *OpenRouter) Analyze(ctx context.Context, b Bundle) (json.RawMessage, error) {
	body, err := json.Marshal(openRouterRequest{
		Model:          c.model,
		Messages:       []ollamaMessage{{Role: "user", Content: BuildPrompt(b)}},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, classify(c.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, classify(c.Name(), fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Title", "casepipe")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(c.Name(), fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Kind: ErrRateLimited, Provider: c.Name(), Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{Kind: ErrProvider, Provider: c.Name(), Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)}
	}

	var out openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: ErrMalformed, Provider: c.Name(), Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Kind: ErrMalformed, Provider: c.Name(), Err: errors.New("no choices in response")}
	}
	return decodeObject(c.Name(), out.Choices[0].Message.Content)
}
