package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const DefaultGeminiModel = "gemini-1.5-pro"

// Gemini calls Google's Gemini models. Besides case analysis it reads text
// out of images and audio for the extraction strategies.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, &Error{Kind: ErrNotConfigured, Provider: "gemini", Err: errors.New("GEMINI_API_KEY not set")}
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Analyze(ctx context.Context, b Bundle) (json.RawMessage, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(0.2)
	m.ResponseMIMEType = "application/json"

	resp, err := m.GenerateContent(ctx, genai.Text(BuildPrompt(b)))
	if err != nil {
		return nil, g.wrap(err)
	}
	return decodeObject(g.Name(), responseText(resp))
}

// ReadMedia sends raw bytes with an instruction and returns the model's
// plain-text answer.
func (g *Gemini) ReadMedia(ctx context.Context, mediaType string, data []byte, instruction string) (string, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(0)

	resp, err := m.GenerateContent(ctx, genai.Blob{MIMEType: mediaType, Data: data}, genai.Text(instruction))
	if err != nil {
		return "", g.wrap(err)
	}
	return strings.TrimSpace(responseText(resp)), nil
}

func (g *Gemini) wrap(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return &Error{Kind: ErrRateLimited, Provider: g.Name(), Err: err}
	}
	return classify(g.Name(), err)
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				sb.WriteString(string(txt))
			}
		}
		break
	}
	return sb.String()
}
