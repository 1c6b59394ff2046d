// Package reasoning turns a case context bundle into a structured analysis
// by calling an external model provider.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Bundle is the aggregated text of a case handed to a provider.
type Bundle struct {
	CaseCode    string `json:"case_code"`
	Documents   string `json:"documents"`
	Transcripts string `json:"transcripts"`
}

// Provider analyzes a bundle and returns a JSON object.
type Provider interface {
	Name() string
	Model() string
	Analyze(ctx context.Context, b Bundle) (json.RawMessage, error)
}

var (
	ErrTimeout       = errors.New("timeout")
	ErrProvider      = errors.New("provider error")
	ErrMalformed     = errors.New("malformed output")
	ErrRateLimited   = errors.New("rate limited")
	ErrNotConfigured = errors.New("not configured")
)

// Error is returned by every provider. Kind is one of the Err* sentinels;
// Err holds the provider's own error, which may contain upstream text and
// must not be shown to end users.
type Error struct {
	Kind     error
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Class names the failure kind of err for logs and audit records.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "provider"
	}
}

// classify wraps a raw transport or SDK error.
func classify(provider string, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	kind := ErrProvider
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// decodeObject extracts a JSON object from model output, tolerating a
// surrounding markdown code fence.
func decodeObject(provider, text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, &Error{Kind: ErrMalformed, Provider: provider, Err: errors.New("empty response")}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, &Error{Kind: ErrMalformed, Provider: provider, Err: err}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, &Error{Kind: ErrMalformed, Provider: provider, Err: err}
	}
	return json.RawMessage(buf.Bytes()), nil
}
