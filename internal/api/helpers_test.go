package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/blob"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/reasoning"
	"github.com/kalambet/casepipe/internal/storage"
)

const testToken = "test-token-12345"

// --- stub provider ---

type stubProvider struct {
	mu     sync.Mutex
	calls  int
	err    error
	output string
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-1" }

func (p *stubProvider) Analyze(ctx context.Context, b reasoning.Bundle) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if p.output != "" {
		return json.RawMessage(p.output), nil
	}
	return json.RawMessage(`{"riskLevel":"Low","executiveSummary":"stub summary"}`), nil
}

// --- environment ---

type testEnv struct {
	deps     AppDeps
	handler  http.Handler
	store    *storage.MemoryStore
	notifier *events.Notifier
	audit    *audit.Log
	provider *stubProvider
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type envOption func(*envConfig)

type envConfig struct {
	token        string
	maxFileBytes int64
	configure    func(*AppDeps)
}

func withToken(token string) envOption {
	return func(c *envConfig) { c.token = token }
}

func withMaxFileBytes(n int64) envOption {
	return func(c *envConfig) { c.maxFileBytes = n }
}

func withDeps(fn func(*AppDeps)) envOption {
	return func(c *envConfig) { c.configure = fn }
}

func setupApp(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{maxFileBytes: pipeline.DefaultMaxFileBytes}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := quietLogger()
	store := storage.NewMemoryStore(storage.WithFixtures())
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	notifier := events.NewNotifier(8, logger)
	t.Cleanup(func() { notifier.Close() })
	auditLog := audit.NewLog(logger, 0)
	registry := extract.NewRegistry(extract.WithLogger(logger))
	provider := &stubProvider{}

	deps := AppDeps{
		Cases:     pipeline.NewCases(store, blobs, registry, notifier, auditLog, pipeline.WithMaxFileBytes(cfg.maxFileBytes), pipeline.WithCasesLogger(logger)),
		Extractor: pipeline.NewExtractor(store, blobs, registry, notifier, auditLog, logger),
		Analyzer:  pipeline.NewAnalyzer(store, provider, notifier, auditLog, pipeline.WithAnalyzerLogger(logger)),
		Registry:  registry,
		Events:    notifier,
		Audit:     auditLog,
		Token:     cfg.token,
		Logger:    logger,
	}
	if cfg.configure != nil {
		cfg.configure(&deps)
	}

	return &testEnv{
		deps:     deps,
		handler:  NewAppHandler(deps),
		store:    store,
		notifier: notifier,
		audit:    auditLog,
		provider: provider,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

type part struct {
	field, filename, contentType string
	data                         []byte
}

func multipartReq(t *testing.T, url string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		ct := p.contentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		w.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func createCase(t *testing.T, e *testEnv) storage.Case {
	t.Helper()
	rr := e.do(t, authReq(http.MethodPost, "/cases", "", e.deps.Token))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create case: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	return decode[storage.Case](t, rr)
}
