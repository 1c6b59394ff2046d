package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/blob"
	"github.com/kalambet/casepipe/internal/config"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/ratelimit"
	"github.com/kalambet/casepipe/internal/reasoning"
	"github.com/kalambet/casepipe/internal/storage"
)

// app is the fully wired pipeline shared by the HTTP server and the MCP
// server.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store     storage.Store
	blobs     blob.Store
	registry  *extract.Registry
	notifier  *events.Notifier
	audit     *audit.Log
	provider  reasoning.Provider
	cases     *pipeline.Cases
	extractor *pipeline.Extractor
	analyzer  *pipeline.Analyzer
	limiter   *ratelimit.Limiter

	closers []io.Closer
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.audit = audit.NewLog(logger, 0)
	a.notifier = events.NewNotifier(cfg.Events.Buffer, logger)
	a.closers = append(a.closers, a.notifier)

	store, err := storage.Open(ctx, storage.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Audit:  a.audit,
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	if a.blobs, err = openBlobs(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	a.provider, err = reasoning.New(ctx, reasoning.Options{
		Provider:         cfg.Reasoning.Provider,
		Model:            cfg.Reasoning.Model,
		BaseURL:          cfg.Reasoning.BaseURL,
		GeminiAPIKey:     cfg.Reasoning.GeminiAPIKey,
		OpenRouterAPIKey: cfg.Reasoning.OpenRouterAPIKey,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configuring reasoning provider: %w", err)
	}
	if c, ok := a.provider.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if _, ok := a.provider.(reasoning.Unavailable); ok {
		logger.Warn("reasoning provider not configured, analysis will fail", "provider", a.provider.Name())
	}

	opts := []extract.Option{extract.WithTimeout(cfg.Extraction.Timeout), extract.WithLogger(logger)}
	if mr := a.mediaReader(ctx); mr != nil {
		if cfg.Extraction.OCREnabled {
			opts = append(opts, extract.WithOCR(mr))
		}
		if cfg.Extraction.STTEnabled {
			opts = append(opts, extract.WithSpeech(mr))
		}
	}
	a.registry = extract.NewRegistry(opts...)

	a.cases = pipeline.NewCases(a.store, a.blobs, a.registry, a.notifier, a.audit,
		pipeline.WithMaxFileBytes(cfg.Extraction.MaxUploadBytes()),
		pipeline.WithCasesLogger(logger),
	)
	a.extractor = pipeline.NewExtractor(a.store, a.blobs, a.registry, a.notifier, a.audit, logger)
	a.analyzer = pipeline.NewAnalyzer(a.store, a.provider, a.notifier, a.audit,
		pipeline.WithAnalysisTimeout(cfg.Reasoning.Timeout),
		pipeline.WithAnalyzerLogger(logger),
	)
	a.limiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	return a, nil
}

// mediaReader returns the Gemini client used for OCR and speech, reusing
// the reasoning provider when it already is one.
func (a *app) mediaReader(ctx context.Context) extract.MediaReader {
	if !a.cfg.Extraction.OCREnabled && !a.cfg.Extraction.STTEnabled {
		return nil
	}
	if g, ok := a.provider.(*reasoning.Gemini); ok {
		return g
	}
	if a.cfg.Reasoning.GeminiAPIKey == "" {
		a.logger.Warn("OCR or speech enabled but GEMINI_API_KEY is not set; using placeholders")
		return nil
	}
	g, err := reasoning.NewGemini(ctx, a.cfg.Reasoning.GeminiAPIKey, "")
	if err != nil {
		a.logger.Warn("could not create media reader; using placeholders", "err", err)
		return nil
	}
	a.closers = append(a.closers, g)
	return g
}

func openBlobs(ctx context.Context, cfg config.Config, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "", "local":
		local, err := blob.NewLocal(filepath.Join(cfg.Storage.DataDir, "uploads"))
		if err != nil {
			return nil, fmt.Errorf("creating upload dir: %w", err)
		}
		return local, nil
	case "azure":
		az, err := blob.NewAzure(cfg.Blob.AzureConnectionString, cfg.Blob.AzureContainer, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring azure blob storage: %w", err)
		}
		if err := az.EnsureContainer(ctx); err != nil {
			return nil, fmt.Errorf("preparing azure container: %w", err)
		}
		return az, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// Close releases everything in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
