package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/ratelimit"
)

// Subscriber delivers status events for one case until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, caseID string) (<-chan events.Event, error)
}

// AuditReader exposes recent audit entries.
type AuditReader interface {
	Recent(f audit.Filter) []audit.Entry
}

const defaultKeepalive = 15 * time.Second

type AppDeps struct {
	Cases     *pipeline.Cases
	Extractor *pipeline.Extractor
	Analyzer  *pipeline.Analyzer
	Registry  *extract.Registry
	Events    Subscriber
	Audit     AuditReader
	Limiter   *ratelimit.Limiter // optional; nil disables throttling
	Token     string             // optional; empty disables auth
	Keepalive time.Duration
	Logger    *slog.Logger
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewAppHandler returns the HTTP API. /health and /metrics are open; every
// other route requires the bearer token when one is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics)

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/cases", handleCreateCase(deps))
		r.Get("/cases", handleListCases(deps))
		r.Get("/cases/{caseID}", handleGetCase(deps))
		r.Delete("/cases/{caseID}", handleDeleteCase(deps))
		r.Post("/cases/{caseID}/files", handleUploadFiles(deps))
		r.Post("/cases/{caseID}/transcripts", handleAddTranscript(deps))
		r.Post("/cases/{caseID}/voice", handleAddVoice(deps))
		r.With(rateLimited(deps.Limiter, "analyze")).Post("/cases/{caseID}/analyze", handleAnalyze(deps))
		r.Get("/cases/{caseID}/results", handleResults(deps))
		r.Get("/cases/{caseID}/events", handleEvents(deps))
		r.With(rateLimited(deps.Limiter, "process")).Post("/files/{fileID}/process", handleProcessFile(deps))
		r.Get("/audit", handleAudit(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if deps.Analyzer != nil {
			p := deps.Analyzer.Provider()
			body["provider"] = p.Name()
			body["model"] = p.Model()
		}
		if deps.Registry != nil {
			body["capabilities"] = deps.Registry.Capabilities()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleAudit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Audit == nil {
			writeJSON(w, http.StatusOK, []audit.Entry{})
			return
		}
		entries := deps.Audit.Recent(audit.Filter{
			CaseID: r.URL.Query().Get("case_id"),
			Action: r.URL.Query().Get("action"),
		})
		if entries == nil {
			entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
