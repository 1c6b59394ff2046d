package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/reasoning"
	"github.com/kalambet/casepipe/internal/storage"
)

const DefaultAnalysisTimeout = 120 * time.Second

// Result is a completed analysis.
type Result struct {
	Run    storage.AnalysisRun `json:"run"`
	Output json.RawMessage     `json:"output"`
	// Shared is set when the caller joined an analysis already in flight.
	Shared bool `json:"shared,omitempty"`
}

// Analyzer drives a case through ANALYZING to COMPLETED or ERROR around one
// reasoning call. Concurrent requests for the same case share one run.
type Analyzer struct {
	store    storage.Store
	builder  *ContextBuilder
	provider reasoning.Provider
	events   events.Publisher
	audit    audit.Sink
	logger   *slog.Logger
	timeout  time.Duration

	flight singleflight.Group
}

type AnalyzerOption func(*Analyzer)

// WithAnalysisTimeout bounds the provider call.
func WithAnalysisTimeout(d time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithAnalyzerLogger(l *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAnalyzer(store storage.Store, provider reasoning.Provider, pub events.Publisher, sink audit.Sink, opts ...AnalyzerOption) *Analyzer {
	if sink == nil {
		sink = audit.Discard{}
	}
	a := &Analyzer{
		store:    store,
		builder:  NewContextBuilder(store),
		provider: provider,
		events:   pub,
		audit:    sink,
		logger:   slog.Default(),
		timeout:  DefaultAnalysisTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Provider returns the reasoning provider in use.
func (a *Analyzer) Provider() reasoning.Provider {
	return a.provider
}

// Analyze runs one analysis of the case and returns the persisted run.
// Provider failures surface as ErrAnalysisFailed with no provider text.
func (a *Analyzer) Analyze(ctx context.Context, caseID string) (Result, error) {
	// The flight outlives any one caller; the provider call is bounded by
	// the analyzer timeout instead.
	ch := a.flight.DoChan(caseID, func() (any, error) {
		return a.analyze(context.WithoutCancel(ctx), caseID)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Shared = r.Shared
		return res, nil
	}
}

func (a *Analyzer) analyze(ctx context.Context, caseID string) (Result, error) {
	start := time.Now()
	log := a.logger.With("case_id", caseID, "provider", a.provider.Name())

	finish := func(outcome string, status audit.Status, msg string) {
		analysesTotal.WithLabelValues(outcome).Inc()
		analysisDuration.Observe(time.Since(start).Seconds())
		a.audit.Record(ctx, audit.Entry{
			Action:       "analyze_case",
			CaseID:       caseID,
			ResourceType: "case",
			ResourceID:   caseID,
			Status:       status,
			ErrorMessage: msg,
			Details:      map[string]any{"provider": a.provider.Name(), "model": a.provider.Model()},
		})
	}

	// 1. Mark the attempt.
	if err := a.store.UpdateCaseStatus(ctx, caseID, storage.CaseAnalyzing); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			finish("not_found", audit.StatusFailure, "case not found")
			return Result{}, fmt.Errorf("case %s: %w", caseID, storage.ErrNotFound)
		}
		log.Error("failed to mark case analyzing", "err", err)
		finish("persistence", audit.StatusFailure, "status update failed")
		return Result{}, fmt.Errorf("starting analysis of case %s: %w", caseID, ErrPersistence)
	}
	a.publish(caseID, storage.CaseAnalyzing)

	// 2. Build the context.
	bundle, err := a.builder.Build(ctx, caseID)
	if err != nil {
		a.markError(ctx, log, caseID)
		if errors.Is(err, storage.ErrNotFound) {
			finish("not_found", audit.StatusFailure, "case not found")
			return Result{}, fmt.Errorf("case %s: %w", caseID, storage.ErrNotFound)
		}
		log.Error("context build failed", "err", err)
		finish("persistence", audit.StatusFailure, "context build failed")
		return Result{}, fmt.Errorf("building context for case %s: %w", caseID, ErrPersistence)
	}

	// 3. Call the provider.
	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	output, err := a.provider.Analyze(pctx, bundle)
	cancel()
	if err == nil && !isObject(output) {
		err = &reasoning.Error{Kind: reasoning.ErrMalformed, Provider: a.provider.Name(), Err: errors.New("output is not a JSON object")}
	}
	if err != nil {
		class := reasoning.Class(err)
		log.Error("reasoning provider failed", "class", class, "err", err)
		a.markError(ctx, log, caseID)
		finish(class, audit.StatusFailure, class)
		return Result{}, fmt.Errorf("%w (%s)", ErrAnalysisFailed, class)
	}

	// 4. Persist the run.
	run, err := a.store.CreateAnalysisRun(ctx, storage.NewAnalysisRun{
		CaseID:   caseID,
		Provider: a.provider.Name(),
		Model:    a.provider.Model(),
		Output:   output,
	})
	if err != nil {
		log.Error("failed to save analysis run", "err", err)
		a.markError(ctx, log, caseID)
		finish("persistence", audit.StatusFailure, "saving result failed")
		return Result{}, fmt.Errorf("saving analysis of case %s: %w", caseID, ErrPersistence)
	}

	// 5. Complete. The run is retrievable, so a failed status write does not
	// fail the operation.
	if err := a.store.UpdateCaseStatus(ctx, caseID, storage.CaseCompleted); err != nil {
		log.Warn("analysis saved but case status not updated", "run_id", run.ID, "err", err)
	} else {
		a.publish(caseID, storage.CaseCompleted)
	}

	log.Info("case analyzed", "run_id", run.ID, "duration", time.Since(start))
	finish("success", audit.StatusSuccess, "")
	return Result{Run: run, Output: run.Output}, nil
}

// markError records the failed attempt. Its own failure is logged and
// swallowed so the caller sees the original error.
func (a *Analyzer) markError(ctx context.Context, log *slog.Logger, caseID string) {
	if err := a.store.UpdateCaseStatus(ctx, caseID, storage.CaseError); err != nil {
		log.Error("failed to mark case as errored", "err", err)
		return
	}
	a.publish(caseID, storage.CaseError)
}

func (a *Analyzer) publish(caseID string, status storage.CaseStatus) {
	if a.events == nil {
		return
	}
	a.events.Publish(events.Event{
		CaseID: caseID,
		Kind:   events.KindCase,
		Status: string(status),
		At:     time.Now().UTC(),
	})
}

func isObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
