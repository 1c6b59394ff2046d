package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/kalambet/casepipe/internal/audit"
)

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "casepipe_store_fallbacks_total",
	Help: "Store operations served by the in-memory substitute after a durable store failure.",
}, []string{"op"})

// migrator is implemented by stores that need schema setup before use.
type migrator interface {
	Migrate(ctx context.Context) error
}

// FallbackStore serves every call from the durable primary and switches to
// the in-memory substitute when the primary fails. Records created during
// an outage stay resolvable because reads that miss on the primary consult
// the substitute, and lists merge both.
type FallbackStore struct {
	primary    Store
	substitute *MemoryStore
	breaker    *gobreaker.CircuitBreaker
	audit      audit.Sink
	logger     *slog.Logger

	readyMu sync.Mutex
	ready   bool
}

func NewFallbackStore(primary Store, substitute *MemoryStore, sink audit.Sink, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	f := &FallbackStore{
		primary:    primary,
		substitute: substitute,
		audit:      sink,
		logger:     logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isDomainError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("durable store breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return f
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

// ensurePrimary runs primary migrations once they first succeed.
func (f *FallbackStore) ensurePrimary(ctx context.Context) error {
	f.readyMu.Lock()
	defer f.readyMu.Unlock()

	if f.ready {
		return nil
	}
	if m, ok := f.primary.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	f.ready = true
	return nil
}

func (f *FallbackStore) Close() error {
	return f.primary.Close()
}

func viaPrimary[T any](ctx context.Context, f *FallbackStore, fn func(Store) (T, error)) (T, error) {
	var zero T
	out, err := f.breaker.Execute(func() (any, error) {
		if err := f.ensurePrimary(ctx); err != nil {
			return nil, fmt.Errorf("preparing durable store: %w", err)
		}
		return fn(f.primary)
	})
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// degrade records that op is being served from the substitute.
func (f *FallbackStore) degrade(ctx context.Context, op, caseID string, err error) {
	fallbacksTotal.WithLabelValues(op).Inc()
	f.logger.Warn("durable store failed, using in-memory substitute", "op", op, "case_id", caseID, "err", err)
	f.audit.Record(ctx, audit.Entry{
		Action:       "store_fallback",
		CaseID:       caseID,
		ResourceType: "store",
		Status:       audit.StatusWarning,
		ErrorMessage: op,
		Details:      map[string]any{"error": err.Error()},
	})
}

// infra reports whether err should send the call to the substitute.
func infra(ctx context.Context, err error) bool {
	return err != nil && !isDomainError(err) && ctx.Err() == nil
}

// call runs fn on the primary. Misses and infrastructure failures are
// retried on the substitute.
func call[T any](ctx context.Context, f *FallbackStore, op, caseID string, fn func(Store) (T, error)) (T, error) {
	v, err := viaPrimary(ctx, f, fn)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, ErrNotFound):
		if sv, serr := fn(f.substitute); serr == nil {
			return sv, nil
		}
		return v, err
	case infra(ctx, err):
		f.degrade(ctx, op, caseID, err)
		return viaSubstitute(f, fn, v, err)
	default:
		return v, err
	}
}

// viaSubstitute serves fn from the substitute during an outage. A miss there
// says nothing about the primary, so the primary's error is kept.
func viaSubstitute[T any](f *FallbackStore, fn func(Store) (T, error), v T, perr error) (T, error) {
	sv, serr := fn(f.substitute)
	if errors.Is(serr, ErrNotFound) {
		return v, perr
	}
	return sv, serr
}

// create runs a child-creating fn on the primary. When the parent is absent
// there it is looked up in the substitute before giving up.
func create[T any](ctx context.Context, f *FallbackStore, op, caseID string, parentInSubstitute func() bool, fn func(Store) (T, error)) (T, error) {
	v, err := viaPrimary(ctx, f, fn)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, ErrNotFound):
		if parentInSubstitute() {
			return fn(f.substitute)
		}
		return v, err
	case infra(ctx, err):
		f.degrade(ctx, op, caseID, err)
		return viaSubstitute(f, fn, v, err)
	default:
		return v, err
	}
}

// list merges fn's results from both stores. A failing primary contributes
// nothing.
func list[T any](ctx context.Context, f *FallbackStore, op, caseID string, fn func(Store) ([]T, error)) ([]T, error) {
	primary, err := viaPrimary(ctx, f, fn)
	if err != nil {
		if !infra(ctx, err) {
			return nil, err
		}
		f.degrade(ctx, op, caseID, err)
		primary = nil
	}
	secondary, err := fn(f.substitute)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(primary)+len(secondary))
	out = append(out, primary...)
	return append(out, secondary...), nil
}

func (f *FallbackStore) caseInSubstitute(ctx context.Context, id string) func() bool {
	return func() bool {
		_, err := f.substitute.GetCase(ctx, id)
		return err == nil
	}
}

// --- Cases ---

func (f *FallbackStore) CreateCase(ctx context.Context) (Case, error) {
	c, err := viaPrimary(ctx, f, func(s Store) (Case, error) { return s.CreateCase(ctx) })
	if infra(ctx, err) {
		f.degrade(ctx, "create_case", "", err)
		return f.substitute.CreateCase(ctx)
	}
	return c, err
}

func (f *FallbackStore) GetCase(ctx context.Context, id string) (Case, error) {
	return call(ctx, f, "get_case", id, func(s Store) (Case, error) { return s.GetCase(ctx, id) })
}

func (f *FallbackStore) ListCases(ctx context.Context) ([]Case, error) {
	out, err := list(ctx, f, "list_cases", "", func(s Store) ([]Case, error) { return s.ListCases(ctx) })
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Case) int { return caseOrder(b, a) })
	return out, nil
}

func (f *FallbackStore) UpdateCaseStatus(ctx context.Context, id string, status CaseStatus) error {
	_, err := call(ctx, f, "update_case_status", id, func(s Store) (struct{}, error) {
		return struct{}{}, s.UpdateCaseStatus(ctx, id, status)
	})
	return err
}

// DeleteCase removes the case from both stores so neither keeps orphans.
// Artifacts the substitute holds for the primary's files are dropped too.
func (f *FallbackStore) DeleteCase(ctx context.Context, id string) error {
	if files, err := viaPrimary(ctx, f, func(s Store) ([]FileWithArtifacts, error) { return s.ListCaseFiles(ctx, id) }); err == nil {
		ids := make([]string, len(files))
		for i, fl := range files {
			ids[i] = fl.ID
		}
		f.substitute.dropArtifacts(ids...)
	}

	_, perr := viaPrimary(ctx, f, func(s Store) (struct{}, error) { return struct{}{}, s.DeleteCase(ctx, id) })
	serr := f.substitute.DeleteCase(ctx, id)

	if infra(ctx, perr) {
		f.degrade(ctx, "delete_case", id, perr)
		if serr == nil {
			return nil
		}
		return perr
	}
	if perr == nil || serr == nil {
		return nil
	}
	return perr
}

// --- Files ---

func (f *FallbackStore) CreateFile(ctx context.Context, nf NewFile) (File, error) {
	return create(ctx, f, "create_file", nf.CaseID, f.caseInSubstitute(ctx, nf.CaseID), func(s Store) (File, error) {
		return s.CreateFile(ctx, nf)
	})
}

func (f *FallbackStore) GetFile(ctx context.Context, id string) (File, error) {
	return call(ctx, f, "get_file", "", func(s Store) (File, error) { return s.GetFile(ctx, id) })
}

func (f *FallbackStore) ListFilesByStatus(ctx context.Context, status FileStatus, limit int) ([]File, error) {
	out, err := list(ctx, f, "list_files_by_status", "", func(s Store) ([]File, error) {
		return s.ListFilesByStatus(ctx, status, limit)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, fileOrder)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FallbackStore) UpdateFileStatus(ctx context.Context, id string, status FileStatus) error {
	_, err := call(ctx, f, "update_file_status", "", func(s Store) (struct{}, error) {
		return struct{}{}, s.UpdateFileStatus(ctx, id, status)
	})
	return err
}

func (f *FallbackStore) TransitionFileStatus(ctx context.Context, id string, from, to FileStatus) error {
	_, err := call(ctx, f, "transition_file_status", "", func(s Store) (struct{}, error) {
		return struct{}{}, s.TransitionFileStatus(ctx, id, from, to)
	})
	return err
}

// --- Artifacts, transcripts, runs ---

func (f *FallbackStore) CreateArtifact(ctx context.Context, fileID string, kind ArtifactKind, content string) (Artifact, error) {
	fileInSubstitute := func() bool {
		_, err := f.substitute.GetFile(ctx, fileID)
		return err == nil
	}
	return create(ctx, f, "create_artifact", "", fileInSubstitute, func(s Store) (Artifact, error) {
		return s.CreateArtifact(ctx, fileID, kind, content)
	})
}

func (f *FallbackStore) CreateTranscript(ctx context.Context, caseID string, source TranscriptSource, content string) (Transcript, error) {
	return create(ctx, f, "create_transcript", caseID, f.caseInSubstitute(ctx, caseID), func(s Store) (Transcript, error) {
		return s.CreateTranscript(ctx, caseID, source, content)
	})
}

func (f *FallbackStore) CreateAnalysisRun(ctx context.Context, nr NewAnalysisRun) (AnalysisRun, error) {
	return create(ctx, f, "create_analysis_run", nr.CaseID, f.caseInSubstitute(ctx, nr.CaseID), func(s Store) (AnalysisRun, error) {
		return s.CreateAnalysisRun(ctx, nr)
	})
}

func (f *FallbackStore) ListCaseFiles(ctx context.Context, caseID string) ([]FileWithArtifacts, error) {
	out, err := list(ctx, f, "list_case_files", caseID, func(s Store) ([]FileWithArtifacts, error) {
		return s.ListCaseFiles(ctx, caseID)
	})
	if err != nil {
		return nil, err
	}

	// Artifacts written to the substitute for files held by the primary.
	for i := range out {
		extra := f.substitute.artifactsFor(out[i].ID)
		if len(extra) == 0 || containsArtifact(out[i].Artifacts, extra[0].ID) {
			continue
		}
		merged := append(slices.Clone(out[i].Artifacts), extra...)
		slices.SortFunc(merged, artifactOrder)
		out[i].Artifacts = merged
	}

	slices.SortFunc(out, func(a, b FileWithArtifacts) int { return fileOrder(a.File, b.File) })
	return out, nil
}

func containsArtifact(arts []Artifact, id string) bool {
	return slices.ContainsFunc(arts, func(a Artifact) bool { return a.ID == id })
}

func (f *FallbackStore) ListTranscripts(ctx context.Context, caseID string) ([]Transcript, error) {
	out, err := list(ctx, f, "list_transcripts", caseID, func(s Store) ([]Transcript, error) {
		return s.ListTranscripts(ctx, caseID)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, transcriptOrder)
	return out, nil
}

// LatestAnalysisRun returns the newest run across both stores.
func (f *FallbackStore) LatestAnalysisRun(ctx context.Context, caseID string) (AnalysisRun, error) {
	var candidates []AnalysisRun
	var outage error

	r, err := viaPrimary(ctx, f, func(s Store) (AnalysisRun, error) { return s.LatestAnalysisRun(ctx, caseID) })
	switch {
	case err == nil:
		candidates = append(candidates, r)
	case infra(ctx, err):
		f.degrade(ctx, "latest_analysis_run", caseID, err)
		outage = err
	case !errors.Is(err, ErrNotFound):
		return AnalysisRun{}, err
	}

	if sr, serr := f.substitute.LatestAnalysisRun(ctx, caseID); serr == nil {
		candidates = append(candidates, sr)
	}
	if len(candidates) == 0 {
		if outage != nil {
			return AnalysisRun{}, outage
		}
		return AnalysisRun{}, ErrNotFound
	}
	return slices.MaxFunc(candidates, runOrder), nil
}
