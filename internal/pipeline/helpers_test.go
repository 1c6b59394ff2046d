package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/blob"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/reasoning"
	"github.com/kalambet/casepipe/internal/storage"
)

// --- mock provider ---

type mockProvider struct {
	mu        sync.Mutex
	calls     int
	analyzeFn func(ctx context.Context, b reasoning.Bundle) (json.RawMessage, error)
}

func (m *mockProvider) Name() string  { return "mock" }
func (m *mockProvider) Model() string { return "mock-1" }

func (m *mockProvider) Analyze(ctx context.Context, b reasoning.Bundle) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.analyzeFn != nil {
		return m.analyzeFn(ctx, b)
	}
	return json.RawMessage(`{"riskLevel":"Low"}`), nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- recording publisher ---

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) statuses(kind string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.Status)
		}
	}
	return out
}

// --- faulty store ---

// faultyStore fails selected writes and passes everything else through.
type faultyStore struct {
	storage.Store
	artifactErr error
	runErr      error
	caseErr     map[storage.CaseStatus]error
	fileErr     map[storage.FileStatus]error
}

func (f *faultyStore) CreateArtifact(ctx context.Context, fileID string, kind storage.ArtifactKind, content string) (storage.Artifact, error) {
	if f.artifactErr != nil {
		return storage.Artifact{}, f.artifactErr
	}
	return f.Store.CreateArtifact(ctx, fileID, kind, content)
}

func (f *faultyStore) CreateAnalysisRun(ctx context.Context, nr storage.NewAnalysisRun) (storage.AnalysisRun, error) {
	if f.runErr != nil {
		return storage.AnalysisRun{}, f.runErr
	}
	return f.Store.CreateAnalysisRun(ctx, nr)
}

func (f *faultyStore) UpdateCaseStatus(ctx context.Context, id string, status storage.CaseStatus) error {
	if err := f.caseErr[status]; err != nil {
		return err
	}
	return f.Store.UpdateCaseStatus(ctx, id, status)
}

func (f *faultyStore) UpdateFileStatus(ctx context.Context, id string, status storage.FileStatus) error {
	if err := f.fileErr[status]; err != nil {
		return err
	}
	return f.Store.UpdateFileStatus(ctx, id, status)
}

// --- fixture ---

type fixture struct {
	mem       *storage.MemoryStore
	store     storage.Store
	blobs     *blob.Local
	pub       *recorder
	audit     *audit.Log
	registry  *extract.Registry
	cases     *Cases
	extractor *Extractor
	provider  *mockProvider
	analyzer  *Analyzer
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture wires the pipeline over a fresh memory store. wrap, when not
// nil, decorates the store seen by the components.
func newFixture(t *testing.T, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()

	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	fx := &fixture{
		mem:      storage.NewMemoryStore(),
		blobs:    blobs,
		pub:      &recorder{},
		audit:    audit.NewLog(quietLogger(), 0),
		registry: extract.NewRegistry(extract.WithLogger(quietLogger())),
		provider: &mockProvider{},
	}
	fx.store = fx.mem
	if wrap != nil {
		fx.store = wrap(fx.mem)
	}

	logger := quietLogger()
	fx.cases = NewCases(fx.store, fx.blobs, fx.registry, fx.pub, fx.audit, WithCasesLogger(logger))
	fx.extractor = NewExtractor(fx.store, fx.blobs, fx.registry, fx.pub, fx.audit, logger)
	fx.analyzer = NewAnalyzer(fx.store, fx.provider, fx.pub, fx.audit, WithAnalyzerLogger(logger))
	return fx
}

func (fx *fixture) newCase(t *testing.T) storage.Case {
	t.Helper()
	c, err := fx.cases.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func (fx *fixture) upload(t *testing.T, caseID, name, mediaType, content string) storage.File {
	t.Helper()
	files, err := fx.cases.AddFiles(context.Background(), caseID, []Upload{{Filename: name, MediaType: mediaType, Data: []byte(content)}})
	if err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	return files[0]
}
