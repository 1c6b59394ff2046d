package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store. Its contents live as long as the
// value does; each instance is independent.
type MemoryStore struct {
	mu sync.RWMutex

	prefix   string
	overflow bool
	now      func() time.Time

	cases       map[string]Case
	files       map[string]File
	artifacts   map[string][]Artifact    // by file id
	transcripts map[string][]Transcript  // by case id
	runs        map[string][]AnalysisRun // by case id
}

type MemoryOption func(*MemoryStore)

// WithFixtures seeds the store with illustrative cases.
func WithFixtures() MemoryOption {
	return func(m *MemoryStore) { m.seed(fixtures()) }
}

// Overflow configures the store to hold records created while a durable
// store is failing. Children are accepted even when their parent lives in
// the other store, and case codes use a distinct prefix.
func Overflow() MemoryOption {
	return func(m *MemoryStore) {
		m.overflow = true
		m.prefix = overflowPrefix
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		prefix:      casePrefix,
		now:         time.Now,
		cases:       make(map[string]Case),
		files:       make(map[string]File),
		artifacts:   make(map[string][]Artifact),
		transcripts: make(map[string][]Transcript),
		runs:        make(map[string][]AnalysisRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) stamp() time.Time {
	return m.now().UTC()
}

func byCreated[T any](created func(T) time.Time, id func(T) string) func(a, b T) int {
	return func(a, b T) int {
		if c := created(a).Compare(created(b)); c != 0 {
			return c
		}
		return strings.Compare(id(a), id(b))
	}
}

var (
	caseOrder       = byCreated(func(c Case) time.Time { return c.CreatedAt }, func(c Case) string { return c.ID })
	fileOrder       = byCreated(func(f File) time.Time { return f.CreatedAt }, func(f File) string { return f.ID })
	artifactOrder   = byCreated(func(a Artifact) time.Time { return a.CreatedAt }, func(a Artifact) string { return a.ID })
	transcriptOrder = byCreated(func(t Transcript) time.Time { return t.CreatedAt }, func(t Transcript) string { return t.ID })
	runOrder        = byCreated(func(r AnalysisRun) time.Time { return r.CreatedAt }, func(r AnalysisRun) string { return r.ID })
)

// --- Cases ---

func (m *MemoryStore) CreateCase(ctx context.Context) (Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.stamp()
	codes := make([]string, 0, len(m.cases))
	for _, c := range m.cases {
		codes = append(codes, c.Code)
	}
	c := Case{
		ID:        uuid.New().String(),
		Code:      nextCaseCode(m.prefix, now.Year(), codes),
		Status:    CaseDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.cases[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCase(ctx context.Context, id string) (Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListCases(ctx context.Context) ([]Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Case, 0, len(m.cases))
	for _, c := range m.cases {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Case) int { return caseOrder(b, a) })
	return out, nil
}

func (m *MemoryStore) UpdateCaseStatus(ctx context.Context, id string, status CaseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = m.stamp()
	m.cases[id] = c
	return nil
}

func (m *MemoryStore) DeleteCase(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.cases[id]
	if !ok && !m.overflow {
		return ErrNotFound
	}

	found := ok
	for fid, f := range m.files {
		if f.CaseID == id {
			delete(m.artifacts, fid)
			delete(m.files, fid)
			found = true
		}
	}
	if _, had := m.transcripts[id]; had {
		found = true
	}
	if _, had := m.runs[id]; had {
		found = true
	}
	delete(m.transcripts, id)
	delete(m.runs, id)
	delete(m.cases, id)

	if !found {
		return ErrNotFound
	}
	return nil
}

// --- Files ---

func (m *MemoryStore) CreateFile(ctx context.Context, nf NewFile) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[nf.CaseID]; !ok && !m.overflow {
		return File{}, ErrNotFound
	}
	now := m.stamp()
	f := File{
		ID:        uuid.New().String(),
		CaseID:    nf.CaseID,
		Filename:  nf.Filename,
		MediaType: nf.MediaType,
		Size:      nf.Size,
		Locator:   nf.Locator,
		Status:    FileUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.files[f.ID] = f
	return f, nil
}

func (m *MemoryStore) GetFile(ctx context.Context, id string) (File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

func (m *MemoryStore) ListFilesByStatus(ctx context.Context, status FileStatus, limit int) ([]File, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]File, 0)
	for _, f := range m.files {
		if f.Status == status {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, fileOrder)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateFileStatus(ctx context.Context, id string, status FileStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	f.UpdatedAt = m.stamp()
	m.files[id] = f
	return nil
}

func (m *MemoryStore) TransitionFileStatus(ctx context.Context, id string, from, to FileStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	if f.Status != from {
		return ErrConflict
	}
	f.Status = to
	f.UpdatedAt = m.stamp()
	m.files[id] = f
	return nil
}

// --- Artifacts, transcripts, runs ---

func (m *MemoryStore) CreateArtifact(ctx context.Context, fileID string, kind ArtifactKind, content string) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[fileID]; !ok && !m.overflow {
		return Artifact{}, ErrNotFound
	}
	a := Artifact{
		ID:        uuid.New().String(),
		FileID:    fileID,
		Kind:      kind,
		Content:   content,
		Status:    ArtifactCompleted,
		CreatedAt: m.stamp(),
	}
	m.artifacts[fileID] = append(m.artifacts[fileID], a)
	return a, nil
}

func (m *MemoryStore) CreateTranscript(ctx context.Context, caseID string, source TranscriptSource, content string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[caseID]; !ok && !m.overflow {
		return Transcript{}, ErrNotFound
	}
	t := Transcript{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Source:    source,
		Content:   content,
		CreatedAt: m.stamp(),
	}
	m.transcripts[caseID] = append(m.transcripts[caseID], t)
	return t, nil
}

func (m *MemoryStore) CreateAnalysisRun(ctx context.Context, nr NewAnalysisRun) (AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[nr.CaseID]; !ok && !m.overflow {
		return AnalysisRun{}, ErrNotFound
	}
	r := AnalysisRun{
		ID:        uuid.New().String(),
		CaseID:    nr.CaseID,
		Provider:  nr.Provider,
		Model:     nr.Model,
		Output:    append([]byte(nil), nr.Output...),
		CreatedAt: m.stamp(),
	}
	m.runs[nr.CaseID] = append(m.runs[nr.CaseID], r)
	return r, nil
}

func (m *MemoryStore) ListCaseFiles(ctx context.Context, caseID string) ([]FileWithArtifacts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]File, 0)
	for _, f := range m.files {
		if f.CaseID == caseID {
			files = append(files, f)
		}
	}
	slices.SortFunc(files, fileOrder)

	out := make([]FileWithArtifacts, len(files))
	for i, f := range files {
		out[i] = FileWithArtifacts{File: f, Artifacts: m.artifactsLocked(f.ID)}
	}
	return out, nil
}

// artifactsFor returns the artifacts held for a file id, whether or not the
// file itself is held here.
// dropArtifacts removes the artifacts held for the given files.
func (m *MemoryStore) dropArtifacts(fileIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range fileIDs {
		delete(m.artifacts, id)
	}
}

func (m *MemoryStore) artifactsFor(fileID string) []Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.artifactsLocked(fileID)
}

func (m *MemoryStore) artifactsLocked(fileID string) []Artifact {
	arts := slices.Clone(m.artifacts[fileID])
	if arts == nil {
		return []Artifact{}
	}
	slices.SortFunc(arts, artifactOrder)
	return arts
}

func (m *MemoryStore) ListTranscripts(ctx context.Context, caseID string) ([]Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Clone(m.transcripts[caseID])
	if out == nil {
		out = []Transcript{}
	}
	slices.SortFunc(out, transcriptOrder)
	return out, nil
}

func (m *MemoryStore) LatestAnalysisRun(ctx context.Context, caseID string) (AnalysisRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.runs[caseID]
	if len(runs) == 0 {
		return AnalysisRun{}, ErrNotFound
	}
	return slices.MaxFunc(runs, runOrder), nil
}
