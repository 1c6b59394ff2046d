package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/casepipe/internal/audit"
)

// Store is the persistence contract shared by the durable and the in-memory
// implementations. Callers must not be able to tell which one is active.
type Store interface {
	CreateCase(ctx context.Context) (Case, error)
	GetCase(ctx context.Context, id string) (Case, error)
	ListCases(ctx context.Context) ([]Case, error)
	UpdateCaseStatus(ctx context.Context, id string, status CaseStatus) error
	DeleteCase(ctx context.Context, id string) error

	CreateFile(ctx context.Context, f NewFile) (File, error)
	GetFile(ctx context.Context, id string) (File, error)
	ListFilesByStatus(ctx context.Context, status FileStatus, limit int) ([]File, error)
	UpdateFileStatus(ctx context.Context, id string, status FileStatus) error
	// TransitionFileStatus moves a file from one status to another and
	// returns ErrConflict if the file is not currently in from.
	TransitionFileStatus(ctx context.Context, id string, from, to FileStatus) error

	CreateArtifact(ctx context.Context, fileID string, kind ArtifactKind, content string) (Artifact, error)
	CreateTranscript(ctx context.Context, caseID string, source TranscriptSource, content string) (Transcript, error)
	CreateAnalysisRun(ctx context.Context, run NewAnalysisRun) (AnalysisRun, error)

	ListCaseFiles(ctx context.Context, caseID string) ([]FileWithArtifacts, error)
	ListTranscripts(ctx context.Context, caseID string) ([]Transcript, error)
	// LatestAnalysisRun returns ErrNotFound when the case has no runs.
	LatestAnalysisRun(ctx context.Context, caseID string) (AnalysisRun, error)

	Close() error
}

// Options selects and configures the store returned by Open.
type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a SQLite file path (or ":memory:") or a PostgreSQL connection
	// string. Empty selects the in-memory store seeded with fixtures.
	DSN    string
	Audit  audit.Sink
	Logger *slog.Logger
}

// Open resolves the store for the lifetime of the process. With a DSN the
// durable store is wrapped in a FallbackStore so call-time failures are
// served from memory; without one the fixture-seeded memory store is used.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(opts.DSN) == "" {
		logger.Info("no database configured, using in-memory store with fixtures")
		return NewMemoryStore(WithFixtures()), nil
	}

	primary, err := OpenSQL(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", opts.Driver, err)
	}

	fb := NewFallbackStore(primary, NewMemoryStore(Overflow()), opts.Audit, logger)
	if err := fb.ensurePrimary(ctx); err != nil {
		logger.Warn("durable store not ready, will retry on first use", "driver", opts.Driver, "err", err)
	}
	return fb, nil
}
