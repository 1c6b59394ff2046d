package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/storage"
)

// ByteReader returns the bytes behind a file locator.
type ByteReader interface {
	Read(ctx context.Context, locator string) ([]byte, error)
}

// Extractor drives a file from UPLOADED through EXTRACTING to READY or
// ERROR, writing one artifact on success.
type Extractor struct {
	store    storage.Store
	bytes    ByteReader
	registry *extract.Registry
	events   events.Publisher
	audit    audit.Sink
	logger   *slog.Logger
}

func NewExtractor(store storage.Store, bytes ByteReader, registry *extract.Registry, pub events.Publisher, sink audit.Sink, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Extractor{
		store:    store,
		bytes:    bytes,
		registry: registry,
		events:   pub,
		audit:    sink,
		logger:   logger,
	}
}

// Process extracts one file. It returns storage.ErrNotFound for an unknown
// file and storage.ErrConflict when the file is not waiting in UPLOADED.
func (e *Extractor) Process(ctx context.Context, fileID string) error {
	f, err := e.store.GetFile(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("file %s: %w", fileID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading file %s: %w: %w", fileID, ErrPersistence, err)
	}

	if err := e.store.TransitionFileStatus(ctx, f.ID, storage.FileUploaded, storage.FileExtracting); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("file %s is %s: %w", f.ID, f.Status, err)
		}
		return fmt.Errorf("claiming file %s: %w: %w", f.ID, ErrPersistence, err)
	}
	e.publish(f, storage.FileExtracting)

	// A claimed file is driven to READY or ERROR even if the caller goes
	// away; the registry timeout bounds the strategy.
	bk := context.WithoutCancel(ctx)

	data, err := e.bytes.Read(bk, f.Locator)
	if err != nil {
		e.fail(bk, f, "unread", err)
		return fmt.Errorf("reading file %s: %w", f.ID, ErrExtraction)
	}

	start := time.Now()
	res, err := e.registry.Extract(bk, extract.Source{Filename: f.Filename, MediaType: f.MediaType, Data: data})
	extractionDuration.WithLabelValues(res.Strategy).Observe(time.Since(start).Seconds())
	if err != nil {
		e.fail(bk, f, res.Strategy, err)
		return fmt.Errorf("extracting file %s: %w", f.ID, ErrExtraction)
	}

	if _, err := e.store.CreateArtifact(bk, f.ID, res.Kind, res.Text); err != nil {
		e.fail(bk, f, res.Strategy, err)
		return fmt.Errorf("saving artifact for file %s: %w", f.ID, ErrPersistence)
	}

	if err := e.store.UpdateFileStatus(bk, f.ID, storage.FileReady); err != nil {
		e.fail(bk, f, res.Strategy, err)
		return fmt.Errorf("marking file %s ready: %w", f.ID, ErrPersistence)
	}
	e.publish(f, storage.FileReady)

	extractionsTotal.WithLabelValues(res.Strategy, "success").Inc()
	e.logger.Info("file extracted", "file_id", f.ID, "case_id", f.CaseID, "strategy", res.Strategy, "chars", len(res.Text))
	e.audit.Record(bk, audit.Entry{
		Action:       "process_file",
		CaseID:       f.CaseID,
		ResourceType: "file",
		ResourceID:   f.ID,
		Status:       audit.StatusSuccess,
		Details:      map[string]any{"strategy": res.Strategy},
	})
	return nil
}

// fail moves the file to ERROR. A failure of that write is logged only;
// the original error is what the caller sees.
func (e *Extractor) fail(ctx context.Context, f storage.File, strategy string, cause error) {
	extractionsTotal.WithLabelValues(strategy, "error").Inc()
	e.logger.Error("file extraction failed", "file_id", f.ID, "case_id", f.CaseID, "strategy", strategy, "err", cause)

	if err := e.store.UpdateFileStatus(ctx, f.ID, storage.FileError); err != nil {
		e.logger.Error("failed to mark file as errored", "file_id", f.ID, "err", err)
	} else {
		e.publish(f, storage.FileError)
	}

	e.audit.Record(ctx, audit.Entry{
		Action:       "process_file",
		CaseID:       f.CaseID,
		ResourceType: "file",
		ResourceID:   f.ID,
		Status:       audit.StatusFailure,
		ErrorMessage: "extraction failed",
		Details:      map[string]any{"strategy": strategy},
	})
}

func (e *Extractor) publish(f storage.File, status storage.FileStatus) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{
		CaseID: f.CaseID,
		FileID: f.ID,
		Kind:   events.KindFile,
		Status: string(status),
		At:     time.Now().UTC(),
	})
}

// FileResult is the outcome of one file in a batch.
type FileResult struct {
	FileID string `json:"file_id"`
	Err    error  `json:"-"`
}

const DefaultConcurrency = 4

// ProcessAll extracts a batch of files with at most concurrency running at
// once. A failing file never stops its siblings; results follow the order
// of fileIDs.
func (e *Extractor) ProcessAll(ctx context.Context, fileIDs []string, concurrency int) []FileResult {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]FileResult, len(fileIDs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, id := range fileIDs {
		g.Go(func() error {
			results[i] = FileResult{FileID: id, Err: e.Process(ctx, id)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
