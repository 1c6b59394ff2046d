package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/storage"
)

// FileSource lists files by status.
type FileSource interface {
	ListFilesByStatus(ctx context.Context, status storage.FileStatus, limit int) ([]storage.File, error)
}

// Processor extracts a batch of files.
type Processor interface {
	ProcessAll(ctx context.Context, fileIDs []string, concurrency int) []pipeline.FileResult
}

const defaultBatch = 20

// Worker extracts newly uploaded files in the background so callers do not
// have to trigger each one.
type Worker struct {
	files       FileSource
	proc        Processor
	poll        time.Duration
	concurrency int
	batch       int
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(files FileSource, proc Processor, pollInterval time.Duration, concurrency int, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if concurrency <= 0 {
		concurrency = pipeline.DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		files:       files,
		proc:        proc,
		poll:        pollInterval,
		concurrency: concurrency,
		batch:       defaultBatch,
		logger:      logger,
	}
}

// Run polls for uploaded files until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "err", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce extracts one batch of UPLOADED files.
// Returns true if at least one file was extracted.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	pending, err := w.files.ListFilesByStatus(ctx, storage.FileUploaded, w.batch)
	if err != nil {
		return false, fmt.Errorf("listing uploaded files: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	ids := make([]string, len(pending))
	for i, f := range pending {
		ids[i] = f.ID
	}

	var done, failed int
	for _, r := range w.proc.ProcessAll(ctx, ids, w.concurrency) {
		switch {
		case r.Err == nil:
			done++
		case errors.Is(r.Err, storage.ErrConflict), errors.Is(r.Err, storage.ErrNotFound):
			// Claimed by an explicit trigger or deleted since listing.
			w.logger.Debug("file skipped", "file_id", r.FileID, "err", r.Err)
		default:
			failed++
			w.logger.Warn("file extraction failed", "file_id", r.FileID, "err", r.Err)
		}
	}
	if failed > 0 {
		w.logger.Info("extraction batch finished", "files", len(ids), "failed", failed)
	}

	// Without a single success, wait for the next poll instead of
	// spinning on files that keep failing before they are claimed.
	return done > 0, nil
}
