package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/blob"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/storage"
)

// Upload limits.
const (
	DefaultMaxFileBytes = 50 << 20
	MaxFilesPerUpload   = 20
	MaxFilenameLength   = 255
)

// Upload is one file received from a caller.
type Upload struct {
	Filename  string
	MediaType string
	Data      []byte
}

// CaseDetail is a case with everything attached to it.
type CaseDetail struct {
	storage.Case
	Files       []storage.FileWithArtifacts `json:"files"`
	Transcripts []storage.Transcript        `json:"transcripts"`
	LatestRun   *storage.AnalysisRun        `json:"latest_run,omitempty"`
}

// Cases is the entry point for case management shared by the HTTP, MCP and
// CLI surfaces. It validates input, stores bytes and records audit entries.
type Cases struct {
	store    storage.Store
	blobs    blob.Store
	registry *extract.Registry
	events   events.Publisher
	audit    audit.Sink
	logger   *slog.Logger

	maxFileBytes int64
}

type CasesOption func(*Cases)

func WithMaxFileBytes(n int64) CasesOption {
	return func(c *Cases) {
		if n > 0 {
			c.maxFileBytes = n
		}
	}
}

func WithCasesLogger(l *slog.Logger) CasesOption {
	return func(c *Cases) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCases(store storage.Store, blobs blob.Store, registry *extract.Registry, pub events.Publisher, sink audit.Sink, opts ...CasesOption) *Cases {
	if sink == nil {
		sink = audit.Discard{}
	}
	c := &Cases{
		store:        store,
		blobs:        blobs,
		registry:     registry,
		events:       pub,
		audit:        sink,
		logger:       slog.Default(),
		maxFileBytes: DefaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxFileBytes is the per-file upload limit.
func (c *Cases) MaxFileBytes() int64 {
	return c.maxFileBytes
}

func (c *Cases) Create(ctx context.Context) (storage.Case, error) {
	kase, err := c.store.CreateCase(ctx)
	if err != nil {
		c.logger.Error("failed to create case", "err", err)
		c.record(ctx, "create_case", "", "", audit.StatusFailure, "create failed")
		return storage.Case{}, fmt.Errorf("creating case: %w", ErrPersistence)
	}
	c.record(ctx, "create_case", kase.ID, kase.ID, audit.StatusSuccess, "")
	return kase, nil
}

func (c *Cases) List(ctx context.Context) ([]storage.Case, error) {
	cases, err := c.store.ListCases(ctx)
	if err != nil {
		c.logger.Error("failed to list cases", "err", err)
		return nil, fmt.Errorf("listing cases: %w", ErrPersistence)
	}
	return cases, nil
}

// Get returns the case with its files, transcripts and latest run.
func (c *Cases) Get(ctx context.Context, caseID string) (CaseDetail, error) {
	if err := ValidateID("case", caseID); err != nil {
		return CaseDetail{}, err
	}
	kase, err := c.store.GetCase(ctx, caseID)
	if err != nil {
		return CaseDetail{}, c.storeErr("loading case", caseID, err)
	}
	files, err := c.store.ListCaseFiles(ctx, caseID)
	if err != nil {
		return CaseDetail{}, c.storeErr("listing files", caseID, err)
	}
	transcripts, err := c.store.ListTranscripts(ctx, caseID)
	if err != nil {
		return CaseDetail{}, c.storeErr("listing transcripts", caseID, err)
	}

	d := CaseDetail{Case: kase, Files: files, Transcripts: transcripts}
	run, err := c.store.LatestAnalysisRun(ctx, caseID)
	switch {
	case err == nil:
		d.LatestRun = &run
	case !errors.Is(err, storage.ErrNotFound):
		return CaseDetail{}, c.storeErr("loading latest run", caseID, err)
	}
	return d, nil
}

// Delete removes the case and everything attached to it. Stored bytes are
// removed afterwards on a best-effort basis.
func (c *Cases) Delete(ctx context.Context, caseID string) error {
	if err := ValidateID("case", caseID); err != nil {
		return err
	}
	files, err := c.store.ListCaseFiles(ctx, caseID)
	if err != nil {
		return c.storeErr("listing files", caseID, err)
	}
	if err := c.store.DeleteCase(ctx, caseID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.record(ctx, "delete_case", caseID, caseID, audit.StatusFailure, "delete failed")
		}
		return c.storeErr("deleting case", caseID, err)
	}

	bk := context.WithoutCancel(ctx)
	for _, f := range files {
		if err := c.blobs.Delete(bk, f.Locator); err != nil && !errors.Is(err, blob.ErrNotFound) && !errors.Is(err, blob.ErrInvalidLocator) {
			c.logger.Warn("failed to delete stored bytes", "case_id", caseID, "file_id", f.ID, "err", err)
		}
	}
	c.record(bk, "delete_case", caseID, caseID, audit.StatusSuccess, "")
	return nil
}

// AddFiles validates and stores uploads and registers each as an UPLOADED
// file of the case.
func (c *Cases) AddFiles(ctx context.Context, caseID string, uploads []Upload) ([]storage.File, error) {
	if err := ValidateID("case", caseID); err != nil {
		return nil, err
	}
	if err := c.validateUploads(uploads); err != nil {
		return nil, err
	}
	if _, err := c.store.GetCase(ctx, caseID); err != nil {
		return nil, c.storeErr("loading case", caseID, err)
	}

	out := make([]storage.File, 0, len(uploads))
	for _, u := range uploads {
		mediaType := extract.DetectMediaType(u.MediaType, u.Data)
		locator, err := c.blobs.Save(ctx, caseID, u.Filename, mediaType, u.Data)
		if err != nil {
			c.logger.Error("failed to store upload", "case_id", caseID, "filename", u.Filename, "err", err)
			c.record(ctx, "upload_file", caseID, "", audit.StatusFailure, "storing bytes failed")
			return out, fmt.Errorf("storing %s: %w", u.Filename, ErrPersistence)
		}

		f, err := c.store.CreateFile(ctx, storage.NewFile{
			CaseID:    caseID,
			Filename:  u.Filename,
			MediaType: mediaType,
			Size:      int64(len(u.Data)),
			Locator:   locator,
		})
		if err != nil {
			if derr := c.blobs.Delete(context.WithoutCancel(ctx), locator); derr != nil {
				c.logger.Warn("failed to remove orphaned upload", "locator", locator, "err", derr)
			}
			return out, c.storeErr("registering file", caseID, err)
		}

		c.publishFile(f)
		c.record(ctx, "upload_file", caseID, f.ID, audit.StatusSuccess, "")
		out = append(out, f)
	}
	return out, nil
}

func (c *Cases) validateUploads(uploads []Upload) error {
	if len(uploads) == 0 {
		return fmt.Errorf("%w: no files uploaded", ErrValidation)
	}
	if len(uploads) > MaxFilesPerUpload {
		return fmt.Errorf("%w: at most %d files per upload", ErrValidation, MaxFilesPerUpload)
	}
	for _, u := range uploads {
		if strings.TrimSpace(u.Filename) == "" {
			return fmt.Errorf("%w: filename is required", ErrValidation)
		}
		if len(u.Filename) > MaxFilenameLength {
			return fmt.Errorf("%w: filename longer than %d characters", ErrValidation, MaxFilenameLength)
		}
		if int64(len(u.Data)) > c.maxFileBytes {
			return fmt.Errorf("%w: %s exceeds %d MB", ErrTooLarge, u.Filename, c.maxFileBytes>>20)
		}
	}
	return nil
}

// AddTranscript records typed or uploaded text against the case.
func (c *Cases) AddTranscript(ctx context.Context, caseID, source, content string) (storage.Transcript, error) {
	if err := ValidateID("case", caseID); err != nil {
		return storage.Transcript{}, err
	}
	src, err := storage.ParseTranscriptSource(source)
	if err != nil {
		return storage.Transcript{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.Transcript{}, fmt.Errorf("%w: content is required", ErrValidation)
	}

	t, err := c.store.CreateTranscript(ctx, caseID, src, content)
	if err != nil {
		return storage.Transcript{}, c.storeErr("saving transcript", caseID, err)
	}
	c.record(ctx, "add_transcript", caseID, t.ID, audit.StatusSuccess, "")
	return t, nil
}

// AddVoice transcribes a recording into a LIVE_MIC transcript.
func (c *Cases) AddVoice(ctx context.Context, caseID string, u Upload) (storage.Transcript, error) {
	if err := ValidateID("case", caseID); err != nil {
		return storage.Transcript{}, err
	}
	if len(u.Data) == 0 {
		return storage.Transcript{}, fmt.Errorf("%w: no audio uploaded", ErrValidation)
	}
	if int64(len(u.Data)) > c.maxFileBytes {
		return storage.Transcript{}, fmt.Errorf("%w: recording exceeds %d MB", ErrTooLarge, c.maxFileBytes>>20)
	}
	if _, err := c.store.GetCase(ctx, caseID); err != nil {
		return storage.Transcript{}, c.storeErr("loading case", caseID, err)
	}

	mediaType := extract.DetectMediaType(u.MediaType, u.Data)
	if !strings.HasPrefix(mediaType, "audio/") && !strings.HasPrefix(mediaType, "video/") {
		mediaType = "audio/webm"
	}
	if u.Filename == "" {
		u.Filename = fmt.Sprintf("voice-%d.webm", time.Now().UnixMilli())
	}

	res, err := c.registry.Extract(ctx, extract.Source{Filename: u.Filename, MediaType: mediaType, Data: u.Data})
	if err != nil {
		c.logger.Error("voice transcription failed", "case_id", caseID, "err", err)
		c.record(ctx, "add_voice", caseID, "", audit.StatusFailure, "transcription failed")
		return storage.Transcript{}, fmt.Errorf("transcribing recording: %w", ErrExtraction)
	}

	t, err := c.store.CreateTranscript(context.WithoutCancel(ctx), caseID, storage.SourceLiveMic, res.Text)
	if err != nil {
		return storage.Transcript{}, c.storeErr("saving transcript", caseID, err)
	}
	c.record(ctx, "add_voice", caseID, t.ID, audit.StatusSuccess, "")
	return t, nil
}

// Results returns the latest analysis run of the case.
func (c *Cases) Results(ctx context.Context, caseID string) (storage.AnalysisRun, error) {
	if err := ValidateID("case", caseID); err != nil {
		return storage.AnalysisRun{}, err
	}
	run, err := c.store.LatestAnalysisRun(ctx, caseID)
	if err != nil {
		return storage.AnalysisRun{}, c.storeErr("loading results", caseID, err)
	}
	return run, nil
}

// storeErr passes NotFound through and hides any other store error behind
// ErrPersistence.
func (c *Cases) storeErr(op, caseID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, caseID, storage.ErrNotFound)
	}
	c.logger.Error("store call failed", "op", op, "case_id", caseID, "err", err)
	return fmt.Errorf("%s %s: %w", op, caseID, ErrPersistence)
}

func (c *Cases) publishFile(f storage.File) {
	if c.events == nil {
		return
	}
	c.events.Publish(events.Event{
		CaseID: f.CaseID,
		FileID: f.ID,
		Kind:   events.KindFile,
		Status: string(f.Status),
		At:     time.Now().UTC(),
	})
}

func (c *Cases) record(ctx context.Context, action, caseID, resourceID string, status audit.Status, msg string) {
	c.audit.Record(ctx, audit.Entry{
		Action:       action,
		CaseID:       caseID,
		ResourceType: strings.SplitN(action, "_", 2)[1],
		ResourceID:   resourceID,
		Status:       status,
		ErrorMessage: msg,
	})
}
