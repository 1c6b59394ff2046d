package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/casepipe/internal/reasoning"
	"github.com/kalambet/casepipe/internal/storage"
)

// isoMillis matches the timestamps shown to clinicians elsewhere.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// ContextBuilder assembles the text of a case into a reasoning bundle.
type ContextBuilder struct {
	store storage.Store
}

func NewContextBuilder(store storage.Store) *ContextBuilder {
	return &ContextBuilder{store: store}
}

// Build reads the case, its file artifacts and its transcripts. It writes
// nothing, and two calls with no intervening writes return identical
// bundles.
func (b *ContextBuilder) Build(ctx context.Context, caseID string) (reasoning.Bundle, error) {
	c, err := b.store.GetCase(ctx, caseID)
	if errors.Is(err, storage.ErrNotFound) {
		return reasoning.Bundle{}, fmt.Errorf("case %s: %w", caseID, storage.ErrNotFound)
	}
	if err != nil {
		return reasoning.Bundle{}, fmt.Errorf("loading case %s: %w: %w", caseID, ErrPersistence, err)
	}

	files, err := b.store.ListCaseFiles(ctx, caseID)
	if err != nil {
		return reasoning.Bundle{}, fmt.Errorf("listing files of case %s: %w: %w", caseID, ErrPersistence, err)
	}
	transcripts, err := b.store.ListTranscripts(ctx, caseID)
	if err != nil {
		return reasoning.Bundle{}, fmt.Errorf("listing transcripts of case %s: %w: %w", caseID, ErrPersistence, err)
	}

	return reasoning.Bundle{
		CaseCode:    c.Code,
		Documents:   documentBlocks(files),
		Transcripts: transcriptBlocks(transcripts),
	}, nil
}

func documentBlocks(files []storage.FileWithArtifacts) string {
	var blocks []string
	for _, f := range files {
		for _, a := range f.Artifacts {
			blocks = append(blocks, fmt.Sprintf("--- File: %s (%s) ---\n%s", f.Filename, f.MediaType, a.Content))
		}
	}
	return strings.Join(blocks, "\n\n")
}

func transcriptBlocks(ts []storage.Transcript) string {
	blocks := make([]string, 0, len(ts))
	for _, t := range ts {
		blocks = append(blocks, fmt.Sprintf("--- %s (%s) ---\n%s", SourceLabel(t.Source), t.CreatedAt.UTC().Format(isoMillis), t.Content))
	}
	return strings.Join(blocks, "\n\n")
}

// SourceLabel names a transcript source for display.
func SourceLabel(s storage.TranscriptSource) string {
	switch s {
	case storage.SourceLiveMic:
		return "Live Voice Note"
	case storage.SourceUpload:
		return "Uploaded Transcript"
	default:
		return "Typed Note"
	}
}
