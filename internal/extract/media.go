package extract

import (
	"context"
	"fmt"

	"github.com/kalambet/casepipe/internal/storage"
)

const (
	ocrInstruction = "Transcribe all legible text in this clinical image exactly as written. " +
		"Preserve numbers, units and reference ranges. Output plain text only."
	speechInstruction = "Transcribe this clinical voice recording verbatim. " +
		"Output plain text only, without timestamps or speaker labels."
)

type ocrStrategy struct {
	reader MediaReader
}

func (ocrStrategy) Name() string               { return "ocr" }
func (ocrStrategy) Kind() storage.ArtifactKind { return storage.ArtifactOCR }

func (s ocrStrategy) Extract(ctx context.Context, src Source) (string, error) {
	return s.reader.ReadMedia(ctx, src.MediaType, src.Data, ocrInstruction)
}

type speechStrategy struct {
	reader MediaReader
}

func (speechStrategy) Name() string               { return "speech" }
func (speechStrategy) Kind() storage.ArtifactKind { return storage.ArtifactTranscript }

func (s speechStrategy) Extract(ctx context.Context, src Source) (string, error) {
	return s.reader.ReadMedia(ctx, src.MediaType, src.Data, speechInstruction)
}

// unavailable stands in for a strategy whose backing service is not
// configured.
type unavailable struct {
	name        string
	kind        storage.ArtifactKind
	placeholder func(Source) string
}

func (u unavailable) Name() string               { return u.name }
func (u unavailable) Kind() storage.ArtifactKind { return u.kind }

func (u unavailable) Extract(ctx context.Context, src Source) (string, error) {
	return u.placeholder(src), nil
}

type unsupportedStrategy struct{}

func (unsupportedStrategy) Name() string               { return "unsupported" }
func (unsupportedStrategy) Kind() storage.ArtifactKind { return storage.ArtifactText }

func (unsupportedStrategy) Extract(ctx context.Context, src Source) (string, error) {
	return fmt.Sprintf("[Unsupported] File type %s - %s", src.MediaType, src.base()), nil
}
