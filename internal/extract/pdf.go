package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/casepipe/internal/storage"
)

type pdfStrategy struct {
	logger *slog.Logger
}

func (pdfStrategy) Name() string               { return "pdf" }
func (pdfStrategy) Kind() storage.ArtifactKind { return storage.ArtifactText }

func (s pdfStrategy) Extract(ctx context.Context, src Source) (text string, err error) {
	broken := func(cause any) string {
		s.logger.Warn("pdf extraction failed", "filename", src.base(), "err", cause)
		return fmt.Sprintf("[PDF Error] Could not extract text from %s. File may be corrupted or password-protected.", src.base())
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			text, err = broken(p), nil
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return broken(err), nil
	}

	var sb strings.Builder
	pages := r.NumPage()
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		t, err := p.GetPlainText(nil)
		if err != nil {
			return broken(err), nil
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t)
	}

	if strings.TrimSpace(sb.String()) == "" {
		return fmt.Sprintf("[PDF] %d pages extracted. Content may be image-based (OCR required).", pages), nil
	}
	return sb.String(), nil
}
