package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/casepipe/internal/storage"
)

const docxBody = "word/document.xml"

type docxStrategy struct {
	logger *slog.Logger
}

func (docxStrategy) Name() string               { return "docx" }
func (docxStrategy) Kind() storage.ArtifactKind { return storage.ArtifactText }

func (s docxStrategy) Extract(ctx context.Context, src Source) (string, error) {
	text, err := docxText(src.Data)
	if err != nil {
		s.logger.Warn("docx extraction failed", "filename", src.base(), "err", err)
		return fmt.Sprintf("[DOCX Error] Could not extract text from %s.", src.base()), nil
	}
	if strings.TrimSpace(text) == "" {
		return "[DOCX] Document extracted but contains no text content.", nil
	}
	return text, nil
}

// docxText reads the main document part and keeps run text, tabs and
// paragraph breaks.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	f, err := zr.Open(docxBody)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", docxBody, err)
	}
	defer f.Close()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing %s: %w", docxBody, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func isDocx(data []byte) bool {
	if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return false
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == docxBody {
			return true
		}
	}
	return false
}
