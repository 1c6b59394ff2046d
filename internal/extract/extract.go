// Package extract turns uploaded bytes into plain text. A Registry maps
// media types to strategies; formats whose backing capability is missing
// are served by stubs that return a descriptive placeholder.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/casepipe/internal/storage"
)

const (
	DefaultTimeout = 60 * time.Second

	pdfType  = "application/pdf"
	docxType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Source is one file handed to a strategy.
type Source struct {
	Filename  string
	MediaType string
	Data      []byte
}

func (s Source) base() string {
	return filepath.Base(s.Filename)
}

// Strategy extracts text from one family of formats. Extract returns an
// error only for cancellation or a failing remote service; local parse
// failures produce placeholder text.
type Strategy interface {
	Name() string
	Kind() storage.ArtifactKind
	Extract(ctx context.Context, src Source) (string, error)
}

// MediaReader answers an instruction about raw media bytes. It backs the
// OCR and speech strategies.
type MediaReader interface {
	ReadMedia(ctx context.Context, mediaType string, data []byte, instruction string) (string, error)
}

// Result is the outcome of a registry extraction.
type Result struct {
	Strategy  string
	Kind      storage.ArtifactKind
	MediaType string
	Text      string
}

// Capability reports whether a strategy is backed by a real implementation.
type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

type Registry struct {
	text, html, pdf, docx, ocr, speech, unsupported Strategy

	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Registry)

// WithTimeout bounds every strategy invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithOCR enables text recognition for images.
func WithOCR(mr MediaReader) Option {
	return func(r *Registry) {
		if mr != nil {
			r.ocr = ocrStrategy{reader: mr}
		}
	}
}

// WithSpeech enables transcription of audio and video.
func WithSpeech(mr MediaReader) Option {
	return func(r *Registry) {
		if mr != nil {
			r.speech = speechStrategy{reader: mr}
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds the strategy table. OCR and speech start as
// unavailable stubs unless enabled by an option.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		ocr: unavailable{
			name: "ocr", kind: storage.ArtifactOCR,
			placeholder: func(s Source) string {
				return fmt.Sprintf("[Image] %s - OCR is not configured; no text was extracted.", s.base())
			},
		},
		speech: unavailable{
			name: "speech", kind: storage.ArtifactTranscript,
			placeholder: func(s Source) string {
				return fmt.Sprintf("[Audio Transcription] File: %s. Speech-to-text is not configured; review the recording and add notes manually.", s.base())
			},
		},
		text:        textStrategy{},
		unsupported: unsupportedStrategy{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.html = htmlStrategy{}
	r.pdf = pdfStrategy{logger: r.logger}
	r.docx = docxStrategy{logger: r.logger}
	return r
}

// Resolve picks the strategy for a normalized media type.
func (r *Registry) Resolve(mediaType string) Strategy {
	switch mt := mediaType; {
	case mt == "text/html":
		return r.html
	case strings.HasPrefix(mt, "text/") || mt == "application/json":
		return r.text
	case strings.Contains(mt, "pdf"):
		return r.pdf
	case strings.Contains(mt, "word") || strings.Contains(mt, "officedocument.wordprocessingml"):
		return r.docx
	case strings.HasPrefix(mt, "image/"):
		return r.ocr
	case strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/"):
		return r.speech
	default:
		return r.unsupported
	}
}

// Extract normalizes the media type of src, dispatches it and runs the
// strategy under the registry timeout.
func (r *Registry) Extract(ctx context.Context, src Source) (Result, error) {
	src.MediaType = DetectMediaType(src.MediaType, src.Data)
	s := r.Resolve(src.MediaType)
	res := Result{Strategy: s.Name(), Kind: s.Kind(), MediaType: src.MediaType}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("strategy panicked: %v", p)}
			}
		}()
		text, err := s.Extract(ctx, src)
		done <- outcome{text: text, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return res, fmt.Errorf("%s extraction of %s: %w", s.Name(), src.base(), o.err)
		}
		res.Text = o.text
		return res, nil
	case <-ctx.Done():
		return res, fmt.Errorf("%s extraction of %s: %w", s.Name(), src.base(), ctx.Err())
	}
}

// Capabilities lists every strategy in dispatch order.
func (r *Registry) Capabilities() []Capability {
	var out []Capability
	for _, s := range []Strategy{r.text, r.html, r.pdf, r.docx, r.ocr, r.speech} {
		c := Capability{Name: s.Name(), Available: true}
		if u, ok := s.(unavailable); ok {
			c.Available = false
			c.Detail = "not configured"
			c.Name = u.name
		}
		out = append(out, c)
	}
	return out
}

// DetectMediaType lowercases the declared type and strips its parameters.
// A missing or generic declaration is replaced by sniffing data.
func DetectMediaType(declared string, data []byte) string {
	mt := normalize(declared)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return pdfType
	case isDocx(data):
		return docxType
	}
	return normalize(http.DetectContentType(data))
}

func normalize(mediaType string) string {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

var descriptions = map[string]string{
	pdfType:              "PDF Document",
	"application/msword": "Word Document (DOC)",
	docxType:             "Word Document (DOCX)",
	"image/jpeg":         "JPEG Image",
	"image/png":          "PNG Image",
	"image/gif":          "GIF Image",
	"audio/mpeg":         "MP3 Audio",
	"audio/wav":          "WAV Audio",
	"audio/webm":         "WebM Audio",
	"video/mp4":          "MP4 Video",
	"video/webm":         "WebM Video",
	"text/plain":         "Plain Text",
}

// Describe returns a human-readable name for a media type.
func Describe(mediaType string) string {
	if d, ok := descriptions[normalize(mediaType)]; ok {
		return d
	}
	return mediaType
}
