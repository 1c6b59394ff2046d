package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/casepipe/internal/storage"
)

type fakeReader struct {
	readFn func(ctx context.Context, mediaType string, data []byte, instruction string) (string, error)
}

func (f *fakeReader) ReadMedia(ctx context.Context, mediaType string, data []byte, instruction string) (string, error) {
	return f.readFn(ctx, mediaType, data, instruction)
}

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(docxBody)
	if err != nil {
		t.Fatalf("creating zip entry: %v", err)
	}
	doc := `<?xml version="1.0" encoding="UTF-8"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`
	if _, err := w.Write([]byte(doc)); err != nil {
		t.Fatalf("writing zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func TestDetectMediaType(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		data     []byte
		want     string
	}{
		{"declared wins", "Text/Plain; charset=UTF-8", nil, "text/plain"},
		{"pdf signature", "", []byte("%PDF-1.7\n..."), pdfType},
		{"octet stream sniffed", "application/octet-stream", []byte("%PDF-1.4"), pdfType},
		{"png", "", []byte("\x89PNG\r\n\x1a\n0000"), "image/png"},
		{"plain text", "", []byte("glucose: 118 mg/dL"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMediaType(tt.declared, tt.data); got != tt.want {
				t.Errorf("DetectMediaType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMediaType_Docx(t *testing.T) {
	data := buildDocx(t, `<w:p><w:r><w:t>x</w:t></w:r></w:p>`)
	if got := DetectMediaType("", data); got != docxType {
		t.Errorf("DetectMediaType = %q, want docx", got)
	}
}

func TestResolve(t *testing.T) {
	r := NewRegistry()
	tests := map[string]string{
		"text/plain":         "text",
		"text/csv":           "text",
		"application/json":   "text",
		"text/html":          "html",
		pdfType:              "pdf",
		docxType:             "docx",
		"application/msword": "docx",
		"image/jpeg":         "ocr",
		"audio/webm":         "speech",
		"video/mp4":          "speech",
		"application/zip":    "unsupported",
	}
	for mt, want := range tests {
		if got := r.Resolve(mt).Name(); got != want {
			t.Errorf("Resolve(%q) = %s, want %s", mt, got, want)
		}
	}
}

func TestExtract_Text(t *testing.T) {
	r := NewRegistry()
	res, err := r.Extract(context.Background(), Source{Filename: "labs.txt", MediaType: "text/plain", Data: []byte("glucose: 118 mg/dL")})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "glucose: 118 mg/dL" || res.Kind != storage.ArtifactText || res.Strategy != "text" {
		t.Errorf("result = %+v", res)
	}
}

func TestExtract_EmptyTextIsValid(t *testing.T) {
	res, err := NewRegistry().Extract(context.Background(), Source{Filename: "empty.txt", MediaType: "text/plain"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
}

func TestExtract_Unsupported(t *testing.T) {
	res, err := NewRegistry().Extract(context.Background(), Source{Filename: "/tmp/x/archive.zip", MediaType: "application/zip", Data: []byte("PK")})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := "[Unsupported] File type application/zip - archive.zip"
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
}

func TestExtract_HTML(t *testing.T) {
	page := `<html><head><title>t</title><style>p{}</style></head><body><h1>Discharge  summary</h1><script>alert(1)</script><p>BP 120/80</p></body></html>`
	res, err := NewRegistry().Extract(context.Background(), Source{Filename: "s.html", MediaType: "text/html", Data: []byte(page)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "Discharge summary\nBP 120/80" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExtract_Docx(t *testing.T) {
	data := buildDocx(t, `<w:p><w:r><w:t>Chief complaint:</w:t></w:r><w:r><w:tab/><w:t>fatigue</w:t></w:r></w:p><w:p><w:r><w:t>Metformin 500 mg</w:t></w:r></w:p>`)
	res, err := NewRegistry().Extract(context.Background(), Source{Filename: "intake.docx", MediaType: docxType, Data: data})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "Chief complaint:\tfatigue\nMetformin 500 mg" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExtract_DocxPlaceholders(t *testing.T) {
	r := NewRegistry()

	res, err := r.Extract(context.Background(), Source{Filename: "empty.docx", MediaType: docxType, Data: buildDocx(t, `<w:p/>`)})
	if err != nil || !strings.HasPrefix(res.Text, "[DOCX]") {
		t.Errorf("empty docx = %q, %v", res.Text, err)
	}

	res, err = r.Extract(context.Background(), Source{Filename: "old.doc", MediaType: "application/msword", Data: []byte{0xd0, 0xcf, 0x11, 0xe0}})
	if err != nil || res.Text != "[DOCX Error] Could not extract text from old.doc." {
		t.Errorf("legacy doc = %q, %v", res.Text, err)
	}
}

func TestExtract_CorruptPDFIsPlaceholder(t *testing.T) {
	res, err := NewRegistry().Extract(context.Background(), Source{Filename: "scan.pdf", MediaType: pdfType, Data: []byte("%PDF-1.4 garbage")})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(res.Text, "[PDF Error] Could not extract text from scan.pdf") {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExtract_UnavailableStubs(t *testing.T) {
	r := NewRegistry()

	res, err := r.Extract(context.Background(), Source{Filename: "vitals.jpg", MediaType: "image/jpeg"})
	if err != nil || res.Kind != storage.ArtifactOCR || !strings.Contains(res.Text, "vitals.jpg") {
		t.Errorf("ocr stub = %+v, %v", res, err)
	}

	res, err = r.Extract(context.Background(), Source{Filename: "note.webm", MediaType: "audio/webm"})
	if err != nil || res.Kind != storage.ArtifactTranscript || !strings.HasPrefix(res.Text, "[Audio Transcription]") {
		t.Errorf("speech stub = %+v, %v", res, err)
	}

	for _, c := range r.Capabilities() {
		if (c.Name == "ocr" || c.Name == "speech") && c.Available {
			t.Errorf("%s reported available", c.Name)
		}
	}
}

func TestExtract_MediaReader(t *testing.T) {
	reader := &fakeReader{readFn: func(ctx context.Context, mediaType string, data []byte, instruction string) (string, error) {
		if mediaType != "image/png" {
			t.Errorf("mediaType = %s", mediaType)
		}
		return "BP 138/88", nil
	}}
	r := NewRegistry(WithOCR(reader), WithSpeech(reader))

	res, err := r.Extract(context.Background(), Source{Filename: "v.png", MediaType: "image/png", Data: []byte{1}})
	if err != nil || res.Text != "BP 138/88" || res.Strategy != "ocr" {
		t.Errorf("ocr = %+v, %v", res, err)
	}
	for _, c := range r.Capabilities() {
		if !c.Available {
			t.Errorf("%s reported unavailable", c.Name)
		}
	}
}

func TestExtract_RemoteFailureIsError(t *testing.T) {
	boom := errors.New("quota exceeded")
	reader := &fakeReader{readFn: func(ctx context.Context, mediaType string, data []byte, instruction string) (string, error) {
		return "", boom
	}}
	_, err := NewRegistry(WithSpeech(reader)).Extract(context.Background(), Source{Filename: "a.mp3", MediaType: "audio/mpeg"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestExtract_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reader := &fakeReader{readFn: func(ctx context.Context, mediaType string, data []byte, instruction string) (string, error) {
		<-release
		return "late", nil
	}}
	r := NewRegistry(WithOCR(reader), WithTimeout(20*time.Millisecond))

	_, err := r.Extract(context.Background(), Source{Filename: "slow.png", MediaType: "image/png"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestExtract_PanicIsError(t *testing.T) {
	reader := &fakeReader{readFn: func(ctx context.Context, mediaType string, data []byte, instruction string) (string, error) {
		panic("nil map")
	}}
	_, err := NewRegistry(WithOCR(reader)).Extract(context.Background(), Source{Filename: "p.png", MediaType: "image/png"})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("err = %v", err)
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe("image/jpeg"); got != "JPEG Image" {
		t.Errorf("Describe = %q", got)
	}
	if got := Describe("application/x-custom"); got != "application/x-custom" {
		t.Errorf("Describe = %q", got)
	}
}
