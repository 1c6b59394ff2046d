package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"lab results (1).pdf": "lab_results__1_.pdf",
		"../../etc/passwd":    "passwd",
		`C:\scans\x-ray.png`:  "x_ray.png",
		"..":                  "file",
		"":                    "file",
		"ñote.txt":            "_ote.txt",
	}
	for in, want := range tests {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocal_SaveReadDelete(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	l.now = func() time.Time { return time.Unix(0, 42) }

	ctx := context.Background()
	loc, err := l.Save(ctx, "case-1", "lab results.txt", "text/plain", []byte("glucose"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if loc != "local://case_1/42-lab_results.txt" {
		t.Errorf("locator = %q", loc)
	}
	if _, err := os.Stat(filepath.Join(root, "case_1", "42-lab_results.txt")); err != nil {
		t.Errorf("file not on disk: %v", err)
	}

	data, err := l.Read(ctx, loc)
	if err != nil || !bytes.Equal(data, []byte("glucose")) {
		t.Fatalf("Read = %q, %v", data, err)
	}

	if err := l.Delete(ctx, loc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Read(ctx, loc); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after delete: %v, want ErrNotFound", err)
	}
	if err := l.Delete(ctx, loc); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v, want ErrNotFound", err)
	}
}

func TestLocal_RejectsForeignLocators(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	for _, loc := range []string{"fixture://lab-results.pdf", "local://../secret", "local:///etc/passwd", "local://", "/tmp/x"} {
		if _, err := l.Read(context.Background(), loc); !errors.Is(err, ErrInvalidLocator) {
			t.Errorf("Read(%q) err = %v, want ErrInvalidLocator", loc, err)
		}
	}
}

func TestLocal_CancelledSave(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Save(ctx, "c", "f.txt", "text/plain", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestNewAzure_Validation(t *testing.T) {
	if _, err := NewAzure("UseDevelopmentStorage=true", "", nil); err == nil {
		t.Error("expected error for missing container")
	}
	a, err := NewAzure("DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;", "uploads", nil)
	if err != nil {
		t.Fatalf("NewAzure: %v", err)
	}
	if _, err := a.Read(context.Background(), "local://x"); !errors.Is(err, ErrInvalidLocator) {
		t.Errorf("foreign locator err = %v", err)
	}
	if !strings.HasPrefix(objectKey("c", "f", time.Unix(0, 1)), "c/1-") {
		t.Error("objectKey layout changed")
	}
}
