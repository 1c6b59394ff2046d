package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const localScheme = "local"

// Local keeps bytes under a directory on the local filesystem.
type Local struct {
	root string
	now  func() time.Time
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &Local{root: root, now: time.Now}, nil
}

func (l *Local) Save(ctx context.Context, caseID, filename, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := objectKey(caseID, filename, l.now())
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("creating case dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	return localScheme + "://" + key, nil
}

func (l *Local) Read(ctx context.Context, locator string) ([]byte, error) {
	p, err := l.path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", locator, err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, locator string) error {
	p, err := l.path(locator)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", locator, err)
	}
	// Drop the case directory once it is empty.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (l *Local) path(locator string) (string, error) {
	key, err := splitLocator(localScheme, locator)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}
