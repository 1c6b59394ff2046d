// Package blob stores the raw bytes of uploaded files. Records in the case
// store refer to bytes only through the opaque locator returned by Save.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no bytes exist for the locator.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidLocator indicates a locator this store did not issue.
	ErrInvalidLocator = errors.New("invalid blob locator")
)

type Store interface {
	// Save writes data under the case and returns its locator.
	Save(ctx context.Context, caseID, filename, contentType string, data []byte) (string, error)
	Read(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.]`)

// SafeName replaces every character outside [A-Za-z0-9.] with an
// underscore.
func SafeName(filename string) string {
	name := unsafeChars.ReplaceAllString(path.Base(strings.ReplaceAll(filename, `\`, "/")), "_")
	if name == "" || strings.Trim(name, ".") == "" {
		return "file"
	}
	return name
}

// objectKey names the stored object: <caseID>/<unixnano>-<safe name>.
func objectKey(caseID, filename string, now time.Time) string {
	return fmt.Sprintf("%s/%d-%s", SafeName(caseID), now.UnixNano(), SafeName(filename))
}

// splitLocator returns the key of a locator with the given scheme.
func splitLocator(scheme, locator string) (string, error) {
	key, ok := strings.CutPrefix(locator, scheme+"://")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return key, nil
}
