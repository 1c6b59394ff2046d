package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Failures reported to callers. None of them carry provider or driver
// text; details go to the log.
var (
	ErrValidation     = errors.New("validation failed")
	ErrTooLarge       = fmt.Errorf("%w: upload too large", ErrValidation)
	ErrExtraction     = errors.New("extraction failed")
	ErrAnalysisFailed = errors.New("analysis failed")
	ErrPersistence    = errors.New("persistence failed")
)

// ValidateID checks that id is a UUID.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid %s id format", ErrValidation, kind)
	}
	return nil
}
