package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set status transition finds
	// the record in a different state than expected.
	ErrConflict = errors.New("conflict")
)

type CaseStatus string

const (
	CaseDraft     CaseStatus = "DRAFT"
	CaseAnalyzing CaseStatus = "ANALYZING"
	CaseCompleted CaseStatus = "COMPLETED"
	CaseError     CaseStatus = "ERROR"
)

type FileStatus string

const (
	FileUploaded   FileStatus = "UPLOADED"
	FileExtracting FileStatus = "EXTRACTING"
	FileReady      FileStatus = "READY"
	FileError      FileStatus = "ERROR"
)

// Terminal reports whether no further transitions are allowed from s.
func (s FileStatus) Terminal() bool {
	return s == FileReady || s == FileError
}

type ArtifactKind string

const (
	ArtifactText       ArtifactKind = "TEXT"
	ArtifactOCR        ArtifactKind = "OCR"
	ArtifactTranscript ArtifactKind = "TRANSCRIPT"
)

// ArtifactCompleted is the only status an artifact ever has.
const ArtifactCompleted = "COMPLETED"

type TranscriptSource string

const (
	SourceLiveMic TranscriptSource = "LIVE_MIC"
	SourceNote    TranscriptSource = "NOTE"
	SourceUpload  TranscriptSource = "UPLOAD"
)

// ParseTranscriptSource validates a user-supplied source value.
func ParseTranscriptSource(s string) (TranscriptSource, error) {
	switch src := TranscriptSource(strings.ToUpper(strings.TrimSpace(s))); src {
	case SourceLiveMic, SourceNote, SourceUpload:
		return src, nil
	case "":
		return SourceNote, nil
	default:
		return "", fmt.Errorf("unknown transcript source %q", s)
	}
}

type Case struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	Status    CaseStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type File struct {
	ID        string     `json:"id"`
	CaseID    string     `json:"case_id"`
	Filename  string     `json:"filename"`
	MediaType string     `json:"media_type"`
	Size      int64      `json:"size"`
	Locator   string     `json:"locator"`
	Status    FileStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewFile carries the fields a caller supplies when registering uploaded bytes.
type NewFile struct {
	CaseID    string
	Filename  string
	MediaType string
	Size      int64
	Locator   string
}

type Artifact struct {
	ID        string       `json:"id"`
	FileID    string       `json:"file_id"`
	Kind      ArtifactKind `json:"kind"`
	Content   string       `json:"content"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

type Transcript struct {
	ID        string           `json:"id"`
	CaseID    string           `json:"case_id"`
	Source    TranscriptSource `json:"source"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
}

type AnalysisRun struct {
	ID        string          `json:"id"`
	CaseID    string          `json:"case_id"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Output    json.RawMessage `json:"output"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAnalysisRun carries the fields of a run to persist.
type NewAnalysisRun struct {
	CaseID   string
	Provider string
	Model    string
	Output   json.RawMessage
}

// FileWithArtifacts is a file together with its extraction artifacts in
// creation order.
type FileWithArtifacts struct {
	File
	Artifacts []Artifact `json:"artifacts"`
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

const (
	casePrefix     = "CASE"
	overflowPrefix = "TMP"
)

// nextCaseCode returns the code following the highest sequence among
// existing codes for the given prefix and year.
func nextCaseCode(prefix string, year int, existing []string) string {
	head := fmt.Sprintf("%s-%d-", prefix, year)
	highest := 0
	for _, code := range existing {
		if !strings.HasPrefix(code, head) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(code, head))
		if err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%04d", head, highest+1)
}
