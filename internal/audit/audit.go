// Package audit records security- and operations-relevant events.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusWarning Status = "warning"
)

// Entry is a single audit record.
type Entry struct {
	Time         time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	CaseID       string         `json:"case_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Sink accepts audit entries. Record must not block for long and must
// never fail the calling operation.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Filter narrows Recent results. Empty fields match everything.
type Filter struct {
	CaseID string
	Action string
}

const (
	defaultCapacity = 1000
	recentLimit     = 100
)

// Log writes entries to a slog logger and keeps the most recent ones in
// memory for review.
type Log struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewLog(logger *slog.Logger, capacity int) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{logger: logger, entries: make([]Entry, capacity)}
}

func (l *Log) Record(ctx context.Context, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("audit record panicked", "action", e.Action, "panic", r)
		}
	}()

	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	level := slog.LevelInfo
	switch e.Status {
	case StatusFailure:
		level = slog.LevelError
	case StatusWarning:
		level = slog.LevelWarn
	}
	attrs := []any{"audit", true, "action", e.Action, "status", string(e.Status)}
	if e.CaseID != "" {
		attrs = append(attrs, "case_id", e.CaseID)
	}
	if e.ResourceID != "" {
		attrs = append(attrs, "resource_type", e.ResourceType, "resource_id", e.ResourceID)
	}
	if e.ErrorMessage != "" {
		attrs = append(attrs, "error", e.ErrorMessage)
	}
	l.logger.Log(ctx, level, "audit", attrs...)
}

// Recent returns up to the last 100 entries matching f, oldest first.
func (l *Log) Recent(f Filter) []Entry {
	l.mu.Lock()
	ordered := make([]Entry, 0, len(l.entries))
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)
	l.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range ordered {
		if f.CaseID != "" && e.CaseID != f.CaseID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	if len(out) > recentLimit {
		out = out[len(out)-recentLimit:]
	}
	return out
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
