package events

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// slogAdapter bridges watermill logging to slog. Watermill's Info level is
// per message, so it is demoted to Debug.
type slogAdapter struct {
	l *slog.Logger
}

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (a slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error(msg, append(attrs(fields), "err", err)...)
}

func (a slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, attrs(fields)...)
}

func (a slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, attrs(fields)...)
}

func (a slogAdapter) Trace(msg string, fields watermill.LogFields) {}

func (a slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return slogAdapter{l: a.l.With(attrs(fields)...)}
}
