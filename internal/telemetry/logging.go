// Package telemetry builds the JSON slog logger shared by every command.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/flightrec/internal/shared"
)

// Options controls where and how much is logged.
type Options struct {
	Level string
	// Quiet suppresses the stdout copy; the log file is always written.
	Quiet bool
	// Stdout overrides os.Stdout for the interactive copy.
	Stdout    io.Writer
	Component string
}

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl and, unless
// quiet, to stdout. The returned LevelVar lets a config reload change the
// level without rebuilding the logger.
func NewLogger(homeDir string, opts Options) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	var w io.Writer = file
	if !opts.Quiet {
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		w = io.MultiWriter(out, file)
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))
	component := opts.Component
	if component == "" {
		component = "flightrec"
	}
	logger := slog.New(NewHandler(w, level)).With("component", component)
	return logger, level, file, nil
}

// NewHandler returns the JSON handler with timestamp renaming, redaction and
// context id injection.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return contextHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// contextHandler copies trace_id, task_id and project_id from the record's
// context so call sites only need the *Context logging methods.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
		if id := shared.TaskID(ctx); id != 0 {
			r.AddAttrs(slog.Int64("task_id", id))
		}
		if id := shared.ProjectID(ctx); id != 0 {
			r.AddAttrs(slog.Int64("project_id", id))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
