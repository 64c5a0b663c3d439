// Package audit appends a JSONL record for every destructive operation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/flightrec/internal/shared"
)

// FileName is the audit log under <home>/logs.
const FileName = "audit.jsonl"

// Entry is one audit record. Details values are redacted before writing.
type Entry struct {
	Timestamp string            `json:"timestamp"`
	TraceID   string            `json:"trace_id,omitempty"`
	Action    string            `json:"action"`
	Outcome   string            `json:"outcome"`
	ProjectID int64             `json:"project_id,omitempty"`
	TaskID    int64             `json:"task_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger is an append-only audit trail. A nil *Logger discards records.
type Logger struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	count int64
}

// Open opens (or creates) <homeDir>/logs/audit.jsonl for appending.
func Open(homeDir string) (*Logger, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{path: path, file: f}, nil
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record appends e. The trace id comes from ctx when e has none.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if l == nil {
		return nil
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	e.Subject = shared.Redact(e.Subject)
	if len(e.Details) > 0 {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			if shared.IsSensitiveKey(k) {
				v = "[REDACTED]"
			}
			details[k] = shared.Redact(v)
		}
		e.Details = details
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.count++
	return nil
}

// Count returns the number of records written since Open.
func (l *Logger) Count() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
