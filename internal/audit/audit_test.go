package audit

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/basket/flightrec/internal/shared"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []Entry
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	if err := l.Record(ctx, Entry{Action: "rewind", Outcome: "ok", ProjectID: 1, TaskID: 2,
		Details: map[string]string{"commit": "abc", "auth_token": "hunter2"}}); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries := readEntries(t, l.Path())
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != "rewind" || e.TaskID != 2 || e.TraceID != "trace-1" || e.Timestamp == "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Details["auth_token"] != "[REDACTED]" || e.Details["commit"] != "abc" {
		t.Fatalf("details not redacted as expected: %v", e.Details)
	}

	info, err := os.Stat(l.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("audit file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	_ = l.Record(context.Background(), Entry{Action: "op1", Outcome: "ok"})
	_ = l.Record(context.Background(), Entry{Action: "op2", Outcome: "error"})
	_ = l.Close()

	// Reopening appends rather than truncating.
	l, err = Open(home)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	defer l.Close()
	_ = l.Record(context.Background(), Entry{Action: "op3", Outcome: "ok"})

	entries := readEntries(t, l.Path())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"op1", "op2", "op3"} {
		if entries[i].Action != want {
			t.Fatalf("entry %d action = %q, want %q", i, entries[i].Action, want)
		}
	}
	if l.Count() != 1 {
		t.Fatalf("count = %d, want 1", l.Count())
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	if err := l.Record(context.Background(), Entry{Action: "x"}); err != nil {
		t.Fatalf("nil logger record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("nil logger close: %v", err)
	}
}

func TestRecordAfterClose(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	_ = l.Close()
	if err := l.Record(context.Background(), Entry{Action: "x"}); err == nil {
		t.Fatal("expected error after close")
	}
}
