package persistence

import (
	"database/sql"
	"strings"
	"time"
)

type ProjectStatus string

const (
	ProjectInitializing ProjectStatus = "INITIALIZING"
	ProjectActive       ProjectStatus = "ACTIVE"
	ProjectPaused       ProjectStatus = "PAUSED"
	ProjectError        ProjectStatus = "ERROR"
	ProjectCompleted    ProjectStatus = "COMPLETED"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

type Project struct {
	ID            int64
	Name          string
	Status        ProjectStatus
	CurrentPhase  string
	LastMilestone string
	// Metadata is opaque JSON text.
	Metadata string
}

type Document struct {
	ID        int64
	ProjectID int64
	Name      string
	Content   string
	Version   int
	Status    string
}

type Requirement struct {
	ID          int64
	ProjectID   int64
	Description string
	Priority    string
	Status      string
	Metadata    string
	CreatedAt   time.Time
}

type Epic struct {
	ID         int64
	ProjectID  int64
	Name       string
	OrderIndex int
	Status     string
}

// Task is a unit of work. GitCommitHash is empty while no commit records the
// task; a completed task always carries one.
type Task struct {
	ID            int64
	EpicID        int64
	Title         string
	Description   string
	Status        TaskStatus
	GitCommitHash string
	UpdatedAt     time.Time
}

type AgentLog struct {
	ID          int64
	TaskID      int64
	EpicID      int64
	Timestamp   time.Time
	Role        string
	ContentType string
	Content     string
	CommitHash  string
}

type DecisionLog struct {
	ID                    int64
	TaskID                int64
	Timestamp             time.Time
	AlternativeConsidered string
	ReasoningForRejection string
	SelectedOption        string
}

type EntropyEvent struct {
	ID          int64
	TaskID      int64
	HashChain   string
	ErrorOutput string
	Timestamp   time.Time
}

// ProjectState is the full relational picture of one project.
type ProjectState struct {
	Project      Project
	Documents    []Document
	Requirements []Requirement
	Epics        []Epic
	Tasks        []Task
	AgentLogs    []AgentLog
}

// TimestampLayout matches the strftime format the schema uses for defaults.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t the way the store writes timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func parseTimestamp(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{TimestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(v.String)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// timestampArg returns nil for the zero time so the column default applies
// through COALESCE.
func timestampArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTimestamp(t)
}
