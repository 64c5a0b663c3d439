// Package rollback removes relational rows written after a checkpoint.
//
// Only rows are removed or reset; values a row held before the checkpoint
// are not restored.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/flightrec/internal/otel"
	"github.com/basket/flightrec/internal/persistence"
)

// TaskPolicy decides what happens to tasks touched after the snapshot.
type TaskPolicy int

const (
	// TaskDelete removes the rows.
	TaskDelete TaskPolicy = iota
	// TaskReset returns them to pending and clears their commit hash.
	TaskReset
)

func (p TaskPolicy) String() string {
	if p == TaskReset {
		return "reset"
	}
	return "delete"
}

// Options tunes RollbackTx. The zero value deletes every affected task.
type Options struct {
	Policy TaskPolicy
	// Exclude lists task ids kept as they are even when affected.
	Exclude []int64
}

// Result counts what a rollback touched.
type Result struct {
	SnapshotTimestamp string
	AffectedTasks     []int64
	// LogFallback is set when tasks.updated_at is missing and affected tasks
	// were found through their agent logs instead.
	LogFallback   bool
	AgentLogs     int64
	DecisionLogs  int64
	EntropyEvents int64
	Tasks         int64
	Requirements  int64
	// RequirementsSkipped is set when requirements.created_at is missing.
	RequirementsSkipped bool
}

// Rows is the total number of rows removed or reset.
func (r Result) Rows() int64 {
	return r.AgentLogs + r.DecisionLogs + r.EntropyEvents + r.Tasks + r.Requirements
}

// Checkpoints resolves a checkpoint's creation time.
type Checkpoints interface {
	CreatedAt(ctx context.Context, q persistence.Querier, thread, checkpointID string) (string, error)
}

type Engine struct {
	store       *persistence.Store
	checkpoints Checkpoints
	logger      *slog.Logger
	metrics     *otel.Metrics
}

type Option func(*Engine)

func WithCheckpoints(c Checkpoints) Option {
	return func(e *Engine) {
		if c != nil {
			e.checkpoints = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func New(store *persistence.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		checkpoints: persistence.CheckpointStore{},
		logger:      slog.Default(),
		metrics:     otel.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RollbackToSnapshot deletes everything the project wrote after snapshotID
// in a transaction of its own.
func (e *Engine) RollbackToSnapshot(ctx context.Context, projectID int64, snapshotID string) (Result, error) {
	var res Result
	err := e.store.RunTransaction(ctx, func(ctx context.Context, q persistence.Querier) error {
		var err error
		res, err = e.RollbackTx(ctx, q, projectID, snapshotID, Options{})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RollbackTx runs the rollback on q so it composes with the caller's
// transaction. An unknown snapshot is NotFound and nothing is touched.
func (e *Engine) RollbackTx(ctx context.Context, q persistence.Querier, projectID int64, snapshotID string, opts Options) (Result, error) {
	ts, err := e.checkpoints.CreatedAt(ctx, q, persistence.ThreadID(projectID), snapshotID)
	if err != nil {
		return Result{}, err
	}
	res := Result{SnapshotTimestamp: ts}

	// The affected set is computed before any log is deleted, since the
	// fallback finds tasks through those logs.
	hasUpdatedAt, err := persistence.ColumnExists(ctx, q, "tasks", "updated_at")
	if err != nil {
		return Result{}, err
	}
	affected, err := affectedTasks(ctx, q, projectID, ts, hasUpdatedAt)
	if err != nil {
		return Result{}, err
	}
	res.LogFallback = !hasUpdatedAt
	res.AffectedTasks = without(affected, opts.Exclude)

	for _, table := range []struct {
		name  string
		count *int64
	}{
		{"agent_logs", &res.AgentLogs},
		{"decision_logs", &res.DecisionLogs},
		{"entropy_events", &res.EntropyEvents},
	} {
		n, err := deleteTaskRowsAfter(ctx, q, table.name, projectID, ts)
		if err != nil {
			return Result{}, err
		}
		*table.count = n
	}

	switch opts.Policy {
	case TaskReset:
		res.Tasks, err = persistence.ResetTasksTx(ctx, q, res.AffectedTasks)
	default:
		res.Tasks, err = deleteTasks(ctx, q, res.AffectedTasks)
	}
	if err != nil {
		return Result{}, err
	}

	hasCreatedAt, err := persistence.ColumnExists(ctx, q, "requirements", "created_at")
	if err != nil {
		return Result{}, err
	}
	if hasCreatedAt {
		r, err := q.ExecContext(ctx, `DELETE FROM requirements WHERE project_id = ? AND created_at > ?;`, projectID, ts)
		if err != nil {
			return Result{}, fmt.Errorf("roll back requirements: %w", err)
		}
		res.Requirements, _ = r.RowsAffected()
	} else {
		res.RequirementsSkipped = true
	}

	e.metrics.RollbackRows.Add(ctx, res.Rows())
	e.logger.InfoContext(ctx, "relational rollback",
		"project_id", projectID,
		"snapshot", snapshotID,
		"snapshot_ts", ts,
		"policy", opts.Policy.String(),
		"tasks", res.Tasks,
		"agent_logs", res.AgentLogs,
		"requirements", res.Requirements,
		"log_fallback", res.LogFallback,
	)
	return res, nil
}

const projectTasks = `SELECT t.id FROM tasks t JOIN epics e ON e.id = t.epic_id WHERE e.project_id = ?`

func affectedTasks(ctx context.Context, q persistence.Querier, projectID int64, ts string, byUpdatedAt bool) ([]int64, error) {
	query := projectTasks + ` AND t.updated_at > ? ORDER BY t.id;`
	if !byUpdatedAt {
		query = `
			SELECT DISTINCT t.id FROM tasks t
			JOIN epics e ON e.id = t.epic_id
			JOIN agent_logs al ON al.task_id = t.id
			WHERE e.project_id = ? AND al.timestamp > ?
			ORDER BY t.id;`
	}
	rows, err := q.QueryContext(ctx, query, projectID, ts)
	if err != nil {
		return nil, fmt.Errorf("find tasks changed after %s: %w", ts, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteTaskRowsAfter removes rows of a task-owned table written after ts.
// table is always one of the fixed names above.
func deleteTaskRowsAfter(ctx context.Context, q persistence.Querier, table string, projectID int64, ts string) (int64, error) {
	r, err := q.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE task_id IN (`+projectTasks+`) AND timestamp > ?;`, projectID, ts)
	if err != nil {
		return 0, fmt.Errorf("roll back %s: %w", table, err)
	}
	return r.RowsAffected()
}

func deleteTasks(ctx context.Context, q persistence.Querier, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	r, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, fmt.Errorf("roll back tasks: %w", err)
	}
	return r.RowsAffected()
}

func without(ids, exclude []int64) []int64 {
	if len(exclude) == 0 {
		return ids
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
