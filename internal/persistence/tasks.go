package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/flightrec/internal/shared"
)

const taskColumns = `t.id, t.epic_id, t.title, t.description, t.status, t.git_commit_hash, t.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                 Task
		status            string
		desc, hash, stamp sql.NullString
	)
	if err := row.Scan(&t.ID, &t.EpicID, &t.Title, &desc, &status, &hash, &stamp); err != nil {
		return Task{}, err
	}
	t.Description = desc.String
	t.Status = TaskStatus(status)
	t.GitCommitHash = hash.String
	t.UpdatedAt = parseTimestamp(stamp)
	return t, nil
}

func taskSubject(id int64) string {
	return "task " + strconv.FormatInt(id, 10)
}

func (s *Store) SaveTasks(ctx context.Context, tasks []Task) ([]int64, error) {
	var ids []int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		ids, err = SaveTasksTx(ctx, q, tasks)
		return err
	})
	return ids, err
}

// SaveTasksTx inserts tasks. A task only starts out completed when it
// already carries a commit hash.
func SaveTasksTx(ctx context.Context, q Querier, tasks []Task) ([]int64, error) {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = TaskPending
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("insert task %q: unknown status %q", t.Title, t.Status)
		}
		if t.Status == TaskCompleted && t.GitCommitHash == "" {
			return nil, shared.PreconditionFailed("insert task", t.Title, "completed task requires a commit hash")
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO tasks (epic_id, title, description, status, git_commit_hash)
			VALUES (?, ?, ?, ?, ?);
		`, t.EpicID, t.Title, nullString(t.Description), string(t.Status), nullString(t.GitCommitHash))
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	return GetTaskTx(ctx, s.db, id)
}

func GetTaskTx(ctx context.Context, q Querier, id int64) (Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, shared.NotFound("get task", taskSubject(id))
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) GetTaskByCommitHash(ctx context.Context, hash string) (Task, error) {
	return GetTaskByCommitHashTx(ctx, s.db, hash)
}

// GetTaskByCommitHashTx accepts a full hash or a unique prefix.
func GetTaskByCommitHashTx(ctx context.Context, q Querier, hash string) (Task, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Task{}, shared.NotFound("get task by commit", "empty hash")
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.git_commit_hash = ? OR t.git_commit_hash LIKE ? || '%'
		ORDER BY (t.git_commit_hash = ?) DESC, t.id
		LIMIT 2;
	`, hash, hash, hash)
	if err != nil {
		return Task{}, fmt.Errorf("get task by commit %s: %w", hash, err)
	}
	defer rows.Close()
	var found []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return Task{}, fmt.Errorf("scan task: %w", err)
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return Task{}, err
	}
	switch {
	case len(found) == 0:
		return Task{}, shared.NotFound("get task by commit", "commit "+hash)
	case found[0].GitCommitHash == hash || len(found) == 1:
		return found[0], nil
	default:
		return Task{}, shared.PreconditionFailed("get task by commit", "commit "+hash, "ambiguous hash prefix")
	}
}

func (s *Store) ListTasks(ctx context.Context, projectID int64) ([]Task, error) {
	return ListTasksTx(ctx, s.db, projectID)
}

// ListTasksTx returns the project's tasks in epic order.
func ListTasksTx(ctx context.Context, q Querier, projectID int64) ([]Task, error) {
	return queryTasks(ctx, q, `
		SELECT `+taskColumns+` FROM tasks t
		JOIN epics e ON e.id = t.epic_id
		WHERE e.project_id = ?
		ORDER BY e.order_index, e.id, t.id;
	`, projectID)
}

// ListTasksByStatusTx returns the project's tasks currently in status.
func ListTasksByStatusTx(ctx context.Context, q Querier, projectID int64, status TaskStatus) ([]Task, error) {
	return queryTasks(ctx, q, `
		SELECT `+taskColumns+` FROM tasks t
		JOIN epics e ON e.id = t.epic_id
		WHERE e.project_id = ? AND t.status = ?
		ORDER BY t.id;
	`, projectID, string(status))
}

func queryTasks(ctx context.Context, q Querier, query string, args ...any) ([]Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	return s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		return UpdateTaskStatusTx(ctx, q, id, status)
	})
}

// UpdateTaskStatusTx moves a task to status and stamps updated_at. Moving a
// task out of completed clears its commit hash. Completion goes through
// CompleteTaskTx, which records the hash in the same statement.
func UpdateTaskStatusTx(ctx context.Context, q Querier, id int64, status TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update task %d: unknown status %q", id, status)
	}
	if status == TaskCompleted {
		return shared.PreconditionFailed("update task status", taskSubject(id), "completed task requires a commit hash")
	}
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, git_commit_hash = NULL, updated_at = `+nowExpr+` WHERE id = ?;
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NotFound("update task status", taskSubject(id))
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, id int64, hash string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		return CompleteTaskTx(ctx, q, id, hash)
	})
}

// CompleteTaskTx marks a task completed at commit hash.
func CompleteTaskTx(ctx context.Context, q Querier, id int64, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return shared.PreconditionFailed("complete task", taskSubject(id), "empty commit hash")
	}
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', git_commit_hash = ?, updated_at = `+nowExpr+` WHERE id = ?;
	`, hash, id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NotFound("complete task", taskSubject(id))
	}
	return nil
}

// ResetTasksTx returns tasks to pending with no commit hash. On a file
// whose tasks table predates updated_at the stamp is skipped.
func ResetTasksTx(ctx context.Context, q Querier, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	stamped, err := ColumnExists(ctx, q, "tasks", "updated_at")
	if err != nil {
		return 0, err
	}
	query := `UPDATE tasks SET status = 'pending', git_commit_hash = NULL WHERE id = ?;`
	if stamped {
		query = `UPDATE tasks SET status = 'pending', git_commit_hash = NULL, updated_at = ` + nowExpr + ` WHERE id = ?;`
	}

	var total int64
	for _, id := range ids {
		res, err := q.ExecContext(ctx, query, id)
		if err != nil {
			return total, fmt.Errorf("reset task %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *Store) TaskProjectID(ctx context.Context, taskID int64) (int64, error) {
	return TaskProjectIDTx(ctx, s.db, taskID)
}

// TaskProjectIDTx resolves the owning project through the task's epic.
func TaskProjectIDTx(ctx context.Context, q Querier, taskID int64) (int64, error) {
	var projectID int64
	err := q.QueryRowContext(ctx, `
		SELECT e.project_id FROM tasks t JOIN epics e ON e.id = t.epic_id WHERE t.id = ?;
	`, taskID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, shared.NotFound("resolve task project", taskSubject(taskID))
	}
	if err != nil {
		return 0, fmt.Errorf("resolve project for task %d: %w", taskID, err)
	}
	return projectID, nil
}
