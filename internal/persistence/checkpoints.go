package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/basket/flightrec/internal/shared"
)

// Checkpoint identifies one graph-engine checkpoint. Payload columns are
// opaque and not loaded.
type Checkpoint struct {
	ThreadID   string
	Namespace  string
	ID         string
	ParentID   string
	Type       string
	CreatedAt  string
	Checkpoint []byte
	Metadata   []byte
}

// CheckpointWrite correlates a checkpoint with the task that produced it.
type CheckpointWrite struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	TaskID       string
	Idx          int
	Channel      string
	Type         string
	Value        []byte
}

// ThreadID renders a project id the way the graph engine keys its threads.
func ThreadID(projectID int64) string {
	return strconv.FormatInt(projectID, 10)
}

// CheckpointStore reads and prunes the checkpoint tables in the state file.
// Every method runs on the querier it is given so it composes with the
// caller's transaction.
type CheckpointStore struct{}

// CreatedAt returns the creation timestamp of a checkpoint in thread.
func (CheckpointStore) CreatedAt(ctx context.Context, q Querier, thread, checkpointID string) (string, error) {
	var ts string
	err := q.QueryRowContext(ctx, `
		SELECT created_at FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?
		ORDER BY created_at DESC LIMIT 1;
	`, thread, checkpointID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shared.NotFound("resolve checkpoint", "checkpoint "+checkpointID+" in thread "+thread)
	}
	if err != nil {
		return "", fmt.Errorf("resolve checkpoint %s: %w", checkpointID, err)
	}
	return ts, nil
}

// LatestForTask returns the most recent checkpoint whose writes name taskID.
func (CheckpointStore) LatestForTask(ctx context.Context, q Querier, thread, taskID string) (Checkpoint, error) {
	var (
		cp           Checkpoint
		parent, kind sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT c.thread_id, c.checkpoint_ns, c.checkpoint_id, c.parent_checkpoint_id, c.type, c.created_at
		FROM checkpoints c
		JOIN checkpoint_writes cw
			ON cw.thread_id = c.thread_id
			AND cw.checkpoint_ns = c.checkpoint_ns
			AND cw.checkpoint_id = c.checkpoint_id
		WHERE cw.task_id = ? AND c.thread_id = ?
		ORDER BY c.created_at DESC, c.rowid DESC
		LIMIT 1;
	`, taskID, thread).Scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &parent, &kind, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, shared.NotFound("find task checkpoint", "checkpoint for task "+taskID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("find checkpoint for task %s: %w", taskID, err)
	}
	cp.ParentID = parent.String
	cp.Type = kind.String
	return cp, nil
}

// PutCheckpoint inserts or replaces a checkpoint. An empty CreatedAt takes
// the column default.
func (CheckpointStore) PutCheckpoint(ctx context.Context, q Querier, cp Checkpoint) error {
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread and id")
	}
	payload, meta := cp.Checkpoint, cp.Metadata
	if payload == nil {
		payload = []byte("{}")
	}
	if meta == nil {
		meta = []byte("{}")
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, `+nowExpr+`));
	`, cp.ThreadID, cp.Namespace, cp.ID, nullString(cp.ParentID), nullString(cp.Type), payload, meta, nullString(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (CheckpointStore) PutWrite(ctx context.Context, q Querier, w CheckpointWrite) error {
	if w.Channel == "" {
		w.Channel = "state"
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoint_writes
			(thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, w.ThreadID, w.Namespace, w.CheckpointID, w.TaskID, w.Idx, w.Channel, nullString(w.Type), w.Value)
	if err != nil {
		return fmt.Errorf("put checkpoint write %s/%s: %w", w.CheckpointID, w.TaskID, err)
	}
	return nil
}

// DeleteWritesAfter removes writes belonging to checkpoints created after ts.
// It must run before DeleteCheckpointsAfter.
func (CheckpointStore) DeleteWritesAfter(ctx context.Context, q Querier, thread, ts string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_id IN (
			SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? AND created_at > ?
		);
	`, thread, thread, ts)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoint writes: %w", err)
	}
	return res.RowsAffected()
}

func (CheckpointStore) DeleteCheckpointsAfter(ctx context.Context, q Querier, thread, ts string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ? AND created_at > ?;`, thread, ts)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
