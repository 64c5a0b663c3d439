package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/shared"
)

func TestProjects_UpsertGetAndMetadataMerge(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertProject(ctx, persistence.Project{Name: "alpha", Metadata: `{"owner":"ops"}`})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p, err := store.GetProject(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != persistence.ProjectInitializing {
		t.Fatalf("expected default status INITIALIZING, got %s", p.Status)
	}

	p.Status = persistence.ProjectActive
	p.CurrentPhase = "implementation"
	if _, err := store.UpsertProject(ctx, p); err != nil {
		t.Fatalf("update via upsert: %v", err)
	}
	if err := store.UpdateProjectMetadata(ctx, id, map[string]any{"current_task": 7}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	p, err = store.GetProject(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != persistence.ProjectActive || p.CurrentPhase != "implementation" {
		t.Fatalf("unexpected project %+v", p)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(p.Metadata), &meta); err != nil {
		t.Fatalf("metadata json: %v", err)
	}
	if meta["owner"] != "ops" || meta["current_task"] != float64(7) {
		t.Fatalf("expected merged metadata, got %v", meta)
	}

	if _, err := store.GetProject(ctx, 9999); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTasks_CompletedRequiresHash(t *testing.T) {
	store, _ := openTestStore(t)
	fx := seedProject(t, store, 0)
	_, err := store.SaveTasks(context.Background(), []persistence.Task{{EpicID: fx.epicID, Title: "x", Status: persistence.TaskCompleted}})
	if !errors.Is(err, shared.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestTasks_StatusUpdateCannotComplete(t *testing.T) {
	store, _ := openTestStore(t)
	fx := seedProject(t, store, 1)
	ctx := context.Background()
	id := fx.taskIDs[0]

	err := store.UpdateTaskStatus(ctx, id, persistence.TaskCompleted)
	if !errors.Is(err, shared.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if err := store.CompleteTask(ctx, id, ""); !errors.Is(err, shared.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for empty hash, got %v", err)
	}
	if err := store.CompleteTask(ctx, 9999, testHash); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskPending || got.GitCommitHash != "" {
		t.Fatalf("expected untouched pending row, got %+v", got)
	}
	var bad int
	if err := store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = 'completed' AND git_commit_hash IS NULL;`).Scan(&bad); err != nil {
		t.Fatalf("count: %v", err)
	}
	if bad != 0 {
		t.Fatalf("found %d completed tasks without a hash", bad)
	}
}

func TestTasks_StatusHashAndLookup(t *testing.T) {
	store, _ := openTestStore(t)
	fx := seedProject(t, store, 2)
	ctx := context.Background()
	const hash = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

	if err := store.CompleteTask(ctx, fx.taskIDs[0], hash); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	got, err := store.GetTaskByCommitHash(ctx, hash[:8])
	if err != nil {
		t.Fatalf("lookup by prefix: %v", err)
	}
	if got.ID != fx.taskIDs[0] || got.GitCommitHash != hash {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be parsed")
	}

	// Leaving completed drops the hash so the invariant holds.
	if err := store.UpdateTaskStatus(ctx, fx.taskIDs[0], persistence.TaskFailed); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = store.GetTask(ctx, fx.taskIDs[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.GitCommitHash != "" {
		t.Fatalf("expected hash cleared, got %q", got.GitCommitHash)
	}

	if err := store.UpdateTaskStatus(ctx, 9999, persistence.TaskFailed); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetTaskByCommitHash(ctx, "ffffffff"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	pid, err := store.TaskProjectID(ctx, fx.taskIDs[1])
	if err != nil {
		t.Fatalf("task project: %v", err)
	}
	if pid != fx.projectID {
		t.Fatalf("expected project %d, got %d", fx.projectID, pid)
	}
}

func TestProjectState_LoadsOwnedRowsAndCascades(t *testing.T) {
	store, _ := openTestStore(t)
	fx := seedProject(t, store, 2)
	ctx := context.Background()

	if _, err := store.AddDocument(ctx, persistence.Document{ProjectID: fx.projectID, Name: "PRD", Content: "# prd"}); err != nil {
		t.Fatalf("add document: %v", err)
	}
	if _, err := store.SaveRequirements(ctx, []persistence.Requirement{{ProjectID: fx.projectID, Description: "must rewind"}}); err != nil {
		t.Fatalf("save requirements: %v", err)
	}
	if _, err := store.AppendAgentLog(ctx, persistence.AgentLog{TaskID: fx.taskIDs[0], EpicID: fx.epicID, Role: "developer", ContentType: "THOUGHT", Content: "{}"}); err != nil {
		t.Fatalf("append agent log: %v", err)
	}
	if _, err := store.AppendDecisionLog(ctx, persistence.DecisionLog{TaskID: fx.taskIDs[0], SelectedOption: "sqlite"}); err != nil {
		t.Fatalf("append decision log: %v", err)
	}
	if _, err := store.RecordEntropyEvent(ctx, persistence.EntropyEvent{TaskID: fx.taskIDs[1], HashChain: "abc", Timestamp: time.Now()}); err != nil {
		t.Fatalf("record entropy event: %v", err)
	}

	state, err := store.GetProjectState(ctx, fx.projectID)
	if err != nil {
		t.Fatalf("project state: %v", err)
	}
	if len(state.Documents) != 1 || len(state.Requirements) != 1 || len(state.Epics) != 1 || len(state.Tasks) != 2 || len(state.AgentLogs) != 1 {
		t.Fatalf("unexpected state counts: %+v", state)
	}
	if state.Requirements[0].CreatedAt.IsZero() {
		t.Fatal("expected requirement created_at default")
	}

	if _, err := store.DB().Exec(`DELETE FROM projects WHERE id = ?;`, fx.projectID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	for _, table := range []string{"epics", "tasks", "agent_logs", "decision_logs", "entropy_events", "documents", "requirements"} {
		n, err := persistence.CountRows(ctx, store.DB(), table)
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected %s to cascade, %d rows remain", table, n)
		}
	}
}

func TestCheckpointStore_LatestForTaskAndPrune(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	db := store.DB()
	var cps persistence.CheckpointStore
	thread := persistence.ThreadID(1)

	for _, cp := range []persistence.Checkpoint{
		{ThreadID: thread, ID: "cp-1", CreatedAt: "2026-10-01T10:00:00.000Z"},
		{ThreadID: thread, ID: "cp-2", CreatedAt: "2026-10-01T11:00:00.000Z"},
		{ThreadID: thread, ID: "cp-3", CreatedAt: "2026-10-01T12:00:00.000Z"},
		{ThreadID: "2", ID: "cp-other", CreatedAt: "2026-10-01T13:00:00.000Z"},
	} {
		if err := cps.PutCheckpoint(ctx, db, cp); err != nil {
			t.Fatalf("put checkpoint: %v", err)
		}
	}
	for _, w := range []persistence.CheckpointWrite{
		{ThreadID: thread, CheckpointID: "cp-1", TaskID: "1"},
		{ThreadID: thread, CheckpointID: "cp-2", TaskID: "1"},
		{ThreadID: thread, CheckpointID: "cp-3", TaskID: "2"},
		{ThreadID: "2", CheckpointID: "cp-other", TaskID: "1"},
	} {
		if err := cps.PutWrite(ctx, db, w); err != nil {
			t.Fatalf("put write: %v", err)
		}
	}

	latest, err := cps.LatestForTask(ctx, db, thread, "1")
	if err != nil {
		t.Fatalf("latest for task: %v", err)
	}
	if latest.ID != "cp-2" {
		t.Fatalf("expected cp-2, got %s", latest.ID)
	}
	if _, err := cps.LatestForTask(ctx, db, thread, "42"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ts, err := cps.CreatedAt(ctx, db, thread, "cp-2")
	if err != nil || ts != "2026-10-01T11:00:00.000Z" {
		t.Fatalf("created at: %q %v", ts, err)
	}
	if _, err := cps.CreatedAt(ctx, db, thread, "missing"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	writes, err := cps.DeleteWritesAfter(ctx, db, thread, ts)
	if err != nil || writes != 1 {
		t.Fatalf("delete writes: n=%d err=%v", writes, err)
	}
	checkpoints, err := cps.DeleteCheckpointsAfter(ctx, db, thread, ts)
	if err != nil || checkpoints != 1 {
		t.Fatalf("delete checkpoints: n=%d err=%v", checkpoints, err)
	}
	if n, _ := persistence.CountRows(ctx, db, "checkpoints"); n != 3 {
		t.Fatalf("expected other thread untouched, %d checkpoints remain", n)
	}
}
