package coordinator_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/coordinator"
	"github.com/basket/flightrec/internal/lock"
	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/persistence/storetest"
	"github.com/basket/flightrec/internal/shared"
	"github.com/basket/flightrec/internal/telemetry"
	"github.com/basket/flightrec/internal/vcs"
)

type fakeVCS struct {
	mu       sync.Mutex
	hash     string
	err      error
	commits  []string
	added    int
	existing map[string]bool
	// during runs inside Commit, while the savepoint is open.
	during func()
}

func (f *fakeVCS) EnsureIgnores(context.Context) error { return nil }

func (f *fakeVCS) AddAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added++
	return nil
}

func (f *fakeVCS) Commit(_ context.Context, message string) (string, error) {
	f.mu.Lock()
	f.commits = append(f.commits, message)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.hash, nil
}

func (f *fakeVCS) CommitExists(_ context.Context, hash string) (bool, error) {
	return f.existing[hash], nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.StateChange
}

func (r *recorder) Publish(topic bus.Topic, p bus.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, p.(bus.StateChange))
	return nil
}

var fullHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

func TestCommitTaskChange_Success(t *testing.T) {
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 1)
	hash := strings.Repeat("a", 40)
	pub := &recorder{}
	c := coordinator.New(store, &fakeVCS{hash: hash}, coordinator.WithPublisher(pub))

	got, err := c.CommitTaskChange(context.Background(), fx.TaskIDs[0], "task: complete")
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	task, err := store.GetTask(context.Background(), fx.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskCompleted, task.Status)
	assert.Equal(t, hash, task.GitCommitHash)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "task", pub.msgs[0].EntityType)
	assert.Equal(t, "pending", pub.msgs[0].PreviousStatus)
	assert.Equal(t, "completed", pub.msgs[0].NewStatus)
}

func TestCommitTaskChange_LogsCarryTrace(t *testing.T) {
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 1)
	var buf bytes.Buffer
	logger := slog.New(telemetry.NewHandler(&buf, slog.LevelDebug))
	c := coordinator.New(store, &fakeVCS{hash: strings.Repeat("b", 40)}, coordinator.WithLogger(logger))

	ctx := shared.WithTraceID(context.Background(), "trace-commit-1")
	_, err := c.CommitTaskChange(ctx, fx.TaskIDs[0], "task: complete")
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		if rec["msg"] == "task committed" {
			found = true
			assert.Equal(t, "trace-commit-1", rec["trace_id"])
		}
	}
	assert.True(t, found, "no commit log line in %s", buf.String())
}

func TestCommitTaskChange_FailureLeavesRowUntouched(t *testing.T) {
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 1)
	ctx := context.Background()
	before, err := store.GetTask(ctx, fx.TaskIDs[0])
	require.NoError(t, err)

	gitErr := &vcs.GitError{Args: []string{"commit"}, Output: "nothing to commit", Err: errors.New("exit status 1")}
	fake := &fakeVCS{err: gitErr}
	fake.during = func() {
		// A second connection sees the pre-call row while the savepoint is open.
		ro, err := sql.Open("sqlite3", "file:"+store.Path()+"?mode=ro")
		require.NoError(t, err)
		defer ro.Close()
		var status string
		require.NoError(t, ro.QueryRow(`SELECT status FROM tasks WHERE id = ?`, fx.TaskIDs[0]).Scan(&status))
		assert.Equal(t, "pending", status)
	}
	pub := &recorder{}
	c := coordinator.New(store, fake, coordinator.WithPublisher(pub))

	// Let updated_at move if the row were touched.
	time.Sleep(5 * time.Millisecond)
	_, err = c.CommitTaskChange(ctx, fx.TaskIDs[0], "task: complete")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrExternalToolFailure)
	var ge *vcs.GitError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "nothing to commit", ge.Output)

	after, err := store.GetTask(ctx, fx.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, pub.msgs)
}

func TestCommitTaskChange_MissingTask(t *testing.T) {
	store := storetest.Open(t)
	fake := &fakeVCS{hash: "x"}
	c := coordinator.New(store, fake)

	_, err := c.CommitTaskChange(context.Background(), 999, "msg")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, fake.commits)
}

func TestCommitTaskChange_WaitsForProjectLock(t *testing.T) {
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 1)
	locks := lock.NewProjectLocker(t.TempDir())
	c := coordinator.New(store, &fakeVCS{hash: "h"}, coordinator.WithLocker(locks))

	release, err := locks.Acquire(context.Background(), fx.ProjectID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = c.CommitTaskChange(ctx, fx.TaskIDs[0], "msg")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	release()

	_, err = c.CommitTaskChange(context.Background(), fx.TaskIDs[0], "msg")
	assert.NoError(t, err)
}

func TestCompleteTask_WithGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 1)

	repo := vcs.NewClient(t.TempDir(), vcs.WithIdentity("tester", "tester@example.com"))
	require.NoError(t, repo.Init(ctx))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Dir(), "main.go"), []byte("package main\n"), 0o644))

	c := coordinator.New(store, repo)
	hash, err := c.CompleteTask(ctx, fx.TaskIDs[0], vcs.StateSnapshot{Hash: "snap-1"})
	require.NoError(t, err)
	assert.Regexp(t, fullHash, hash)

	head, err := repo.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, hash)

	task, err := store.GetTask(ctx, fx.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskCompleted, task.Status)
	assert.Equal(t, hash, task.GitCommitHash)

	out, err := exec.Command("git", "-C", repo.Dir(), "log", "-1", "--format=%B").Output()
	require.NoError(t, err)
	id, ok := vcs.ParseTaskID(string(out))
	require.True(t, ok)
	assert.Equal(t, fx.TaskIDs[0], id)
	assert.Contains(t, string(out), "devs-state-snapshot: snap-1")
}

func TestReconcile_ResetsUnresolvableCompletions(t *testing.T) {
	ctx := context.Background()
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 3)
	good, gone := strings.Repeat("1", 40), strings.Repeat("2", 40)

	_, err := store.DB().Exec(`UPDATE tasks SET status = 'completed', git_commit_hash = ? WHERE id = ?`, good, fx.TaskIDs[0])
	require.NoError(t, err)
	_, err = store.DB().Exec(`UPDATE tasks SET status = 'completed', git_commit_hash = ? WHERE id = ?`, gone, fx.TaskIDs[1])
	require.NoError(t, err)
	_, err = store.DB().Exec(`UPDATE tasks SET status = 'completed', git_commit_hash = NULL WHERE id = ?`, fx.TaskIDs[2])
	require.NoError(t, err)

	pub := &recorder{}
	c := coordinator.New(store, &fakeVCS{existing: map[string]bool{good: true}}, coordinator.WithPublisher(pub))
	repaired, err := c.Reconcile(ctx, fx.ProjectID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{fx.TaskIDs[1], fx.TaskIDs[2]}, repaired)

	tasks, err := store.ListTasks(ctx, fx.ProjectID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ID == fx.TaskIDs[0] {
			assert.Equal(t, persistence.TaskCompleted, task.Status)
			continue
		}
		assert.Equal(t, persistence.TaskPending, task.Status)
		assert.Empty(t, task.GitCommitHash)
	}
	assert.Len(t, pub.msgs, 2)

	again, err := c.Reconcile(ctx, fx.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSummary_CountsProjectRows(t *testing.T) {
	store := storetest.Open(t)
	fx := storetest.Seed(t, store, 3)
	_, err := store.SaveRequirements(context.Background(), []persistence.Requirement{
		{ProjectID: fx.ProjectID, Description: "must record"},
	})
	require.NoError(t, err)
	c := coordinator.New(store, &fakeVCS{hash: strings.Repeat("b", 40)})
	_, err = c.CommitTaskChange(context.Background(), fx.TaskIDs[0], "task: complete")
	require.NoError(t, err)

	summary, err := c.Summary(context.Background(), fx.TaskIDs[1])
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary["projects"])
	assert.Equal(t, 1, summary["requirements"])
	assert.Equal(t, 3, summary["tasks"])
	assert.Equal(t, 1, summary["tasks_completed"])

	msg := vcs.CommitMessage(fx.TaskIDs[1], vcs.StateSnapshot{Summary: summary})
	assert.Contains(t, msg, `"tasks_completed":1`)
}
