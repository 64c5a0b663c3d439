// Package coordinator keeps task completion rows and git commits in step.
// A task is marked completed only in the same savepoint that records the
// commit hash, so no reader ever sees one without the other.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/lock"
	"github.com/basket/flightrec/internal/otel"
	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/shared"
	"github.com/basket/flightrec/internal/vcs"
)

// VCS is the part of the git client the coordinator drives.
type VCS interface {
	EnsureIgnores(ctx context.Context) error
	AddAll(ctx context.Context) error
	Commit(ctx context.Context, message string) (string, error)
	CommitExists(ctx context.Context, hash string) (bool, error)
}

type Coordinator struct {
	store     *persistence.Store
	vcs       VCS
	locks     *lock.ProjectLocker
	publisher bus.Publisher
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

type Option func(*Coordinator)

// WithLocker shares a project locker, normally the rewind orchestrator's.
func WithLocker(l *lock.ProjectLocker) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.locks = l
		}
	}
}

// WithPublisher announces completed and repaired tasks on the bus.
func WithPublisher(p bus.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTelemetry(tracer trace.Tracer, m *otel.Metrics) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
		if m != nil {
			c.metrics = m
		}
	}
}

func New(store *persistence.Store, v VCS, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		vcs:     v,
		locks:   lock.NewProjectLocker(""),
		logger:  slog.Default(),
		metrics: otel.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CommitTaskChange marks the task completed and commits the staged tree as
// one unit. If the commit fails the task row is left exactly as it was and
// an ExternalToolFailure wrapping the git error is returned. There is no
// retry.
func (c *Coordinator) CommitTaskChange(ctx context.Context, taskID int64, message string) (string, error) {
	release, err := c.lockTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	defer release()
	return c.commitLocked(ctx, taskID, message)
}

// CompleteTask stages every change in the workspace and commits it with the
// task's trailer and state snapshot. The state directory is ignored first so
// the database never enters the commit.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID int64, snapshot vcs.StateSnapshot) (string, error) {
	release, err := c.lockTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	defer release()

	if err := c.vcs.EnsureIgnores(ctx); err != nil {
		return "", shared.ExternalToolFailure("complete task", taskSubject(taskID), err)
	}
	if err := c.vcs.AddAll(ctx); err != nil {
		return "", shared.ExternalToolFailure("complete task", taskSubject(taskID), err)
	}
	return c.commitLocked(ctx, taskID, vcs.CommitMessage(taskID, snapshot))
}

// Summary is the compact state footer used when no precomputed snapshot
// hash is available: row counts for the task's project.
func (c *Coordinator) Summary(ctx context.Context, taskID int64) (map[string]any, error) {
	projectID, err := c.store.TaskProjectID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	state, err := c.store.GetProjectState(ctx, projectID)
	if err != nil {
		return nil, err
	}
	projects, err := persistence.CountRows(ctx, c.store.DB(), "projects")
	if err != nil {
		return nil, err
	}
	completed := 0
	for _, t := range state.Tasks {
		if t.Status == persistence.TaskCompleted {
			completed++
		}
	}
	return map[string]any{
		"projects":        projects,
		"project":         projectID,
		"phase":           state.Project.CurrentPhase,
		"requirements":    len(state.Requirements),
		"epics":           len(state.Epics),
		"tasks":           len(state.Tasks),
		"tasks_completed": completed,
	}, nil
}

func (c *Coordinator) lockTask(ctx context.Context, taskID int64) (func(), error) {
	projectID, err := c.store.TaskProjectID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	release, err := c.locks.Acquire(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lock project %d: %w", projectID, err)
	}
	return release, nil
}

func (c *Coordinator) commitLocked(ctx context.Context, taskID int64, message string) (hash string, err error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.commit_task", otel.AttrTaskID.Int64(taskID))
	start := time.Now()
	defer func() {
		c.metrics.CommitDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			c.metrics.CommitFailures.Add(ctx, 1)
		} else {
			span.SetAttributes(otel.AttrCommitHash.String(hash))
		}
		otel.EndSpan(span, err)
	}()

	var previous persistence.TaskStatus
	err = c.store.RunAsyncTransaction(ctx, func(ctx context.Context, q persistence.Querier) error {
		before, err := persistence.GetTaskTx(ctx, q, taskID)
		if err != nil {
			return err
		}
		previous = before.Status

		h, err := c.vcs.Commit(ctx, message)
		if err != nil {
			return shared.ExternalToolFailure("commit task change", taskSubject(taskID), err)
		}
		// Status and hash land in one statement, so the row is never
		// completed without its commit, even inside the savepoint.
		if err := persistence.CompleteTaskTx(ctx, q, taskID, h); err != nil {
			return err
		}
		hash = h
		return nil
	})
	if err != nil {
		c.logger.WarnContext(ctx, "task commit rolled back", "task_id", taskID, "error", err)
		return "", err
	}

	c.logger.InfoContext(ctx, "task committed", "task_id", taskID, "commit", hash)
	c.publish(ctx, taskID, string(previous), string(persistence.TaskCompleted))
	return hash, nil
}

// Reconcile repairs completed tasks whose commit hash is missing or no
// longer resolves in git, returning them to pending. It is meant to run on
// startup after a crash.
func (c *Coordinator) Reconcile(ctx context.Context, projectID int64) ([]int64, error) {
	release, err := c.locks.Acquire(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lock project %d: %w", projectID, err)
	}
	defer release()

	completed, err := persistence.ListTasksByStatusTx(ctx, c.store.DB(), projectID, persistence.TaskCompleted)
	if err != nil {
		return nil, err
	}

	var broken []int64
	for _, t := range completed {
		ok, err := c.vcs.CommitExists(ctx, t.GitCommitHash)
		if err != nil {
			return nil, shared.ExternalToolFailure("reconcile", taskSubject(t.ID), err)
		}
		if !ok {
			broken = append(broken, t.ID)
		}
	}
	if len(broken) == 0 {
		return nil, nil
	}

	if err := c.store.RunTransaction(ctx, func(ctx context.Context, q persistence.Querier) error {
		_, err := persistence.ResetTasksTx(ctx, q, broken)
		return err
	}); err != nil {
		return nil, err
	}
	for _, id := range broken {
		c.logger.WarnContext(ctx, "reset completed task without a resolvable commit", "task_id", id, "project_id", projectID)
		c.publish(ctx, id, string(persistence.TaskCompleted), string(persistence.TaskPending))
	}
	return broken, nil
}

func (c *Coordinator) publish(ctx context.Context, taskID int64, previous, next string) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.Publish(bus.TopicStateChange, bus.StateChange{
		EntityType:     "task",
		EntityID:       bus.IntEntityID(taskID),
		PreviousStatus: previous,
		NewStatus:      next,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "publish state change failed", "task_id", taskID, "error", err)
	}
}

func taskSubject(id int64) string {
	return "task " + strconv.FormatInt(id, 10)
}
