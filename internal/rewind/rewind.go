// Package rewind moves a project back to the point where a task completed:
// the working tree to the task's commit, and the relational rows and
// checkpoint log to the task's latest checkpoint.
package rewind

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/flightrec/internal/audit"
	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/lock"
	"github.com/basket/flightrec/internal/otel"
	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/rollback"
	"github.com/basket/flightrec/internal/shared"
	"github.com/basket/flightrec/internal/vcs"
)

// StatusRewound is the newStatus announced after a rewind.
const StatusRewound = "REWOUND"

// Git is the part of the git client a rewind needs.
type Git interface {
	Status(ctx context.Context) (vcs.Status, error)
	Checkout(ctx context.Context, ref string, force bool) error
	Head(ctx context.Context) (string, error)
}

// Checkpoints reads and prunes the graph engine's checkpoint log.
type Checkpoints interface {
	rollback.Checkpoints
	LatestForTask(ctx context.Context, q persistence.Querier, thread, taskID string) (persistence.Checkpoint, error)
	DeleteWritesAfter(ctx context.Context, q persistence.Querier, thread, ts string) (int64, error)
	DeleteCheckpointsAfter(ctx context.Context, q persistence.Querier, thread, ts string) (int64, error)
}

type Options struct {
	// Force proceeds even when the workspace has untracked files.
	Force bool
}

// Report describes a completed rewind.
type Report struct {
	TaskID            int64
	ProjectID         int64
	Commit            string
	Checkpoint        persistence.Checkpoint
	Rollback          rollback.Result
	PrunedWrites      int64
	PrunedCheckpoints int64
	Duration          time.Duration
}

type Orchestrator struct {
	store       *persistence.Store
	git         Git
	checkpoints Checkpoints
	locks       *lock.ProjectLocker
	publisher   bus.Publisher
	audit       *audit.Logger
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
}

type Option func(*Orchestrator)

// WithLocker shares a project locker with the coordinator.
func WithLocker(l *lock.ProjectLocker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

func WithCheckpoints(c Checkpoints) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.checkpoints = c
		}
	}
}

func WithPublisher(p bus.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithAudit(a *audit.Logger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTelemetry(tracer trace.Tracer, m *otel.Metrics) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
		if m != nil {
			o.metrics = m
		}
	}
}

func New(store *persistence.Store, git Git, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		git:         git,
		checkpoints: persistence.CheckpointStore{},
		locks:       lock.NewProjectLocker(""),
		logger:      slog.Default(),
		metrics:     otel.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Rewind restores the state recorded when taskID completed. The project
// lock is held for the whole sequence. Once the lock is held the rewind
// ignores cancellation of ctx.
//
// Afterwards HEAD is the task's commit and every task written after the
// task's checkpoint is pending again; the task itself is left as it was.
func (o *Orchestrator) Rewind(ctx context.Context, taskID int64, opts Options) (rep Report, err error) {
	start := time.Now()
	projectID, err := o.store.TaskProjectID(ctx, taskID)
	if err != nil {
		return Report{}, err
	}
	release, err := o.locks.Acquire(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	defer release()

	ctx = context.WithoutCancel(shared.WithProjectID(shared.WithTaskID(ctx, taskID), projectID))
	ctx, span := otel.StartSpan(ctx, o.tracer, "rewind",
		otel.AttrTaskID.Int64(taskID), otel.AttrProjectID.Int64(projectID))
	defer func() {
		o.metrics.RewindDuration.Record(ctx, time.Since(start).Seconds())
		otel.EndSpan(span, err)
		if err != nil {
			o.record(ctx, audit.Entry{Action: "rewind", Outcome: "error", ProjectID: projectID, TaskID: taskID,
				Details: map[string]string{"error": err.Error()}})
		}
	}()

	task, err := persistence.GetTaskTx(ctx, o.store.DB(), taskID)
	if err != nil {
		return Report{}, err
	}
	subject := "task " + strconv.FormatInt(taskID, 10)
	if task.GitCommitHash == "" {
		return Report{}, shared.PreconditionFailed("rewind", subject, "task has no commit hash")
	}

	status, err := o.git.Status(ctx)
	if err != nil {
		return Report{}, shared.ExternalToolFailure("rewind", "workspace status", err)
	}
	if len(status.Untracked) > 0 && !opts.Force {
		return Report{}, shared.PreconditionFailed("rewind",
			"workspace has "+strconv.Itoa(len(status.Untracked))+" untracked files; use force to proceed",
			status.Untracked...)
	}

	// Resolve the checkpoint before touching the working tree so a missing
	// one leaves the workspace where it was.
	thread := persistence.ThreadID(projectID)
	cp, err := o.checkpoints.LatestForTask(ctx, o.store.DB(), thread, strconv.FormatInt(taskID, 10))
	if err != nil {
		return Report{}, err
	}
	span.SetAttributes(otel.AttrCheckpointID.String(cp.ID), otel.AttrCommitHash.String(task.GitCommitHash))

	if err := o.git.Checkout(ctx, task.GitCommitHash, true); err != nil {
		return Report{}, shared.ExternalToolFailure("rewind", "checkout "+task.GitCommitHash, err)
	}

	rep = Report{TaskID: taskID, ProjectID: projectID, Commit: task.GitCommitHash, Checkpoint: cp}
	engine := rollback.New(o.store, rollback.WithCheckpoints(o.checkpoints), rollback.WithLogger(o.logger), rollback.WithMetrics(o.metrics))
	err = o.store.RunTransaction(ctx, func(ctx context.Context, q persistence.Querier) error {
		res, err := engine.RollbackTx(ctx, q, projectID, cp.ID, rollback.Options{
			Policy:  rollback.TaskReset,
			Exclude: []int64{taskID},
		})
		if err != nil {
			return err
		}
		rep.Rollback = res
		if rep.PrunedWrites, err = o.checkpoints.DeleteWritesAfter(ctx, q, thread, cp.CreatedAt); err != nil {
			return err
		}
		if rep.PrunedCheckpoints, err = o.checkpoints.DeleteCheckpointsAfter(ctx, q, thread, cp.CreatedAt); err != nil {
			return err
		}
		return persistence.UpdateProjectMetadataTx(ctx, q, projectID, map[string]any{"current_task": taskID})
	})
	if err != nil {
		return Report{}, err
	}

	head, err := o.git.Head(ctx)
	if err != nil {
		return Report{}, shared.ExternalToolFailure("rewind", "resolve HEAD", err)
	}
	if !strings.HasPrefix(head, task.GitCommitHash) {
		return Report{}, shared.IntegrityViolation("rewind", subject,
			&headMismatch{want: task.GitCommitHash, got: head})
	}

	rep.Duration = time.Since(start)
	o.logger.InfoContext(ctx, "rewind complete",
		"task_id", taskID,
		"project_id", projectID,
		"commit", task.GitCommitHash,
		"checkpoint", cp.ID,
		"tasks_reset", rep.Rollback.Tasks,
		"checkpoints_pruned", rep.PrunedCheckpoints,
	)
	o.record(ctx, audit.Entry{
		Action:    "rewind",
		Outcome:   "ok",
		ProjectID: projectID,
		TaskID:    taskID,
		Subject:   task.GitCommitHash,
		Details: map[string]string{
			"checkpoint":         cp.ID,
			"tasks_reset":        strconv.FormatInt(rep.Rollback.Tasks, 10),
			"checkpoints_pruned": strconv.FormatInt(rep.PrunedCheckpoints, 10),
			"forced":             strconv.FormatBool(opts.Force),
		},
	})
	if o.publisher != nil {
		if err := o.publisher.Publish(bus.TopicStateChange, bus.StateChange{
			EntityType: "project",
			EntityID:   bus.IntEntityID(projectID),
			NewStatus:  StatusRewound,
		}); err != nil {
			o.logger.WarnContext(ctx, "publish rewind event failed", "project_id", projectID, "error", err)
		}
	}
	return rep, nil
}

func (o *Orchestrator) record(ctx context.Context, e audit.Entry) {
	if err := o.audit.Record(ctx, e); err != nil {
		o.logger.WarnContext(ctx, "audit record failed", "action", e.Action, "error", err)
	}
}

type headMismatch struct{ want, got string }

func (e *headMismatch) Error() string {
	return "HEAD is " + e.got + " after checkout, want " + e.want
}
