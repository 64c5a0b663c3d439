package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/flightrec/internal/coordinator"
	"github.com/basket/flightrec/internal/rewind"
	"github.com/basket/flightrec/internal/shared"
)

type rewindOptions struct {
	*rootOptions
	Force bool
}

func newRewindCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &rewindOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "rewind <task-id>",
		Short: "Restore the workspace and state to where a task completed",
		Long: `Force-checkout the task's commit, then in one transaction delete audit rows
written after the task's latest checkpoint, return later tasks to pending and
prune newer checkpoints.

The task must have a commit. The workspace must have no untracked files
unless --force is given; uncommitted changes to tracked files are discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task id")
			if err != nil {
				return err
			}
			return runRewind(cmd.Context(), opts, taskID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "rewind even when the workspace has untracked files")
	return cmd
}

type rewindResult struct {
	TaskID            int64   `json:"task_id"`
	ProjectID         int64   `json:"project_id"`
	Commit            string  `json:"commit"`
	Checkpoint        string  `json:"checkpoint"`
	TasksReset        []int64 `json:"tasks_reset"`
	AgentLogs         int64   `json:"agent_logs_deleted"`
	DecisionLogs      int64   `json:"decision_logs_deleted"`
	EntropyEvents     int64   `json:"entropy_events_deleted"`
	Requirements      int64   `json:"requirements_deleted"`
	PrunedWrites      int64   `json:"checkpoint_writes_pruned"`
	PrunedCheckpoints int64   `json:"checkpoints_pruned"`
	DurationMS        int64   `json:"duration_ms"`
}

func runRewind(ctx context.Context, opts *rewindOptions, taskID int64, out io.Writer) error {
	rt, err := newRuntime(ctx, opts.rootOptions, "rewind")
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), taskID)

	store, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	o := rewind.New(store, rt.git(),
		rewind.WithLocker(rt.locker()),
		rewind.WithPublisher(rt.publisher(ctx)),
		rewind.WithAudit(rt.audit),
		rewind.WithLogger(rt.logger),
		rewind.WithTelemetry(rt.otel.Tracer, rt.metrics),
	)
	rep, err := o.Rewind(ctx, taskID, rewind.Options{Force: opts.Force})
	if err != nil {
		return err
	}

	res := rewindResult{
		TaskID:            rep.TaskID,
		ProjectID:         rep.ProjectID,
		Commit:            rep.Commit,
		Checkpoint:        rep.Checkpoint.ID,
		TasksReset:        rep.Rollback.AffectedTasks,
		AgentLogs:         rep.Rollback.AgentLogs,
		DecisionLogs:      rep.Rollback.DecisionLogs,
		EntropyEvents:     rep.Rollback.EntropyEvents,
		Requirements:      rep.Rollback.Requirements,
		PrunedWrites:      rep.PrunedWrites,
		PrunedCheckpoints: rep.PrunedCheckpoints,
		DurationMS:        rep.Duration.Milliseconds(),
	}
	if opts.JSON {
		return json.NewEncoder(out).Encode(res)
	}
	fmt.Fprintf(out, "rewound project %d to task %d (commit %s, checkpoint %s)\n",
		res.ProjectID, res.TaskID, res.Commit, res.Checkpoint)
	fmt.Fprintf(out, "  tasks reset: %v\n", res.TasksReset)
	fmt.Fprintf(out, "  rows deleted: %d agent logs, %d decision logs, %d entropy events, %d requirements\n",
		res.AgentLogs, res.DecisionLogs, res.EntropyEvents, res.Requirements)
	fmt.Fprintf(out, "  checkpoints pruned: %d (%d writes)\n", res.PrunedCheckpoints, res.PrunedWrites)
	return nil
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <project-id>",
		Short: "Reset completed tasks whose commit no longer resolves",
		Long: `Check every completed task of the project against git and return those
without a resolvable commit to pending. Run after a crash or an interrupted
complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), opts, projectID, cmd.OutOrStdout())
		},
	}
}

func runReconcile(ctx context.Context, opts *rootOptions, projectID int64, out io.Writer) error {
	rt, err := newRuntime(ctx, opts, "coordinator")
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx = shared.WithProjectID(ctx, projectID)

	store, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	if _, err := store.GetProject(ctx, projectID); err != nil {
		return err
	}
	c := coordinator.New(store, rt.git(),
		coordinator.WithLocker(rt.locker()),
		coordinator.WithPublisher(rt.publisher(ctx)),
		coordinator.WithLogger(rt.logger),
	)
	repaired, err := c.Reconcile(ctx, projectID)
	if err != nil {
		return err
	}
	if repaired == nil {
		repaired = []int64{}
	}
	if opts.JSON {
		return json.NewEncoder(out).Encode(map[string]any{"project_id": projectID, "reset": repaired})
	}
	if len(repaired) == 0 {
		fmt.Fprintf(out, "project %d consistent\n", projectID)
		return nil
	}
	fmt.Fprintf(out, "project %d: reset %d task(s) to pending: %v\n", projectID, len(repaired), repaired)
	return nil
}
