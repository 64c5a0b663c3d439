package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/flightrec/internal/coordinator"
	"github.com/basket/flightrec/internal/shared"
	"github.com/basket/flightrec/internal/vcs"
)

type completeOptions struct {
	*rootOptions
	SnapshotHash string
	Message      string
}

func newCompleteCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &completeOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Commit the workspace and mark a task completed, atomically",
		Long: `Stage every change in the workspace, commit it and record the commit hash on
the task in one savepoint. If git fails the task row is left exactly as it
was.

Without --message the commit message carries the TASK-ID trailer and a
devs-state-snapshot footer (the --snapshot-hash value, or a summary of the
project's row counts).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task id")
			if err != nil {
				return err
			}
			return runComplete(cmd.Context(), opts, taskID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.SnapshotHash, "snapshot-hash", "", "precomputed state hash for the commit footer")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "commit message (staged changes are committed as-is)")
	return cmd
}

type completeResult struct {
	TaskID int64  `json:"task_id"`
	Commit string `json:"commit"`
}

func runComplete(ctx context.Context, opts *completeOptions, taskID int64, out io.Writer) error {
	rt, err := newRuntime(ctx, opts.rootOptions, "coordinator")
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), taskID)

	store, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	c := coordinator.New(store, rt.git(),
		coordinator.WithLocker(rt.locker()),
		coordinator.WithPublisher(rt.publisher(ctx)),
		coordinator.WithLogger(rt.logger),
		coordinator.WithTelemetry(rt.otel.Tracer, rt.metrics),
	)

	var hash string
	if opts.Message != "" {
		hash, err = c.CommitTaskChange(ctx, taskID, opts.Message)
	} else {
		snapshot := vcs.StateSnapshot{Hash: opts.SnapshotHash}
		if snapshot.Hash == "" {
			if snapshot.Summary, err = c.Summary(ctx, taskID); err != nil {
				return err
			}
		}
		hash, err = c.CompleteTask(ctx, taskID, snapshot)
	}
	if err != nil {
		return err
	}

	res := completeResult{TaskID: taskID, Commit: hash}
	if opts.JSON {
		return json.NewEncoder(out).Encode(res)
	}
	fmt.Fprintf(out, "task %d completed at %s\n", taskID, hash)
	return nil
}
