// Command commit_crash_drill checks that a process killed between the git
// commit and the state commit never leaves a task marked completed.
//
//	commit_crash_drill -mode prepare -workspace DIR
//	commit_crash_drill -mode commit-hang -workspace DIR -task ID   (SIGKILL it after COMMITTED=)
//	commit_crash_drill -mode recover -workspace DIR -task ID
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/flightrec/internal/coordinator"
	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/vcs"
)

// hangingVCS makes the real commit and then never returns, so the savepoint
// holding the task's completion is never released.
type hangingVCS struct {
	*vcs.Client
}

func (h hangingVCS) Commit(ctx context.Context, message string) (string, error) {
	hash, err := h.Client.Commit(ctx, message)
	if err != nil {
		return "", err
	}
	fmt.Printf("COMMITTED=%s\n", hash)
	for {
		time.Sleep(1 * time.Second)
	}
}

func main() {
	mode := flag.String("mode", "", "prepare|commit-hang|recover")
	workspace := flag.String("workspace", "", "git working tree")
	taskID := flag.Int64("task", 0, "task id (commit-hang, recover)")
	flag.Parse()

	if *mode == "" || *workspace == "" {
		fmt.Fprintln(os.Stderr, "mode and workspace are required")
		os.Exit(2)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := persistence.Open(ctx, persistence.PathIn(filepath.Join(*workspace, ".devs")), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	repo := vcs.NewClient(*workspace, vcs.WithLogger(logger))

	switch *mode {
	case "prepare":
		if err := repo.Init(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "git init: %v\n", err)
			os.Exit(1)
		}
		pid, err := store.UpsertProject(ctx, persistence.Project{Name: "crash-drill", Status: persistence.ProjectActive})
		if err != nil {
			fmt.Fprintf(os.Stderr, "upsert project: %v\n", err)
			os.Exit(1)
		}
		epics, err := store.SaveEpics(ctx, []persistence.Epic{{ProjectID: pid, Name: "drill"}})
		if err != nil {
			fmt.Fprintf(os.Stderr, "save epic: %v\n", err)
			os.Exit(1)
		}
		ids, err := store.SaveTasks(ctx, []persistence.Task{{EpicID: epics[0], Title: "commit crash"}})
		if err != nil {
			fmt.Fprintf(os.Stderr, "save task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_PROJECT_ID=%d\n", pid)
		fmt.Printf("PREPARED_TASK_ID=%d\n", ids[0])
	case "commit-hang":
		if err := os.WriteFile(filepath.Join(*workspace, "work.txt"), []byte(time.Now().String()), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write work: %v\n", err)
			os.Exit(1)
		}
		c := coordinator.New(store, hangingVCS{Client: repo}, coordinator.WithLogger(logger))
		_, err := c.CompleteTask(ctx, *taskID, vcs.StateSnapshot{Hash: "crash-drill"})
		fmt.Fprintf(os.Stderr, "complete task returned: %v\n", err)
		os.Exit(1)
	case "recover":
		task, err := store.GetTask(ctx, *taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get task: %v\n", err)
			os.Exit(1)
		}
		projectID, err := store.TaskProjectID(ctx, *taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "task project: %v\n", err)
			os.Exit(1)
		}
		repaired, err := coordinator.New(store, repo, coordinator.WithLogger(logger)).Reconcile(ctx, projectID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
			os.Exit(1)
		}
		if err := store.IntegrityCheck(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "integrity: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS id=%d status=%s commit=%q\n", task.ID, task.Status, task.GitCommitHash)
		fmt.Printf("RECONCILED=%d\n", len(repaired))
		if task.Status == persistence.TaskCompleted || task.GitCommitHash != "" {
			fmt.Println("VERDICT FAIL: task recorded as completed without its savepoint being released")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
