package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/flightrec/internal/maintenance"
	"github.com/basket/flightrec/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "flightrec-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := persistence.Open(ctx, persistence.PathIn(filepath.Join(baseDir, ".devs")), logger)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	pid, err := store.UpsertProject(ctx, persistence.Project{Name: "drill", Status: persistence.ProjectActive})
	if err != nil {
		fmt.Printf("upsert_project_error=%v\n", err)
		os.Exit(1)
	}
	epics, err := store.SaveEpics(ctx, []persistence.Epic{{ProjectID: pid, Name: "drill"}})
	if err != nil {
		fmt.Printf("save_epic_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < 40; i++ {
		ids, err := store.SaveTasks(ctx, []persistence.Task{{EpicID: epics[0], Title: fmt.Sprintf("backup-%d", i)}})
		if err != nil {
			fmt.Printf("save_task_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := store.AppendAgentLog(ctx, persistence.AgentLog{
			TaskID: ids[0], EpicID: epics[0], Role: "developer", ContentType: "THOUGHT", Content: "ok",
		}); err != nil {
			fmt.Printf("append_log_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.CompleteTask(ctx, ids[0], fmt.Sprintf("%040x", i+1)); err != nil {
			fmt.Printf("complete_task_error=%v\n", err)
			os.Exit(1)
		}
	}

	sched, err := maintenance.NewScheduler(maintenance.Config{
		Store:      store,
		Logger:     logger,
		BackupDir:  filepath.Join(baseDir, "backups"),
		BackupKeep: 1,
	})
	if err != nil {
		fmt.Printf("scheduler_error=%v\n", err)
		os.Exit(1)
	}
	backupStart := time.Now().UTC()
	report := sched.RunOnce(ctx, true)
	backupEnd := time.Now().UTC()
	if err := report.Err(); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}

	restoreDir := filepath.Join(baseDir, "restore", ".devs")
	if err := os.MkdirAll(restoreDir, 0o700); err != nil {
		fmt.Printf("mkdir_restore_error=%v\n", err)
		os.Exit(1)
	}
	backupBytes, err := os.ReadFile(report.BackupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	restorePath := persistence.PathIn(restoreDir)
	if err := os.WriteFile(restorePath, backupBytes, 0o600); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(ctx, restorePath, logger)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	integrityErr := restoreStore.IntegrityCheck(ctx)
	restoreEnd := time.Now().UTC()

	tasksCount, err := persistence.CountRows(ctx, restoreStore.DB(), "tasks")
	if err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	logCount, err := persistence.CountRows(ctx, restoreStore.DB(), "agent_logs")
	if err != nil {
		fmt.Printf("count_logs_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_path=%s\n", report.BackupPath)
	fmt.Printf("wal_frames=%d checkpointed=%d\n", report.LogFrames, report.Checkpointed)
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", tasksCount)
	fmt.Printf("restored_agent_logs=%d\n", logCount)
	fmt.Printf("restored_integrity=%v\n", integrityErr)

	if tasksCount < 40 || logCount < 40 || integrityErr != nil {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
