// Package storetest opens throwaway state stores for tests.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/flightrec/internal/persistence"
)

// Fixture is a project with one epic and its tasks, in creation order.
type Fixture struct {
	ProjectID int64
	EpicID    int64
	TaskIDs   []int64
}

// Open returns a store under t.TempDir, closed when the test ends.
func Open(t testing.TB) *persistence.Store {
	t.Helper()
	path := persistence.PathIn(filepath.Join(t.TempDir(), ".devs"))
	store, err := persistence.Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Seed creates an active project with n pending tasks.
func Seed(t testing.TB, store *persistence.Store, n int) Fixture {
	t.Helper()
	ctx := context.Background()
	pid, err := store.UpsertProject(ctx, persistence.Project{Name: "demo", Status: persistence.ProjectActive})
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	epics, err := store.SaveEpics(ctx, []persistence.Epic{{ProjectID: pid, Name: "phase 1"}})
	if err != nil {
		t.Fatalf("save epics: %v", err)
	}
	tasks := make([]persistence.Task, n)
	for i := range tasks {
		tasks[i] = persistence.Task{EpicID: epics[0], Title: "task", Description: "do the thing"}
	}
	ids, err := store.SaveTasks(ctx, tasks)
	if err != nil {
		t.Fatalf("save tasks: %v", err)
	}
	return Fixture{ProjectID: pid, EpicID: epics[0], TaskIDs: ids}
}
