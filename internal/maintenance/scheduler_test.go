package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/flightrec/internal/persistence/storetest"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeStore struct {
	mu          sync.Mutex
	checkpoints int
	integrity   error
	backups     []string
}

func (f *fakeStore) CheckpointWAL(context.Context) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	return 0, 4, 4, nil
}

func (f *fakeStore) IntegrityCheck(context.Context) error { return f.integrity }

func (f *fakeStore) Backup(_ context.Context, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = append(f.backups, dest)
	return os.WriteFile(dest, []byte("backup"), 0o600)
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints
}

func TestNewScheduler_RejectsBadSchedules(t *testing.T) {
	if _, err := NewScheduler(Config{}); err == nil {
		t.Fatal("expected error without a store")
	}
	if _, err := NewScheduler(Config{Store: &fakeStore{}, Schedule: "not cron"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := NewScheduler(Config{Store: &fakeStore{}, BackupSchedule: "0 * * * *"}); err == nil {
		t.Fatal("expected error for backup schedule without backup_dir")
	}
}

func TestScheduler_FiresDueJob(t *testing.T) {
	store := &fakeStore{}
	var (
		mu      sync.Mutex
		reports []Report
	)
	s, err := NewScheduler(Config{
		Store:    store,
		Schedule: "*/15 * * * *",
		Interval: 20 * time.Millisecond,
		OnReport: func(r Report) {
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.mu.Lock()
	s.jobs[0].next = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.count() >= 1 })
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) >= 1
	})

	s.mu.Lock()
	next := s.jobs[0].next
	s.mu.Unlock()
	if !next.After(time.Now()) {
		t.Fatalf("next run %v not rescheduled into the future", next)
	}
	mu.Lock()
	defer mu.Unlock()
	if reports[0].LogFrames != 4 || reports[0].Err() != nil {
		t.Fatalf("unexpected report %+v", reports[0])
	}
}

func TestRunOnce_BackupSkippedOnIntegrityFailure(t *testing.T) {
	store := &fakeStore{integrity: errors.New("page 3 corrupt")}
	s, err := NewScheduler(Config{Store: store, BackupDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	r := s.RunOnce(context.Background(), true)
	if r.IntegrityErr == nil || r.Err() == nil {
		t.Fatalf("expected integrity error in report %+v", r)
	}
	if len(store.backups) != 0 {
		t.Fatalf("backup taken from a damaged file: %v", store.backups)
	}
}

func TestRunOnce_BackupRotation(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"state-20200101T000000.000Z.sqlite", "state-20200102T000000.000Z.sqlite", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	store := &fakeStore{}
	s, err := NewScheduler(Config{Store: store, BackupDir: dir, BackupKeep: 2})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	r := s.RunOnce(context.Background(), true)
	if err := r.Err(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.BackupPath == "" {
		t.Fatal("expected a backup path")
	}
	if len(r.Pruned) != 1 || filepath.Base(r.Pruned[0]) != "state-20200101T000000.000Z.sqlite" {
		t.Fatalf("pruned = %v, want the oldest backup only", r.Pruned)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestRunOnce_AgainstRealStore(t *testing.T) {
	store := storetest.Open(t)
	storetest.Seed(t, store, 3)

	s, err := NewScheduler(Config{Store: store, BackupDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	r := s.RunOnce(context.Background(), true)
	if err := r.Err(); err != nil {
		t.Fatalf("run: %v", err)
	}
	info, err := os.Stat(r.BackupPath)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("backup mode = %04o, want 0600", info.Mode().Perm())
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
