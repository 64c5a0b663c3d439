// Package maintenance runs periodic housekeeping on the state file: WAL
// checkpoints, quick integrity checks and optional rotated backups.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Store is the subset of the state store maintenance needs.
type Store interface {
	CheckpointWAL(ctx context.Context) (busy, logFrames, checkpointed int, err error)
	IntegrityCheck(ctx context.Context) error
	Backup(ctx context.Context, destPath string) error
}

type Config struct {
	Store  Store
	Logger *slog.Logger
	// Schedule drives checkpoint + integrity runs.
	Schedule string
	// BackupSchedule is optional; empty disables backups.
	BackupSchedule string
	BackupDir      string
	BackupKeep     int
	Interval       time.Duration // tick interval; defaults to 1 minute if zero
	// OnReport, when set, receives every completed run.
	OnReport func(Report)
}

// Report describes one maintenance run.
type Report struct {
	Started       time.Time
	Busy          int
	LogFrames     int
	Checkpointed  int
	CheckpointErr error
	IntegrityErr  error
	BackupPath    string
	BackupErr     error
	Pruned        []string
}

// Err returns the first failure in the report.
func (r Report) Err() error {
	switch {
	case r.CheckpointErr != nil:
		return r.CheckpointErr
	case r.IntegrityErr != nil:
		return r.IntegrityErr
	default:
		return r.BackupErr
	}
}

type job struct {
	name   string
	sched  cronlib.Schedule
	next   time.Time
	backup bool
}

// Scheduler fires due maintenance jobs on a fixed tick.
type Scheduler struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
	cfg      Config

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expressions and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("maintenance: store required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = 5
	}
	s := &Scheduler{store: cfg.Store, logger: logger, interval: interval, cfg: cfg}

	now := time.Now()
	if cfg.Schedule != "" {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.Schedule, err)
		}
		s.jobs = append(s.jobs, &job{name: "checkpoint", sched: sched, next: sched.Next(now)})
	}
	if cfg.BackupSchedule != "" {
		if cfg.BackupDir == "" {
			return nil, fmt.Errorf("maintenance: backup_dir required with backup schedule")
		}
		sched, err := cronParser.Parse(cfg.BackupSchedule)
		if err != nil {
			return nil, fmt.Errorf("backup schedule %q: %w", cfg.BackupSchedule, err)
		}
		s.jobs = append(s.jobs, &job{name: "backup", sched: sched, next: sched.Next(now), backup: true})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			due = append(due, j)
			j.next = j.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		r := s.run(ctx, j.backup)
		s.logReport(j.name, r)
		if s.cfg.OnReport != nil {
			s.cfg.OnReport(r)
		}
	}
}

// RunOnce performs a checkpoint and integrity check immediately, plus a
// backup when withBackup is true.
func (s *Scheduler) RunOnce(ctx context.Context, withBackup bool) Report {
	r := s.run(ctx, withBackup)
	s.logReport("manual", r)
	return r
}

func (s *Scheduler) run(ctx context.Context, withBackup bool) Report {
	r := Report{Started: time.Now().UTC()}
	r.Busy, r.LogFrames, r.Checkpointed, r.CheckpointErr = s.store.CheckpointWAL(ctx)
	r.IntegrityErr = s.store.IntegrityCheck(ctx)
	if withBackup && r.IntegrityErr == nil {
		r.BackupPath, r.Pruned, r.BackupErr = s.backup(ctx, r.Started)
	}
	return r
}

func (s *Scheduler) backup(ctx context.Context, at time.Time) (string, []string, error) {
	if s.cfg.BackupDir == "" {
		return "", nil, fmt.Errorf("backup dir not configured")
	}
	if err := os.MkdirAll(s.cfg.BackupDir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create backup dir: %w", err)
	}
	dest := filepath.Join(s.cfg.BackupDir, "state-"+at.Format("20060102T150405.000Z")+".sqlite")
	if err := s.store.Backup(ctx, dest); err != nil {
		return "", nil, err
	}
	pruned, err := prune(s.cfg.BackupDir, s.cfg.BackupKeep)
	return dest, pruned, err
}

// prune removes the oldest backups beyond keep. Names sort chronologically.
func prune(dir string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-") && strings.HasSuffix(e.Name(), ".sqlite") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil, nil
	}
	sort.Strings(names)
	var removed []string
	for _, name := range names[:len(names)-keep] {
		p := filepath.Join(dir, name)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("remove old backup: %w", err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func (s *Scheduler) logReport(name string, r Report) {
	if err := r.Err(); err != nil {
		s.logger.Error("maintenance run failed", "job", name, "error", err)
		return
	}
	s.logger.Info("maintenance run complete",
		"job", name,
		"wal_frames", r.LogFrames,
		"checkpointed", r.Checkpointed,
		"busy", r.Busy,
		"backup", r.BackupPath,
		"pruned", len(r.Pruned),
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
