package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/flightrec/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// StateFileName is the conventional Flight Recorder file inside the state directory.
	StateFileName = "state.sqlite"

	// requiredMode is the only permission set accepted on the state file.
	requiredMode fs.FileMode = 0o600

	busyRetries = 5
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn. Repository helpers
// take a Querier so they compose inside either transaction kind.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxFunc runs inside a transaction. It must use q for every statement; the
// Store's own handle is serialized behind the running transaction.
type TxFunc func(ctx context.Context, q Querier) error

// Store is the Flight Recorder state store. It is single-writer: the pool is
// pinned to one connection and every write transaction holds writeMu.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	writeMu      sync.Mutex
	savepointSeq atomic.Uint64
}

// PathIn returns the state file path inside stateDir.
func PathIn(stateDir string) string {
	return filepath.Join(stateDir, StateFileName)
}

// Open opens (creating if needed) the state file at path, rejects insecure
// permissions, configures WAL and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state store path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := ensureSecureFile(path); err != nil {
		return nil, err
	}

	// _foreign_keys and _synchronous are applied by the driver on every
	// connection it opens; they are not persisted in the file.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, path: path, logger: logger.With("component", "state_store")}
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.InitializeSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.tightenSideFiles()
	store.logger.Debug("state store opened", "path", path)
	return store, nil
}

// ensureSecureFile pre-creates a missing state file with mode 0600 and
// rejects an existing one whose permission bits are anything but 0600.
func ensureSecureFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, requiredMode)
		if err != nil {
			return fmt.Errorf("create state file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("create state file: %w", err)
		}
		// umask may have cleared owner bits.
		if err := os.Chmod(path, requiredMode); err != nil {
			return fmt.Errorf("chmod state file: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat state file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return shared.IntegrityViolation("open state store", path+" is not a regular file", nil)
	}
	if mode := info.Mode().Perm(); mode != requiredMode {
		return shared.IntegrityViolation("open state store",
			fmt.Sprintf("insecure permissions %04o on %s (want 0600, run: chmod 600 %q)", mode, path, path), nil)
	}
	return nil
}

func (s *Store) tightenSideFiles() {
	for _, suffix := range []string{"-wal", "-shm"} {
		p := s.path + suffix
		if _, err := os.Stat(p); err == nil {
			if err := os.Chmod(p, requiredMode); err != nil {
				s.logger.Warn("chmod sqlite side file", "path", p, "error", err)
			}
		}
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("set pragma journal_mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return shared.IntegrityViolation("open state store", fmt.Sprintf("journal_mode is %q, want wal", mode), nil)
	}
	// Merge any WAL left behind by a crashed writer.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("initial wal checkpoint: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for read-only diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunTransaction executes fn inside BEGIN IMMEDIATE … COMMIT. Any error or
// panic from fn rolls back every write. Once started the transaction ignores
// cancellation of ctx.
func (s *Store) RunTransaction(ctx context.Context, fn TxFunc) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var tx *sql.Tx
	if err := retryOnBusy(ctx, busyRetries, func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	}); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// RunAsyncTransaction opens a named savepoint on a pinned connection and
// awaits fn, which may block on external work. On success the savepoint is
// released and its writes become durable; on failure (or panic) it is rolled
// back as if the writes never happened and fn's error is returned unchanged.
//
// The writer mutex is held for the whole call, so no other transaction on
// this Store can interleave while the savepoint is open.
func (s *Store) RunAsyncTransaction(ctx context.Context, fn TxFunc) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	name := fmt.Sprintf("flightrec_sp_%d", s.savepointSeq.Add(1))
	if err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := conn.ExecContext(ctx, "SAVEPOINT "+name+";")
		return err
	}); err != nil {
		return fmt.Errorf("open savepoint %s: %w", name, err)
	}

	released := false
	defer func() {
		if released {
			return
		}
		if rbErr := rollbackSavepoint(ctx, conn, name); rbErr != nil {
			s.logger.ErrorContext(ctx, "savepoint rollback failed", "savepoint", name, "error", rbErr)
			// The connection may still hold the aborted savepoint; do not
			// hand it back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "RELEASE "+name+";"); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	released = true
	return nil
}

func rollbackSavepoint(ctx context.Context, conn *sql.Conn, name string) error {
	if _, err := conn.ExecContext(ctx, "ROLLBACK TO "+name+";"); err != nil {
		return err
	}
	_, err := conn.ExecContext(ctx, "RELEASE "+name+";")
	return err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// Backup writes a consistent copy of the state file to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	if err := os.Chmod(destPath, requiredMode); err != nil {
		return fmt.Errorf("chmod backup: %w", err)
	}
	return nil
}

// CheckpointWAL folds the write-ahead log back into the main file.
func (s *Store) CheckpointWAL(ctx context.Context) (busy, logFrames, checkpointed int, err error) {
	err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("wal checkpoint: %w", err)
	}
	return busy, logFrames, checkpointed, nil
}

// IntegrityCheck runs PRAGMA quick_check and returns an IntegrityViolation
// carrying every reported problem when the file is damaged.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA quick_check;")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("scan quick_check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate quick_check: %w", err)
	}
	if len(problems) > 0 {
		return &shared.Error{Kind: shared.ErrIntegrityViolation, Op: "quick_check", Subject: s.path, Details: problems}
	}
	return nil
}
