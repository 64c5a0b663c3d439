// Package lock provides the per-project exclusion shared by task commits and
// rewinds, within one process and across processes on the same state dir.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// MutexMap hands out one mutex per key.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) TryLock(key string) bool {
	return m.getMutex(key).TryLock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an advisory flock on a file. The file is left in place on
// Unlock so a waiter never ends up locking an unlinked inode.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// ErrLocked is returned by TryLock when another holder has the lock.
var ErrLocked = errors.New("lock held by another process")

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// ProjectLocker serializes work per project. With a directory configured it
// also takes a flock under that directory so separate processes exclude each
// other.
type ProjectLocker struct {
	local *MutexMap
	dir   string
	poll  time.Duration
}

// NewProjectLocker returns a locker. An empty dir disables cross-process
// locking.
func NewProjectLocker(dir string) *ProjectLocker {
	return &ProjectLocker{local: NewMutexMap(), dir: dir, poll: 25 * time.Millisecond}
}

// Acquire blocks until the project's lock is held or ctx is done. The
// returned func releases it and is safe to call more than once.
func (l *ProjectLocker) Acquire(ctx context.Context, projectID int64) (func(), error) {
	key := strconv.FormatInt(projectID, 10)
	for !l.local.TryLock(key) {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
	}

	var fl *FileLock
	if l.dir != "" {
		if err := os.MkdirAll(l.dir, 0o700); err != nil {
			l.local.Unlock(key)
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		fl = NewFileLock(filepath.Join(l.dir, "project-"+key+".lock"))
		for {
			err := fl.TryLock()
			if err == nil {
				break
			}
			if !errors.Is(err, ErrLocked) {
				l.local.Unlock(key)
				return nil, err
			}
			if err := l.wait(ctx); err != nil {
				l.local.Unlock(key)
				return nil, err
			}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if fl != nil {
				_ = fl.Unlock()
			}
			l.local.Unlock(key)
		})
	}, nil
}

func (l *ProjectLocker) wait(ctx context.Context) error {
	t := time.NewTimer(l.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
