package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMap_KeysAreIndependent(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("1")
	go func() {
		m.Lock("2")
		m.Unlock("2")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("project 2 blocked by project 1")
	}
	if m.TryLock("1") {
		t.Fatal("expected TryLock on a held key to fail")
	}
	m.Unlock("1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter, inside int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			if atomic.AddInt64(&inside, 1) != 1 {
				t.Error("two holders inside the critical section")
			}
			counter++
			atomic.AddInt64(&inside, -1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_SecondHolderRejectedUntilUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project-1.lock")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); !errors.Is(err, ErrLocked) {
		_ = fl2.Unlock()
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	_ = fl2.Unlock()
}

func TestProjectLocker_SerializesAndHonorsContext(t *testing.T) {
	for _, dir := range []string{"", t.TempDir()} {
		l := NewProjectLocker(dir)
		ctx := context.Background()

		release, err := l.Acquire(ctx, 7)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}

		short, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
		_, err = l.Acquire(short, 7)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded while held, got %v", err)
		}

		other, err := l.Acquire(ctx, 8)
		if err != nil {
			t.Fatalf("acquire other project: %v", err)
		}
		other()

		release()
		release()
		again, err := l.Acquire(ctx, 7)
		if err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
		again()
	}
}

func TestProjectLocker_CrossInstanceExclusion(t *testing.T) {
	dir := t.TempDir()
	a, b := NewProjectLocker(dir), NewProjectLocker(dir)

	release, err := a.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		r, err := b.Acquire(context.Background(), 1)
		if err == nil {
			r()
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second locker acquired while file lock held")
	case <-time.After(80 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second locker never acquired after release")
	}
}
