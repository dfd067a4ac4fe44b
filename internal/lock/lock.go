// Package lock provides a named mutual-exclusion port with a
// cross-process file-lock backing and an in-process backing for tests.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// retryDelay is how often the file lock re-attempts acquisition while
// another process holds it.
const retryDelay = 100 * time.Millisecond

// ReleaseFunc releases a held lock. Safe to call exactly once.
type ReleaseFunc func()

// Locker serializes holders of a named lock. Acquire blocks until the
// lock is held or ctx is done; the returned release must be called.
type Locker interface {
	Acquire(ctx context.Context, name string) (ReleaseFunc, error)
}

// FileLocker implements Locker with flock(2)-style file locks, shared
// by every process using the same directory.
type FileLocker struct {
	dir string
}

// NewFileLocker creates a file-backed locker storing lock files in dir.
// The directory is created if missing.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	return &FileLocker{dir: dir}, nil
}

// Acquire takes the named lock, waiting until it is free or ctx is done.
func (l *FileLocker) Acquire(ctx context.Context, name string) (ReleaseFunc, error) {
	fl := flock.New(filepath.Join(l.dir, name+".lock"))

	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
	}

	if !locked {
		return nil, fmt.Errorf("acquiring lock %q: not acquired", name)
	}

	return func() {
		_ = fl.Unlock()
	}, nil
}

// MemoryLocker implements Locker within a single process. Used by tests
// and callers that never share state across processes.
type MemoryLocker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{sems: make(map[string]chan struct{})}
}

// Acquire takes the named lock, waiting until it is free or ctx is done.
func (l *MemoryLocker) Acquire(ctx context.Context, name string) (ReleaseFunc, error) {
	l.mu.Lock()
	sem, ok := l.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[name] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquiring lock %q: %w", name, ctx.Err())
	}
}
