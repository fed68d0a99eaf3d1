// Package feedlock implements the advisory, cross-process file lock
// (FeedLock) guarding VT feed refreshes against concurrently running scans.
// Backed by github.com/gofrs/flock, a thin cross-platform flock(2) wrapper
// used across the example corpus's infra-tooling repos for exactly this
// advisory-mutex-over-a-file role. The OS releases the underlying flock
// when the holding process's file descriptor closes — on crash as well as
// on a clean exit — the same "let the OS clean up" posture the teacher
// shows in database.Close's WAL checkpoint-then-close.
package feedlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// pollInterval is how often TryLock retries inside the blocking Lock loop.
// flock has no native blocking-with-context primitive, so Lock polls
// TryLock on this cadence, the same "sleep is the pacing mechanism" posture
// spec.md §5 uses for the supervisor's own poll loop.
const pollInterval = 200 * time.Millisecond

// Lock wraps one file-backed advisory mutex.
type Lock struct {
	fl   *flock.Flock
	mu   sync.Mutex
	held bool
}

// New creates a Lock bound to the file at path. The file is created on
// first acquisition if it doesn't already exist; it is never removed.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking. Returns false,
// nil if another process (or this one) already holds it.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		panic("feedlock: TryLock called while already held by this Lock")
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire feed lock: %w", err)
	}
	l.held = ok
	return ok, nil
}

// Lock blocks until the lock is acquired or ctx is done, polling at
// pollInterval since flock has no native blocking-with-context primitive.
func (l *Lock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		panic("feedlock: Lock called while already held by this Lock")
	}
	l.mu.Unlock()

	ok, err := l.fl.TryLockContext(ctx, pollInterval)
	if err != nil {
		return fmt.Errorf("acquire feed lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire feed lock: %w", ctx.Err())
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return nil
}

// Unlock releases the lock. Safe to call only after a successful TryLock
// (true) or Lock.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release feed lock: %w", err)
	}
	l.held = false
	return nil
}
