package core

// sync_limiter.go bounds how many orchestrator invocations run at once.
//
// Syncs can be triggered from the HTTP API, the scheduler and uploads. The
// limiter uses a semaphore so a burst of triggers queues for at most maxWait
// before failing with ErrTooManySyncs, and WaitForDrain lets shutdown wait
// for in-flight syncs.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManySyncs is returned when every sync slot stays occupied for the
// whole wait timeout.
var ErrTooManySyncs = errors.New("too many syncs in progress, please try again later")

// DefaultMaxConcurrentSyncs is the default limit for parallel invocations.
const DefaultMaxConcurrentSyncs = 1

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 10 * time.Second

// SyncLimiter controls concurrent sync invocations using a semaphore pattern.
type SyncLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewSyncLimiter creates a limiter that allows at most maxConcurrent
// simultaneous invocations. Callers that cannot acquire a slot within
// maxWait receive ErrTooManySyncs.
func NewSyncLimiter(maxConcurrent int, maxWait time.Duration) *SyncLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSyncs
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &SyncLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire waits for a slot. The caller MUST call Release when done.
func (l *SyncLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		// Distinguish caller cancellation from our own timeout.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManySyncs
	}
}

// TryAcquire takes a slot without blocking.
func (l *SyncLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *SyncLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of running invocations.
func (l *SyncLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxConcurrent returns the configured limit.
func (l *SyncLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// Available returns the number of free slots.
func (l *SyncLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until no invocation is running or ctx is done.
func (l *SyncLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncLimiterStatus is a snapshot of the limiter.
type SyncLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state for the status endpoint.
func (l *SyncLimiter) Status() SyncLimiterStatus {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	return SyncLimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}
