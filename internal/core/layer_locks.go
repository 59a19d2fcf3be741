package core

import (
	"context"
	"errors"
	"sync"
)

// ErrLayerBusy is returned when a caller that will not wait finds the layer
// locked by another ingestion.
var ErrLayerBusy = errors.New("layer is being ingested by another run")

// LayerLocks serializes ingestions per layer so two runs never race on the
// same delete-and-insert replace. Runs for different layers proceed in
// parallel.
type LayerLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLayerLocks creates an empty lock set.
func NewLayerLocks() *LayerLocks {
	return &LayerLocks{locks: make(map[string]chan struct{})}
}

func (l *LayerLocks) slot(layer string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[layer]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[layer] = ch
	}
	return ch
}

// Lock blocks until the layer is free or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (l *LayerLocks) Lock(ctx context.Context, layer string) (func(), error) {
	ch := l.slot(layer)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the layer lock only if it is free right now.
func (l *LayerLocks) TryLock(layer string) (func(), bool) {
	ch := l.slot(layer)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return nil, false
	}
}
