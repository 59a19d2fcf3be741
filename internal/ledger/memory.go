package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/store"
)

// MemoryLedger keeps runs in process memory, for callers and tests that
// run without a database.
type MemoryLedger struct {
	mu   sync.Mutex
	runs map[uuid.UUID]Run
	now  func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs: make(map[uuid.UUID]Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Start(_ context.Context, run Run) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run = prepareStart(run, l.now())
	if _, exists := l.runs[run.ID]; exists {
		return Run{}, fmt.Errorf("insert run: duplicate id %s", run.ID)
	}
	l.runs[run.ID] = run
	return run, nil
}

func (l *MemoryLedger) Finish(_ context.Context, id uuid.UUID, c Completion) (Run, error) {
	if !CanTransition(StatusRunning, c.Status) {
		return Run{}, fmt.Errorf("%w: running -> %s", ErrInvalidTransition, c.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if run.Status != StatusRunning || run.FinishedAt != nil {
		return Run{}, fmt.Errorf("%w: %s", ErrRunFinalized, id)
	}

	now := l.now()
	run.Status = c.Status
	run.RowsIngested = c.RowsIngested
	run.InvalidBefore = c.InvalidBefore
	run.InvalidAfter = c.InvalidAfter
	run.Report = c.Report
	run.FinishedAt = &now
	l.runs[id] = run
	return run, nil
}

// FinishTx ignores tx; the memory ledger has no transactions to join.
func (l *MemoryLedger) FinishTx(ctx context.Context, _ store.DBTX, id uuid.UUID, c Completion) (Run, error) {
	return l.Finish(ctx, id, c)
}

func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

func (l *MemoryLedger) List(_ context.Context, f Filter) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Run
	for _, run := range l.runs {
		if f.LayerCode != "" && run.LayerCode != f.LayerCode {
			continue
		}
		if f.SourceCode != "" && (run.SourceCode == nil || *run.SourceCode != f.SourceCode) {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		out = append(out, run)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) FailAbandoned(_ context.Context, olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for id, run := range l.runs {
		if run.Status != StatusRunning || !run.StartedAt.Before(cutoff) {
			continue
		}
		run.Status = StatusFailed
		run.Report.Error = abandonedMessage
		run.Report.ErrorKind = "abandoned"
		run.FinishedAt = &now
		l.runs[id] = run
		n++
	}
	return n, nil
}
