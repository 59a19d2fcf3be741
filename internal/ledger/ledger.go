// Package ledger records ingestion runs. A run starts running and moves
// exactly once to succeeded or failed; a finished run never changes again.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/store"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("ingestion run not found")

	// ErrRunFinalized is returned when finishing a run that already reached
	// a terminal status.
	ErrRunFinalized = errors.New("ingestion run already finalized")

	// ErrInvalidTransition is returned when a completion names a
	// non-terminal status.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	return from == StatusRunning && to.Terminal()
}

// Run is one ingestion attempt.
type Run struct {
	ID             uuid.UUID  `json:"run_id"`
	LayerCode      string     `json:"layer_code"`
	SourceCode     *string    `json:"source_code"` // nil for ad-hoc uploads
	Status         Status     `json:"status"`
	SourceFormat   string     `json:"source_format"`
	SourceHash     string     `json:"source_hash"`
	SourceFilename string     `json:"source_filename"`
	RowsIngested   int64      `json:"rows_ingested"`
	InvalidBefore  int64      `json:"invalid_geom_before_fix"`
	InvalidAfter   int64      `json:"invalid_geom_after_fix"`
	Report         Report     `json:"report"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	TriggeredBy    string     `json:"triggered_by,omitempty"`
}

// Completion is the terminal update applied by Finish.
type Completion struct {
	Status        Status
	RowsIngested  int64
	InvalidBefore int64
	InvalidAfter  int64
	Report        Report
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	LayerCode  string
	SourceCode string
	Status     Status
	Limit      int
}

// DefaultListLimit applies when Filter.Limit is zero.
const DefaultListLimit = 50

// Ledger persists runs.
type Ledger interface {
	// Start records a new running run. Empty ID and StartedAt are filled in.
	Start(ctx context.Context, run Run) (Run, error)

	// Finish moves a running run to a terminal status. It fails with
	// ErrRunFinalized if the run already finished.
	Finish(ctx context.Context, id uuid.UUID, c Completion) (Run, error)

	Get(ctx context.Context, id uuid.UUID) (Run, error)

	// List returns runs newest first.
	List(ctx context.Context, f Filter) ([]Run, error)

	// FailAbandoned fails runs still running after olderThan, which only
	// happens when the process died mid-run.
	FailAbandoned(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TxFinisher is implemented by ledgers that can apply Finish inside a
// caller's transaction, so the terminal update commits or rolls back
// together with the data it describes.
type TxFinisher interface {
	FinishTx(ctx context.Context, tx store.DBTX, id uuid.UUID, c Completion) (Run, error)
}

func prepareStart(run Run, now time.Time) Run {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.Status = StatusRunning
	run.FinishedAt = nil
	return run
}

const abandonedMessage = "run abandoned: still running after process restart or crash"
