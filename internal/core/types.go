package core

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/fetch"
	"github.com/JonMunkholm/geosync/internal/format"
	"github.com/JonMunkholm/geosync/internal/ingest"
)

// Fetcher materializes source payloads locally. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, src catalog.Source) (*fetch.Fetched, error)
	FromReader(r io.Reader, filename string) (*fetch.Fetched, error)
	Secrets() fetch.SecretResolver
}

// Ingester replaces a layer's features from a local file.
// *ingest.Engine satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// SourceStore reads sources and records sync outcomes.
// *catalog.Store satisfies it.
type SourceStore interface {
	List(ctx context.Context) ([]catalog.Source, error)
	RecordOutcome(ctx context.Context, code string, state catalog.SyncState) error
}

// LayerCounter reports how many features a layer currently holds.
type LayerCounter interface {
	LayerFeatureCount(ctx context.Context, layer string) (int64, error)
}

// PrepareFunc turns a fetched payload into converter input.
type PrepareFunc func(ctx context.Context, path, filename string, declared catalog.Format) (*format.Prepared, error)

// SyncRequest selects and parameterizes one orchestrator invocation.
type SyncRequest struct {
	// Codes names sources explicitly; empty means all enabled by default.
	Codes           []string
	IncludeOptional bool
	// Force bypasses both the unchanged-checksum skip and snapshot reuse.
	Force       bool
	DryRun      bool
	TriggeredBy string
	// NoWait fails with ErrTooManySyncs at once instead of queueing for a
	// sync slot.
	NoWait bool
}

// SourceOutcome is the result for one source.
type SourceOutcome struct {
	Code      string         `json:"code"`
	LayerCode string         `json:"layer_code"`
	Status    catalog.Status `json:"status"`
	Message   string         `json:"message"`
	// ErrorKind classifies failures; see syncerr.Kind.
	ErrorKind    string     `json:"error_kind,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	RunID        *uuid.UUID `json:"run_id,omitempty"`
	RowsIngested int64      `json:"rows_ingested"`
	Duration     string     `json:"duration"`
}

// SyncReport aggregates one invocation.
type SyncReport struct {
	Outcomes  []SourceOutcome        `json:"outcomes"`
	Summary   map[catalog.Status]int `json:"summary"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	DryRun    bool                   `json:"dry_run"`
	Force     bool                   `json:"force"`
}

// Failed reports whether any source ended Failed.
func (r *SyncReport) Failed() bool {
	return r.Summary[catalog.StatusFailed] > 0
}

func newSyncReport(req SyncRequest, started time.Time) *SyncReport {
	summary := make(map[catalog.Status]int, len(catalog.Statuses))
	for _, s := range catalog.Statuses {
		summary[s] = 0
	}
	return &SyncReport{
		Outcomes:  []SourceOutcome{},
		Summary:   summary,
		StartedAt: started,
		DryRun:    req.DryRun,
		Force:     req.Force,
	}
}

func (r *SyncReport) add(o SourceOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.Summary[o.Status]++
}

// Outcome messages for the non-error paths.
const (
	MsgConfigValid     = "configuration valid"
	MsgUnchanged       = "unchanged; ingestion skipped"
	MsgReusedSnapshot  = "refresh failed; reused previous snapshot"
	MsgIngested        = "ingested"
	MsgUnsupportedFmt  = "format is not file-ingestible"
	MsgTokenMissingFmt = "token missing: environment variable %s is not set"
)
