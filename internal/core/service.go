package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/fetch"
	"github.com/JonMunkholm/geosync/internal/format"
	"github.com/JonMunkholm/geosync/internal/ingest"
	"github.com/JonMunkholm/geosync/internal/ledger"
	"github.com/JonMunkholm/geosync/internal/logging"
	"github.com/JonMunkholm/geosync/internal/metrics"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// bookkeepingTimeout bounds catalog and audit writes made after the
// caller's context may already be done.
const bookkeepingTimeout = 15 * time.Second

// Deps wires a Service. Sources, Fetcher, Ingester and Layers are required.
type Deps struct {
	Sources  SourceStore
	Fetcher  Fetcher
	Ingester Ingester
	Layers   LayerCounter

	// Prepare defaults to format.Prepare.
	Prepare PrepareFunc
	// Runs backs run listing and the stale run sweep; optional.
	Runs ledger.Ledger
	// Staging backs the orphan reaper; optional.
	Staging       StagingStore
	StagingSchema string

	Audit   AuditSink
	Metrics *metrics.Metrics
	Locks   *LayerLocks
	Limiter *SyncLimiter
}

// Service provides the sync orchestration shared by the CLI and HTTP API.
type Service struct {
	sources  SourceStore
	fetcher  Fetcher
	ingester Ingester
	layers   LayerCounter
	prepare  PrepareFunc
	runs     ledger.Ledger

	staging       StagingStore
	stagingSchema string

	audit   AuditSink
	metrics *metrics.Metrics
	locks   *LayerLocks
	limiter *SyncLimiter
}

// NewService validates deps and fills defaults.
func NewService(d Deps) (*Service, error) {
	var missing []string
	if d.Sources == nil {
		missing = append(missing, "Sources")
	}
	if d.Fetcher == nil {
		missing = append(missing, "Fetcher")
	}
	if d.Ingester == nil {
		missing = append(missing, "Ingester")
	}
	if d.Layers == nil {
		missing = append(missing, "Layers")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("core: missing dependencies: %v", missing)
	}

	if d.Prepare == nil {
		d.Prepare = format.Prepare
	}
	if d.Audit == nil {
		d.Audit = LogAuditSink{}
	}
	if d.Locks == nil {
		d.Locks = NewLayerLocks()
	}
	if d.Limiter == nil {
		d.Limiter = NewSyncLimiter(DefaultMaxConcurrentSyncs, DefaultMaxWaitTime)
	}
	if d.StagingSchema == "" {
		d.StagingSchema = "public"
	}

	return &Service{
		sources:       d.Sources,
		fetcher:       d.Fetcher,
		ingester:      d.Ingester,
		layers:        d.Layers,
		prepare:       d.Prepare,
		runs:          d.Runs,
		staging:       d.Staging,
		stagingSchema: d.StagingSchema,
		audit:         d.Audit,
		metrics:       d.Metrics,
		locks:         d.Locks,
		limiter:       d.Limiter,
	}, nil
}

// Limiter exposes the sync limiter for status and shutdown draining.
func (s *Service) Limiter() *SyncLimiter {
	return s.limiter
}

// Runs returns the run ledger, or nil when none is wired.
func (s *Service) Runs() ledger.Ledger {
	return s.runs
}

// ListSources returns every catalogued source with its sync state.
func (s *Service) ListSources(ctx context.Context) ([]catalog.Source, error) {
	return s.sources.List(ctx)
}

// SyncSources runs the selected sources sequentially, in code order.
// Per-source failures become outcomes; the returned error is reserved for
// problems that stop the whole invocation (bad selection, catalog
// unavailable, no free sync slot, cancellation).
func (s *Service) SyncSources(ctx context.Context, req SyncRequest) (*SyncReport, error) {
	if req.NoWait {
		if !s.limiter.TryAcquire() {
			return nil, ErrTooManySyncs
		}
	} else if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	if req.TriggeredBy == "" {
		req.TriggeredBy = ActorFromContext(ctx)
	}

	all, err := s.sources.List(ctx)
	if err != nil {
		return nil, syncerr.Database("list sources", err)
	}
	selected, err := catalog.Select(all, catalog.Selector{Codes: req.Codes, IncludeOptional: req.IncludeOptional})
	if err != nil {
		return nil, err
	}

	s.metrics.SyncStarted()
	defer s.metrics.SyncFinished()

	report := newSyncReport(req, time.Now().UTC())
	log := logging.WithFields(ctx, "dry_run", req.DryRun, "force", req.Force)
	log.Info("sync started", "sources", len(selected), "triggered_by", req.TriggeredBy)

	for _, src := range selected {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(report.StartedAt)
			return report, fmt.Errorf("sync interrupted before %s: %w", src.Code, err)
		}

		outcome := s.syncSource(ctx, src, req)
		report.add(outcome)
		s.metrics.RecordOutcome(src.Code, string(outcome.Status))

		attrs := []any{"source", src.Code, "layer", src.LayerCode, "status", outcome.Status, "duration", outcome.Duration}
		if outcome.ErrorKind != "" {
			attrs = append(attrs, "kind", outcome.ErrorKind, "message", outcome.Message)
		}
		log.Info("source synced", attrs...)
	}

	report.Duration = time.Since(report.StartedAt)
	s.metrics.ObserveSync(report.Duration)
	log.Info("sync finished",
		"ready", report.Summary[catalog.StatusReady],
		"skipped", report.Summary[catalog.StatusSkipped],
		"blocked", report.Summary[catalog.StatusBlocked],
		"failed", report.Summary[catalog.StatusFailed],
		"duration", report.Duration,
	)
	return report, nil
}

// syncSource applies the per-source decision policy.
func (s *Service) syncSource(ctx context.Context, src catalog.Source, req SyncRequest) SourceOutcome {
	start := time.Now()
	out := SourceOutcome{Code: src.Code, LayerCode: src.LayerCode}
	state := catalog.SyncState{}

	finish := func(status catalog.Status, msg string, cause error) SourceOutcome {
		out.Status = status
		out.Message = msg
		out.ErrorKind = syncerr.Kind(cause)
		out.Duration = time.Since(start).Round(time.Millisecond).String()

		state.Status = status
		if cause != nil {
			state.Error = cause.Error()
		}
		state.At = time.Now().UTC()

		if !req.DryRun {
			s.record(ctx, src, out, state, req.TriggeredBy)
		}
		return out
	}

	// 1. Token gate: never fetch without credentials.
	if name, missing := fetch.MissingToken(src, s.fetcher.Secrets()); missing {
		err := fmt.Errorf("%w: environment variable %s is not set", syncerr.ErrTokenMissing, name)
		return finish(catalog.StatusBlocked, fmt.Sprintf(MsgTokenMissingFmt, name), err)
	}

	// 2. Dry run validates configuration only.
	if req.DryRun {
		if err := src.Validate(); err != nil {
			return finish(catalog.StatusBlocked, err.Error(), err)
		}
		return finish(catalog.StatusReady, MsgConfigValid, nil)
	}

	// 3. Formats no converter can read.
	if !src.Format.Ingestible() {
		err := fmt.Errorf("%w: %s", syncerr.ErrUnsupportedFormat, src.Format)
		return finish(catalog.StatusBlocked, MsgUnsupportedFmt, err)
	}

	// 4. Fetch and hash.
	fetchStart := time.Now()
	fetched, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return s.failOrReuse(ctx, src, req, err, finish)
	}
	defer fetched.Cleanup()
	s.metrics.ObserveFetch(src.Code, fetched.Size, time.Since(fetchStart))
	out.Checksum = fetched.Checksum

	// 5. Idempotence fast path.
	if !req.Force && src.LastChecksum != "" && fetched.Checksum == src.LastChecksum {
		return finish(catalog.StatusSkipped, MsgUnchanged, nil)
	}

	// 6. Prepare and ingest.
	res, err := s.ingestFile(ctx, ingestInput{
		layer:       src.LayerCode,
		path:        fetched.Path,
		filename:    fetched.Filename,
		declared:    src.Format,
		sourceCode:  &src.Code,
		checksum:    fetched.Checksum,
		clipBBox:    src.ClipBBox,
		country:     src.CountryFilter,
		triggeredBy: req.TriggeredBy,
	})
	if res.RunID != uuid.Nil {
		id := res.RunID
		out.RunID = &id
	}
	if err != nil {
		// 7. Failure policy.
		return s.failOrReuse(ctx, src, req, err, finish)
	}

	out.RowsIngested = res.RowsIngested
	state.Ingested = true
	state.Checksum = fetched.Checksum
	state.FeatureCount = res.RowsIngested
	return finish(catalog.StatusReady, fmt.Sprintf("%s %d features", MsgIngested, res.RowsIngested), nil)
}

// failOrReuse keeps a previously good layer serving when a refresh fails,
// unless the caller forced the sync.
func (s *Service) failOrReuse(
	ctx context.Context,
	src catalog.Source,
	req SyncRequest,
	cause error,
	finish func(catalog.Status, string, error) SourceOutcome,
) SourceOutcome {
	if req.Force {
		return finish(catalog.StatusFailed, cause.Error(), cause)
	}

	prior, err := s.layers.LayerFeatureCount(ctx, src.LayerCode)
	if err != nil {
		logging.FromContext(ctx).Warn("could not check prior snapshot",
			"source", src.Code, "layer", src.LayerCode, "error", err)
		return finish(catalog.StatusFailed, cause.Error(), cause)
	}
	if prior > 0 {
		return finish(catalog.StatusSkipped, MsgReusedSnapshot, cause)
	}
	return finish(catalog.StatusFailed, cause.Error(), cause)
}

type ingestInput struct {
	layer       string
	path        string
	filename    string
	declared    catalog.Format
	sourceCode  *string
	checksum    string
	clipBBox    *catalog.BBox
	country     string
	triggeredBy string
	// noWait fails with ErrLayerBusy instead of waiting for the layer lock.
	noWait bool
}

// ingestFile prepares a local payload and ingests it under the layer lock.
func (s *Service) ingestFile(ctx context.Context, in ingestInput) (ingest.Result, error) {
	prepared, err := s.prepare(ctx, in.path, in.filename, in.declared)
	if err != nil {
		return ingest.Result{}, err
	}
	defer prepared.Cleanup()

	var unlock func()
	if in.noWait {
		var ok bool
		if unlock, ok = s.locks.TryLock(in.layer); !ok {
			return ingest.Result{}, fmt.Errorf("%w: %s", ErrLayerBusy, in.layer)
		}
	} else if unlock, err = s.locks.Lock(ctx, in.layer); err != nil {
		return ingest.Result{}, fmt.Errorf("wait for layer %s: %w", in.layer, err)
	}
	defer unlock()

	start := time.Now()
	res, err := s.ingester.Ingest(ctx, ingest.Request{
		LayerCode:      in.layer,
		Path:           prepared.Path,
		Format:         prepared.Format,
		SourceCode:     in.sourceCode,
		SourceHash:     in.checksum,
		SourceFilename: in.filename,
		ClipBBox:       in.clipBBox,
		CountryFilter:  in.country,
		TriggeredBy:    in.triggeredBy,
	})

	status := string(ledger.StatusSucceeded)
	if err != nil {
		status = string(ledger.StatusFailed)
	}
	s.metrics.ObserveIngest(in.layer, status, res.RowsIngested, res.InvalidBefore, res.InvalidAfter, time.Since(start))
	return res, err
}

// record persists the outcome and emits the audit event. Bookkeeping
// failures are logged, never turned into a different outcome.
func (s *Service) record(ctx context.Context, src catalog.Source, out SourceOutcome, state catalog.SyncState, actor string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	log := logging.FromContext(ctx)

	if err := s.sources.RecordOutcome(ctx, src.Code, state); err != nil {
		log.Error("failed to record source outcome", "source", src.Code, "error", err)
	}

	msg := out.Message
	if state.Error != "" && state.Error != msg {
		msg = msg + ": " + state.Error
	}
	s.emitAudit(ctx, log, AuditEvent{
		Action:      ActionSourceSync,
		SourceCode:  src.Code,
		LayerCode:   src.LayerCode,
		RunID:       out.RunID,
		Status:      string(out.Status),
		Message:     msg,
		TriggeredBy: actor,
	})
}

func (s *Service) emitAudit(ctx context.Context, log *slog.Logger, e AuditEvent) {
	if err := s.audit.Record(ctx, e); err != nil {
		log.Error("failed to record audit event", "action", e.Action, "error", err)
	}
}

// IsBusy reports errors meaning the caller should retry later.
func IsBusy(err error) bool {
	return errors.Is(err, ErrTooManySyncs) || errors.Is(err, ErrLayerBusy)
}
