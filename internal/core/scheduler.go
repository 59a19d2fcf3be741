package core

// scheduler.go runs background maintenance for long-lived processes:
//  1. Fail runs left running past the stale age (the process died mid-run)
//  2. Drop staging relations whose run is no longer running
//  3. Prune audit events past their retention
//  4. Optionally sync all enabled sources on an interval
//
// Individual job failures are logged and never stop the scheduler.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ingest"
	"github.com/JonMunkholm/geosync/internal/ledger"
)

// StagingStore lists and drops staging relations.
// *ingest.PostGISStore satisfies it.
type StagingStore interface {
	ListStaging(ctx context.Context, schema string) ([]string, error)
	DropStaging(ctx context.Context, rel ingest.Relation) error
}

// AuditPruner deletes old audit events. *PostgresAuditSink satisfies it.
type AuditPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// SchedulerConfig holds scheduler intervals. Zero disables a job.
type SchedulerConfig struct {
	ReapInterval   time.Duration
	StaleRunAge    time.Duration
	SyncInterval   time.Duration
	AuditRetention time.Duration
}

// ReapResult summarizes one maintenance pass.
type ReapResult struct {
	RunsFailed     int64
	StagingDropped int64
}

// StartScheduler blocks running maintenance until ctx is cancelled. The
// reaper runs once immediately so a restart cleans up after a crash.
func (s *Service) StartScheduler(ctx context.Context, cfg SchedulerConfig) {
	slog.Info("scheduler started",
		"reap_interval", cfg.ReapInterval,
		"stale_run_age", cfg.StaleRunAge,
		"sync_interval", cfg.SyncInterval,
		"audit_retention", cfg.AuditRetention,
	)

	var reapC, syncC <-chan time.Time
	if cfg.ReapInterval > 0 {
		s.runReapJob(ctx, cfg)
		t := time.NewTicker(cfg.ReapInterval)
		defer t.Stop()
		reapC = t.C
	}
	if cfg.SyncInterval > 0 {
		t := time.NewTicker(cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-reapC:
			s.runReapJob(ctx, cfg)
		case <-syncC:
			s.runSyncJob(ctx)
		}
	}
}

func (s *Service) runReapJob(ctx context.Context, cfg SchedulerConfig) {
	start := time.Now()
	res, err := s.Reap(ctx, cfg.StaleRunAge)
	if err != nil {
		slog.Error("reap failed", "error", err)
	}

	var pruned int64
	if p, ok := s.audit.(AuditPruner); ok && cfg.AuditRetention > 0 {
		pruned, err = p.Prune(ctx, cfg.AuditRetention)
		if err != nil {
			slog.Error("audit prune failed", "error", err)
		}
	}

	slog.Info("reap completed",
		"runs_failed", res.RunsFailed,
		"staging_dropped", res.StagingDropped,
		"audit_pruned", pruned,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Service) runSyncJob(ctx context.Context) {
	ctx = ContextWithActor(ctx, "scheduler")
	report, err := s.SyncSources(ctx, SyncRequest{TriggeredBy: "scheduler", NoWait: true})
	switch {
	case IsBusy(err):
		slog.Info("scheduled sync skipped; another sync is running")
	case err != nil:
		slog.Error("scheduled sync failed", "error", err)
	case report.Failed():
		slog.Warn("scheduled sync finished with failures", "failed", report.Summary[catalog.StatusFailed])
	}
}

// Reap fails abandoned runs, then drops staging relations that no running
// run owns. Relations whose name does not encode a run id are left alone.
func (s *Service) Reap(ctx context.Context, staleAge time.Duration) (ReapResult, error) {
	var (
		res  ReapResult
		errs []error
	)
	if s.runs == nil {
		return res, nil
	}

	if staleAge > 0 {
		n, err := s.runs.FailAbandoned(ctx, staleAge)
		if err != nil {
			errs = append(errs, err)
		}
		res.RunsFailed = n
		if n > 0 {
			s.emitAudit(ctx, slog.Default(), AuditEvent{
				Action:  ActionRunsAbandoned,
				Status:  string(ledger.StatusFailed),
				Message: "abandoned runs marked failed",
			})
		}
	}

	if s.staging != nil {
		dropped, err := s.reapStaging(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		res.StagingDropped = dropped
		if dropped > 0 {
			s.emitAudit(ctx, slog.Default(), AuditEvent{
				Action:  ActionStagingReaped,
				Message: "orphaned staging relations dropped",
			})
		}
	}

	s.metrics.AddReaped(res.StagingDropped, res.RunsFailed)
	return res, errors.Join(errs...)
}

func (s *Service) reapStaging(ctx context.Context) (int64, error) {
	names, err := s.staging.ListStaging(ctx, s.stagingSchema)
	if err != nil {
		return 0, err
	}

	var (
		dropped int64
		errs    []error
	)
	for _, name := range names {
		runID, ok := ingest.RunIDFromStaging(name)
		if !ok {
			continue
		}
		run, err := s.runs.Get(ctx, runID)
		switch {
		case err == nil && run.Status == ledger.StatusRunning:
			continue
		case err != nil && !errors.Is(err, ledger.ErrRunNotFound):
			errs = append(errs, err)
			continue
		}

		if err := s.staging.DropStaging(ctx, ingest.Relation{Schema: s.stagingSchema, Name: name}); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("dropped orphaned staging relation", "table", name, "run_id", runID.String())
		dropped++
	}
	return dropped, errors.Join(errs...)
}
