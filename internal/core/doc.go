// Package core orchestrates source syncs: it drives each selected source
// through fetch, format preparation and ingestion, applies the skip and
// fallback policy, and keeps the catalog bookkeeping current.
// This package has no transport dependencies and is shared by the CLI and
// the HTTP server.
//
// # Sync Policy
//
// [Service.SyncSources] walks the selected sources in code order and decides
// each one independently:
//
//  1. A token-gated source without its secret is Blocked and never fetched.
//  2. A dry run validates configuration and reports Ready or Blocked.
//  3. A format no converter reads is Blocked.
//  4. The payload is fetched and hashed. An unchanged checksum is Skipped
//     unless the request forces a refresh.
//  5. The payload is prepared and ingested under a per-layer lock.
//  6. When fetch or ingest fails and the layer still holds features from an
//     earlier run, the source is Skipped and the old snapshot keeps serving.
//     Otherwise, or when forced, it is Failed.
//
// Every non-dry-run outcome is written back to the catalog and recorded as
// an [AuditEvent].
//
// # Concurrency
//
// A [SyncLimiter] caps whole sync invocations; [LayerLocks] serialize
// ingestion per target layer so uploads and syncs never replace the same
// layer at once.
//
// # Error Handling
//
// Errors are classified by the sentinels in package syncerr and mapped to
// operator-facing codes by [MapError].
//
// # Maintenance
//
// [Service.StartScheduler] runs the stale-run sweep, the orphaned staging
// reaper and audit retention, plus an optional periodic sync, for
// long-lived processes.
package core
