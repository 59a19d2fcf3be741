package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/logging"
	"github.com/JonMunkholm/geosync/internal/store"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionSourceSync    AuditAction = "source_sync"
	ActionLayerUpload   AuditAction = "layer_upload"
	ActionStagingReaped AuditAction = "staging_reaped"
	ActionRunsAbandoned AuditAction = "runs_abandoned"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// AuditEvent is one audited action.
type AuditEvent struct {
	ID          int64         `json:"id,omitempty"`
	Action      AuditAction   `json:"action"`
	Severity    AuditSeverity `json:"severity"`
	SourceCode  string        `json:"source_code,omitempty"`
	LayerCode   string        `json:"layer_code,omitempty"`
	RunID       *uuid.UUID    `json:"run_id,omitempty"`
	Status      string        `json:"status,omitempty"`
	Message     string        `json:"message,omitempty"`
	TriggeredBy string        `json:"triggered_by,omitempty"`
	RequestID   string        `json:"request_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// determineSeverity ranks an event. Failures and blocked sources need an
// operator; replacing a layer changes what readers see.
func determineSeverity(e AuditEvent) AuditSeverity {
	switch {
	case e.Status == string(catalog.StatusFailed), e.Status == string(catalog.StatusBlocked):
		return SeverityHigh
	case e.Action == ActionLayerUpload, e.Action == ActionRunsAbandoned:
		return SeverityHigh
	case e.Status == string(catalog.StatusReady) && e.RunID != nil:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AuditSink records audit events.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent) error
}

// LogAuditSink writes events to the structured log only.
type LogAuditSink struct{}

func (LogAuditSink) Record(ctx context.Context, e AuditEvent) error {
	e = fillAudit(ctx, e)
	args := []any{
		"action", e.Action,
		"severity", e.Severity,
		"status", e.Status,
	}
	if e.SourceCode != "" {
		args = append(args, "source", e.SourceCode)
	}
	if e.LayerCode != "" {
		args = append(args, "layer", e.LayerCode)
	}
	if e.RunID != nil {
		args = append(args, "run_id", e.RunID.String())
	}
	if e.TriggeredBy != "" {
		args = append(args, "triggered_by", e.TriggeredBy)
	}
	logging.FromContext(ctx).Info("audit: "+e.Message, args...)
	return nil
}

// PostgresAuditSink persists events in geo_audit_log.
type PostgresAuditSink struct {
	db store.DBTX
}

// NewPostgresAuditSink wraps a pool.
func NewPostgresAuditSink(db store.DBTX) *PostgresAuditSink {
	return &PostgresAuditSink{db: db}
}

func (s *PostgresAuditSink) Record(ctx context.Context, e AuditEvent) error {
	e = fillAudit(ctx, e)

	var runID pgtype.UUID
	if e.RunID != nil {
		runID = pgtype.UUID{Bytes: *e.RunID, Valid: true}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO geo_audit_log (
			action, severity, source_code, layer_code, run_id,
			status, message, triggered_by, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.Action), string(e.Severity), toPgText(e.SourceCode), toPgText(e.LayerCode), runID,
		e.Status, e.Message, e.TriggeredBy, e.RequestID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Prune deletes events older than retention and returns how many went.
func (s *PostgresAuditSink) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM geo_audit_log WHERE created_at < NOW() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AuditFilter narrows List. Zero values match everything.
type AuditFilter struct {
	SourceCode string
	LayerCode  string
	Action     AuditAction
	Limit      int
}

// DefaultAuditLimit applies when AuditFilter.Limit is zero.
const DefaultAuditLimit = 100

// List returns events newest first.
func (s *PostgresAuditSink) List(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SourceCode != "" {
		add("source_code = $%d", f.SourceCode)
	}
	if f.LayerCode != "" {
		add("layer_code = $%d", f.LayerCode)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Limit <= 0 {
		f.Limit = DefaultAuditLimit
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT id, action, severity, source_code, layer_code, run_id,
		       status, message, triggered_by, request_id, created_at
		FROM geo_audit_log
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditEvent, error) {
		var (
			e          AuditEvent
			action     string
			severity   string
			sourceCode pgtype.Text
			layerCode  pgtype.Text
			runID      pgtype.UUID
		)
		err := row.Scan(&e.ID, &action, &severity, &sourceCode, &layerCode, &runID,
			&e.Status, &e.Message, &e.TriggeredBy, &e.RequestID, &e.CreatedAt)
		if err != nil {
			return AuditEvent{}, err
		}
		e.Action = AuditAction(action)
		e.Severity = AuditSeverity(severity)
		e.SourceCode = sourceCode.String
		e.LayerCode = layerCode.String
		if runID.Valid {
			id := uuid.UUID(runID.Bytes)
			e.RunID = &id
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}

// fillAudit stamps request metadata, severity and time.
func fillAudit(ctx context.Context, e AuditEvent) AuditEvent {
	if e.Severity == "" {
		e.Severity = determineSeverity(e)
	}
	if e.RequestID == "" {
		e.RequestID = middleware.GetReqID(ctx)
	}
	if e.TriggeredBy == "" {
		e.TriggeredBy = ActorFromContext(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

func toPgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
