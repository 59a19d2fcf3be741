package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/geosync/internal/store"
)

// PostgresLedger stores runs in geo_ingestion_runs.
type PostgresLedger struct {
	db store.DBTX
}

// NewPostgresLedger wraps a pool.
func NewPostgresLedger(db store.DBTX) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const runColumns = `
	run_id, layer_code, source_code, status, source_format, source_hash,
	source_filename, rows_ingested, invalid_geom_before_fix, invalid_geom_after_fix,
	report, started_at, finished_at, triggered_by`

func (l *PostgresLedger) Start(ctx context.Context, run Run) (Run, error) {
	run = prepareStart(run, time.Now().UTC())

	report, err := json.Marshal(run.Report)
	if err != nil {
		return Run{}, fmt.Errorf("encode report: %w", err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO geo_ingestion_runs (
			run_id, layer_code, source_code, status, source_format, source_hash,
			source_filename, report, started_at, triggered_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`,
		toPgUUID(run.ID), run.LayerCode, run.SourceCode, string(run.Status),
		run.SourceFormat, run.SourceHash, run.SourceFilename, string(report),
		run.StartedAt, run.TriggeredBy,
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (l *PostgresLedger) Finish(ctx context.Context, id uuid.UUID, c Completion) (Run, error) {
	return l.finish(ctx, l.db, id, c)
}

// FinishTx applies Finish through tx; nothing is visible until tx commits.
func (l *PostgresLedger) FinishTx(ctx context.Context, tx store.DBTX, id uuid.UUID, c Completion) (Run, error) {
	return l.finish(ctx, tx, id, c)
}

func (l *PostgresLedger) finish(ctx context.Context, db store.DBTX, id uuid.UUID, c Completion) (Run, error) {
	if !CanTransition(StatusRunning, c.Status) {
		return Run{}, fmt.Errorf("%w: running -> %s", ErrInvalidTransition, c.Status)
	}

	report, err := json.Marshal(c.Report)
	if err != nil {
		return Run{}, fmt.Errorf("encode report: %w", err)
	}

	// The status guard makes the terminal write happen at most once.
	row := db.QueryRow(ctx, `
		UPDATE geo_ingestion_runs SET
			status                  = $2,
			rows_ingested           = $3,
			invalid_geom_before_fix = $4,
			invalid_geom_after_fix  = $5,
			report                  = $6::jsonb,
			finished_at             = NOW()
		WHERE run_id = $1 AND status = 'running' AND finished_at IS NULL
		RETURNING `+runColumns,
		toPgUUID(id), string(c.Status), c.RowsIngested, c.InvalidBefore, c.InvalidAfter, string(report),
	)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := get(ctx, db, id); gerr != nil {
			return Run{}, gerr
		}
		return Run{}, fmt.Errorf("%w: %s", ErrRunFinalized, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	return get(ctx, l.db, id)
}

func get(ctx context.Context, db store.DBTX, id uuid.UUID) (Run, error) {
	run, err := scanRun(db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM geo_ingestion_runs WHERE run_id = $1`, toPgUUID(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (l *PostgresLedger) List(ctx context.Context, f Filter) ([]Run, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.LayerCode != "" {
		add("layer_code = $%d", f.LayerCode)
	}
	if f.SourceCode != "" {
		add("source_code = $%d", f.SourceCode)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM geo_ingestion_runs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (l *PostgresLedger) FailAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	patch, err := json.Marshal(Report{Error: abandonedMessage, ErrorKind: "abandoned"})
	if err != nil {
		return 0, err
	}
	tag, err := l.db.Exec(ctx, `
		UPDATE geo_ingestion_runs SET
			status      = 'failed',
			report      = report || $2::jsonb,
			finished_at = NOW()
		WHERE status = 'running' AND finished_at IS NULL AND started_at < $1`,
		time.Now().UTC().Add(-olderThan), string(patch),
	)
	if err != nil {
		return 0, fmt.Errorf("fail abandoned runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run        Run
		id         pgtype.UUID
		sourceCode pgtype.Text
		status     string
		report     []byte
		finishedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &run.LayerCode, &sourceCode, &status, &run.SourceFormat, &run.SourceHash,
		&run.SourceFilename, &run.RowsIngested, &run.InvalidBefore, &run.InvalidAfter,
		&report, &run.StartedAt, &finishedAt, &run.TriggeredBy,
	)
	if err != nil {
		return Run{}, err
	}

	run.ID = uuid.UUID(id.Bytes)
	run.Status = Status(status)
	if sourceCode.Valid {
		code := sourceCode.String
		run.SourceCode = &code
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if len(report) > 0 {
		if err := json.Unmarshal(report, &run.Report); err != nil {
			return Run{}, fmt.Errorf("decode report: %w", err)
		}
	}
	return run, nil
}

func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
