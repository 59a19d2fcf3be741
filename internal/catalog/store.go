package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/geosync/internal/store"
)

// ErrNotFound is returned by Get for an unknown code.
var ErrNotFound = errors.New("source not found")

// SyncState is the bookkeeping written after one sync attempt.
type SyncState struct {
	Status Status
	Error  string
	At     time.Time

	// Ingested is true only for a successful ingest. Checksum, FeatureCount
	// and the sync timestamp are persisted only when it is set.
	Ingested     bool
	Checksum     string
	FeatureCount int64
}

// Store persists sources in geo_sources.
type Store struct {
	db store.DBTX
}

// NewStore wraps a pool or transaction.
func NewStore(db store.DBTX) *Store {
	return &Store{db: db}
}

// Bootstrap upserts configuration columns. Sync state columns are never
// touched so restarts keep the last known-good checksum.
func (s *Store) Bootstrap(ctx context.Context, sources []Source) error {
	const q = `
		INSERT INTO geo_sources (
			code, url_or_path, format, layer_code, requires_token, token_env_var,
			expected_checksum, clip_bbox, country_filter, enabled_by_default, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			url_or_path        = EXCLUDED.url_or_path,
			format             = EXCLUDED.format,
			layer_code         = EXCLUDED.layer_code,
			requires_token     = EXCLUDED.requires_token,
			token_env_var      = EXCLUDED.token_env_var,
			expected_checksum  = EXCLUDED.expected_checksum,
			clip_bbox          = EXCLUDED.clip_bbox,
			country_filter     = EXCLUDED.country_filter,
			enabled_by_default = EXCLUDED.enabled_by_default,
			description        = EXCLUDED.description,
			updated_at         = NOW()`

	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return err
		}
		bbox := ""
		if src.ClipBBox != nil {
			bbox = src.ClipBBox.String()
		}
		_, err := s.db.Exec(ctx, q,
			src.Code, src.URLOrPath, string(src.Format), src.LayerCode,
			src.RequiresToken, src.TokenEnvVar, src.ExpectedChecksum,
			bbox, src.CountryFilter, src.EnabledByDefault, src.Description,
		)
		if err != nil {
			return fmt.Errorf("bootstrap source %s: %w", src.Code, err)
		}
	}
	return nil
}

const selectSources = `
	SELECT code, url_or_path, format, layer_code, requires_token, token_env_var,
	       expected_checksum, clip_bbox, country_filter, enabled_by_default, description,
	       last_checksum, last_status, last_error, last_feature_count,
	       last_sync_at, last_attempt_at
	FROM geo_sources`

// List returns every source ordered by code.
func (s *Store) List(ctx context.Context) ([]Source, error) {
	rows, err := s.db.Query(ctx, selectSources+` ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// Get returns one source or ErrNotFound.
func (s *Store) Get(ctx context.Context, code string) (Source, error) {
	src, err := scanSource(s.db.QueryRow(ctx, selectSources+` WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return src, err
}

// RecordOutcome writes the result of a sync attempt. last_checksum,
// last_feature_count and last_sync_at move only when state.Ingested.
func (s *Store) RecordOutcome(ctx context.Context, code string, state SyncState) error {
	at := state.At
	if at.IsZero() {
		at = time.Now()
	}

	const q = `
		UPDATE geo_sources SET
			last_status        = $2,
			last_error         = $3,
			last_attempt_at    = $4,
			last_checksum      = CASE WHEN $5 THEN $6 ELSE last_checksum END,
			last_feature_count = CASE WHEN $5 THEN $7 ELSE last_feature_count END,
			last_sync_at       = CASE WHEN $5 THEN $4 ELSE last_sync_at END,
			updated_at         = NOW()
		WHERE code = $1`

	tag, err := s.db.Exec(ctx, q, code, string(state.Status), state.Error, at,
		state.Ingested, state.Checksum, state.FeatureCount)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return nil
}

func scanSource(row pgx.Row) (Source, error) {
	var (
		src               Source
		format, status    string
		bbox              string
		syncAt, attemptAt pgtype.Timestamptz
	)
	err := row.Scan(
		&src.Code, &src.URLOrPath, &format, &src.LayerCode, &src.RequiresToken,
		&src.TokenEnvVar, &src.ExpectedChecksum, &bbox, &src.CountryFilter,
		&src.EnabledByDefault, &src.Description,
		&src.LastChecksum, &status, &src.LastError, &src.LastFeatureCount,
		&syncAt, &attemptAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Source{}, err
		}
		return Source{}, fmt.Errorf("scan source: %w", err)
	}

	src.Format = ParseFormat(format)
	src.LastStatus = Status(status)
	if bbox != "" {
		b, err := ParseBBox(bbox)
		if err != nil {
			return Source{}, fmt.Errorf("source %s: %w", src.Code, err)
		}
		src.ClipBBox = &b
	}
	if syncAt.Valid {
		t := syncAt.Time
		src.LastSyncAt = &t
	}
	if attemptAt.Valid {
		t := attemptAt.Time
		src.LastAttemptAt = &t
	}
	return src, nil
}
