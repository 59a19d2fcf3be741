package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/geosync/internal/store"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// DataRef identifies the table holding ingested features. It is written to
// the layer catalog row for downstream publishers.
const DataRef = "postgis:geo_features"

// Store is the spatial store the engine drives.
type Store interface {
	// GeometryColumn returns the first geometry-typed column, or "".
	GeometryColumn(ctx context.Context, rel Relation) (string, error)
	Columns(ctx context.Context, rel Relation) ([]string, error)
	CountRows(ctx context.Context, rel Relation) (int64, error)

	// CountInvalid counts rows whose geometry is null or invalid.
	CountInvalid(ctx context.Context, rel Relation, geomCol string) (int64, error)
	// RepairInvalid rewrites invalid non-null geometries in place.
	RepairInvalid(ctx context.Context, rel Relation, geomCol string) (int64, error)

	SupportsSpatial(ctx context.Context) (bool, error)

	// ReplaceLayer swaps the layer's features for the filtered staged rows
	// and records the run on the layer, atomically.
	ReplaceLayer(ctx context.Context, p ReplaceParams) (int64, error)

	DropStaging(ctx context.Context, rel Relation) error
	ListStaging(ctx context.Context, schema string) ([]string, error)
	LayerFeatureCount(ctx context.Context, layer string) (int64, error)
}

// ReplaceParams describes one atomic layer replace.
type ReplaceParams struct {
	Layer      string
	Staging    Relation
	GeomColumn string
	Columns    []string
	Filter     Filter
	RunID      uuid.UUID
	SourceHash string
	// Finalize, if set, runs inside the replace transaction after the
	// features are written and before commit. An error aborts the replace.
	Finalize func(ctx context.Context, tx store.DBTX, rows int64) error
}

// TxDB is a pool that can open transactions. *pgxpool.Pool satisfies it.
type TxDB interface {
	store.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostGISStore implements Store on PostgreSQL with PostGIS.
type PostGISStore struct {
	db TxDB
}

// NewPostGISStore wraps a pool.
func NewPostGISStore(db TxDB) *PostGISStore {
	return &PostGISStore{db: db}
}

func (s *PostGISStore) GeometryColumn(ctx context.Context, rel Relation) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND udt_name = 'geometry'
		ORDER BY ordinal_position
		LIMIT 1`, rel.Schema, rel.Name).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", syncerr.Database("detect geometry column", err)
	}
	return name, nil
}

func (s *PostGISStore) Columns(ctx context.Context, rel Relation) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, rel.Schema, rel.Name)
	if err != nil {
		return nil, syncerr.Database("list columns", err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, syncerr.Database("list columns", err)
	}
	return cols, nil
}

func (s *PostGISStore) CountRows(ctx context.Context, rel Relation) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM "+rel.String()).Scan(&n); err != nil {
		return 0, syncerr.Database("count staged rows", err)
	}
	return n, nil
}

func (s *PostGISStore) CountInvalid(ctx context.Context, rel Relation, geomCol string) (int64, error) {
	g := pgx.Identifier{geomCol}.Sanitize()
	var n int64
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE %s IS NULL OR NOT ST_IsValid(%s)", rel, g, g)).Scan(&n)
	if err != nil {
		return 0, syncerr.Database("count invalid geometries", err)
	}
	return n, nil
}

// RepairInvalid uses ST_MakeValid, keeps only the parts matching the
// original dimension so column type constraints still hold, and promotes
// the result to multi.
func (s *PostGISStore) RepairInvalid(ctx context.Context, rel Relation, geomCol string) (int64, error) {
	g := pgx.Identifier{geomCol}.Sanitize()
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET %s = ST_Multi(ST_CollectionExtract(ST_MakeValid(%s), ST_Dimension(%s) + 1))
		WHERE %s IS NOT NULL AND NOT ST_IsValid(%s)`, rel, g, g, g, g, g))
	if err != nil {
		return 0, syncerr.Database("repair geometries", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostGISStore) SupportsSpatial(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'postgis')`).Scan(&ok)
	if err != nil {
		return false, syncerr.Database("check postgis extension", err)
	}
	return ok, nil
}

func (s *PostGISStore) ReplaceLayer(ctx context.Context, p ReplaceParams) (int64, error) {
	insertSQL, args := buildReplaceSQL(p)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, syncerr.Database("begin replace", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM geo_features WHERE layer_code = $1`, p.Layer); err != nil {
		return 0, syncerr.Database("delete layer features", err)
	}

	tag, err := tx.Exec(ctx, insertSQL, args...)
	if err != nil {
		return 0, syncerr.Database("insert layer features", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO geo_layers (layer_code, source_file_hash, latest_ingestion_run, data_ref, geometry_column, updated_at)
		VALUES ($1, $2, $3, $4, 'geom', NOW())
		ON CONFLICT (layer_code) DO UPDATE SET
			source_file_hash     = EXCLUDED.source_file_hash,
			latest_ingestion_run = EXCLUDED.latest_ingestion_run,
			data_ref             = EXCLUDED.data_ref,
			geometry_column      = EXCLUDED.geometry_column,
			updated_at           = NOW()`,
		p.Layer, p.SourceHash, pgtype.UUID{Bytes: p.RunID, Valid: true}, DataRef)
	if err != nil {
		return 0, syncerr.Database("update layer", err)
	}

	if p.Finalize != nil {
		if err := p.Finalize(ctx, tx, tag.RowsAffected()); err != nil {
			return 0, syncerr.Database("finish run", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, syncerr.Database("commit replace", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostGISStore) DropStaging(ctx context.Context, rel Relation) error {
	if !strings.HasPrefix(rel.Name, StagingPrefix) {
		return fmt.Errorf("refusing to drop non-staging relation %s", rel)
	}
	if _, err := s.db.Exec(ctx, "DROP TABLE IF EXISTS "+rel.String()); err != nil {
		return syncerr.Database("drop staging", err)
	}
	return nil
}

func (s *PostGISStore) ListStaging(ctx context.Context, schema string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = $1 AND tablename LIKE 'stg\_%'
		ORDER BY tablename`, schema)
	if err != nil {
		return nil, syncerr.Database("list staging", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, syncerr.Database("list staging", err)
	}
	return names, nil
}

func (s *PostGISStore) LayerFeatureCount(ctx context.Context, layer string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM geo_features WHERE layer_code = $1`, layer).Scan(&n)
	if err != nil {
		return 0, syncerr.Database("count layer features", err)
	}
	return n, nil
}

// Attribute columns promoted out of properties, by first match.
var (
	keyFields      = []string{"feature_key", "id", "fid", "objectid", "gid", "shapeid"}
	nameFields     = []string{"name", "name_en", "shapename", "admin", "title"}
	provinceFields = []string{"province", "adm1_name", "name_1", "prov_name"}
	yearFields     = []string{"year", "yr"}
)

// knownColumns never reach the properties JSON: the promoted attributes,
// the converter's FID and geometry, and bookkeeping columns of the insert.
var knownColumns = []string{
	"ogc_fid", "feature_key", "name", "province", "year",
	"minx", "miny", "maxx", "maxy",
	"__rn", "__key", "__dups",
}

func firstPresent(columns []string, candidates []string) string {
	byLower := make(map[string]string, len(columns))
	for _, c := range columns {
		byLower[strings.ToLower(c)] = c
	}
	for _, cand := range candidates {
		if actual, ok := byLower[cand]; ok {
			return actual
		}
	}
	return ""
}

func textExpr(alias, column string) string {
	if column == "" {
		return "NULL::text"
	}
	return fmt.Sprintf("NULLIF(TRIM(%s::text), '')", col(alias, column))
}

// buildReplaceSQL renders the INSERT ... SELECT that copies filtered staged
// rows into geo_features. $1 is the layer, $2 the run id, filter arguments
// follow.
//
// A source key that is missing, shared by several rows, or already shaped
// like a synthetic key is replaced with "<layer>#<row number>" so
// feature_key stays unique within the layer.
func buildReplaceSQL(p ReplaceParams) (string, []any) {
	where, filterArgs := p.Filter.whereClause("s", p.GeomColumn, 3)

	keyCol := firstPresent(p.Columns, keyFields)
	nameCol := firstPresent(p.Columns, nameFields)
	provCol := firstPresent(p.Columns, provinceFields)
	yearCol := firstPresent(p.Columns, yearFields)

	strip := append([]string{}, knownColumns...)
	strip = append(strip, p.GeomColumn)
	for _, c := range []string{keyCol, nameCol, provCol, yearCol} {
		if c != "" {
			strip = append(strip, c)
		}
	}
	quoted := make([]string, len(strip))
	for i, c := range strip {
		quoted[i] = "'" + strings.ReplaceAll(c, "'", "''") + "'"
	}

	yearExpr := "NULL::integer"
	if yearCol != "" {
		yearExpr = fmt.Sprintf(`CASE WHEN TRIM(%[1]s::text) ~ '^-?[0-9]{1,4}$' THEN TRIM(%[1]s::text)::integer END`, col("k", yearCol))
	}

	g := col("k", p.GeomColumn)
	query := fmt.Sprintf(`
		WITH src AS (
			SELECT s.*, row_number() OVER () AS __rn
			FROM %s s
			WHERE %s
		), keyed AS (
			SELECT src.*, %s AS __key
			FROM src
		), counted AS (
			SELECT keyed.*, count(*) OVER (PARTITION BY __key) AS __dups
			FROM keyed
		)
		INSERT INTO geo_features (
			layer_code, feature_key, name, province, year, properties,
			geom, minx, miny, maxx, maxy, ingestion_run
		)
		SELECT
			$1::text,
			CASE
				WHEN k.__key IS NULL OR k.__dups > 1 OR starts_with(k.__key, $1::text || '#')
				THEN $1::text || '#' || k.__rn
				ELSE k.__key
			END,
			%s,
			%s,
			%s,
			to_jsonb(k) - ARRAY[%s]::text[],
			%s,
			ST_XMin(%s), ST_YMin(%s), ST_XMax(%s), ST_YMax(%s),
			$2::uuid
		FROM counted k`,
		p.Staging, where,
		textExpr("src", keyCol),
		textExpr("k", nameCol),
		textExpr("k", provCol),
		yearExpr,
		strings.Join(quoted, ", "),
		g, g, g, g, g,
	)

	args := append([]any{p.Layer, pgtype.UUID{Bytes: p.RunID, Valid: true}}, filterArgs...)
	return query, args
}
