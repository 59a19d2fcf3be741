package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/JonMunkholm/geosync/internal/store"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// CopyDB is a connection that supports COPY. *pgxpool.Pool satisfies it.
type CopyDB interface {
	store.DBTX
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// NativeGeoJSONConverter stages GeoJSON without external tools. Properties
// load as text columns; geometries are parsed by PostGIS from their GeoJSON
// form and promoted to multi with SRID 4326.
type NativeGeoJSONConverter struct {
	db CopyDB
}

// NewNativeGeoJSONConverter wraps db.
func NewNativeGeoJSONConverter(db CopyDB) *NativeGeoJSONConverter {
	return &NativeGeoJSONConverter{db: db}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// geojsonColumn holds the raw geometry until PostGIS parses it.
const geojsonColumn = "__geojson"

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

func (c *NativeGeoJSONConverter) Convert(ctx context.Context, req ConvertRequest) (ConvertOutput, error) {
	if err := checkIdent("schema", req.Staging.Schema); err != nil {
		return ConvertOutput{}, err
	}
	if err := checkIdent("staging table", req.Staging.Name); err != nil {
		return ConvertOutput{}, err
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return ConvertOutput{}, fmt.Errorf("%w: read %s: %w", syncerr.ErrConversionFailure, req.Path, err)
	}
	fc, err := decodeFeatureCollection(data)
	if err != nil {
		return ConvertOutput{}, err
	}

	keys, columns := propertyColumns(fc)
	out := ConvertOutput{Converter: "native"}

	defs := make([]string, 0, len(columns)+2)
	defs = append(defs, "ogc_fid integer PRIMARY KEY")
	for _, c := range columns {
		defs = append(defs, pgx.Identifier{c}.Sanitize()+" text")
	}
	defs = append(defs, pgx.Identifier{geojsonColumn}.Sanitize()+" text")

	rel := req.Staging.String()
	stmts := []string{
		"DROP TABLE IF EXISTS " + rel,
		fmt.Sprintf("CREATE TABLE %s (%s)", rel, strings.Join(defs, ", ")),
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(ctx, s); err != nil {
			return out, fmt.Errorf("%w: create staging table: %w", syncerr.ErrConversionFailure, err)
		}
	}

	copyCols := make([]string, 0, len(columns)+2)
	copyCols = append(copyCols, "ogc_fid")
	copyCols = append(copyCols, columns...)
	copyCols = append(copyCols, geojsonColumn)

	rows := make([][]any, 0, len(fc.Features))
	for i, f := range fc.Features {
		row := make([]any, 0, len(copyCols))
		row = append(row, int32(i+1))
		for _, k := range keys {
			row = append(row, propertyText(f.Properties[k]))
		}
		row = append(row, geometryText(f))
		rows = append(rows, row)
	}

	n, err := c.db.CopyFrom(ctx, pgx.Identifier{req.Staging.Schema, req.Staging.Name}, copyCols, pgx.CopyFromRows(rows))
	if err != nil {
		return out, fmt.Errorf("%w: copy features: %w", syncerr.ErrConversionFailure, err)
	}

	raw := pgx.Identifier{geojsonColumn}.Sanitize()
	post := []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN geom geometry(Geometry, 4326)", rel),
		fmt.Sprintf("UPDATE %s SET geom = ST_Multi(ST_SetSRID(ST_GeomFromGeoJSON(%s), 4326)) WHERE %s IS NOT NULL", rel, raw, raw),
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", rel, raw),
	}
	for _, s := range post {
		if _, err := c.db.Exec(ctx, s); err != nil {
			return out, fmt.Errorf("%w: build geometries: %w", syncerr.ErrConversionFailure, err)
		}
	}

	out.Stdout = fmt.Sprintf("loaded %d features with %d attribute columns", n, len(columns))
	return out, nil
}

// decodeFeatureCollection parses a GeoJSON document. Windows exports often
// carry a UTF-8 BOM that encoding/json rejects.
func decodeFeatureCollection(data []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(bytes.TrimPrefix(data, utf8BOM))
	if err != nil {
		return nil, fmt.Errorf("%w: parse geojson: %w", syncerr.ErrConversionFailure, err)
	}
	return fc, nil
}

// propertyColumns returns the property keys in a stable order and the
// column name each maps to. Names are laundered like ogr2ogr does and
// de-duplicated.
func propertyColumns(fc *geojson.FeatureCollection) (keys, columns []string) {
	seen := make(map[string]bool)
	for _, f := range fc.Features {
		for k := range f.Properties {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	used := map[string]bool{"ogc_fid": true, "geom": true, geojsonColumn: true}
	columns = make([]string, len(keys))
	for i, k := range keys {
		name := launder(k)
		base := name
		for n := 1; used[name]; n++ {
			suffix := "_" + strconv.Itoa(n)
			if len(base)+len(suffix) > 63 {
				base = base[:63-len(suffix)]
			}
			name = base + suffix
		}
		used[name] = true
		columns[i] = name
	}
	return keys, columns
}

func launder(k string) string {
	name := nonIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(k)), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "field"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "f_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func propertyText(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func geometryText(f *geojson.Feature) any {
	if f.Geometry == nil {
		return nil
	}
	b, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
	if err != nil {
		return nil
	}
	return string(b)
}
