package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ledger"
	"github.com/JonMunkholm/geosync/internal/store"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

var southAfrica = catalog.BBox{MinX: 16.0, MinY: -35.5, MaxX: 33.5, MaxY: -22.0}

func point(x, y float64) *catalog.BBox {
	return &catalog.BBox{MinX: x, MinY: y, MaxX: x, MaxY: y}
}

func validRow(attrs map[string]string, geom *catalog.BBox) memRow {
	return memRow{attrs: attrs, geom: geom, valid: true}
}

type engineFixture struct {
	store  *memStore
	conv   *stubConverter
	runs   *ledger.MemoryLedger
	engine *Engine
}

func newEngineFixture(t *testing.T, table memTable) *engineFixture {
	t.Helper()
	st := newMemStore()
	conv := &stubConverter{store: st, table: table}
	runs := ledger.NewMemoryLedger()
	eng, err := NewEngine(st, conv, runs, Options{StagingSchema: "public", OutputLimit: 64})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &engineFixture{store: st, conv: conv, runs: runs, engine: eng}
}

func baseRequest() Request {
	code := "ne_admin0"
	return Request{
		LayerCode:      "admin0_zaf",
		Path:           "/tmp/admin0.geojson",
		Format:         catalog.FormatGeoJSON,
		SourceCode:     &code,
		SourceHash:     "abc123",
		SourceFilename: "admin0.geojson",
		TriggeredBy:    "test",
	}
}

func (f *engineFixture) assertStagingDropped(t *testing.T, runID string) {
	t.Helper()
	want := StagingPrefix + strings.ReplaceAll(runID, "-", "")
	found := false
	for _, name := range f.store.dropped {
		if name == want {
			found = true
		}
	}
	if !found {
		t.Errorf("staging table %s not dropped (dropped: %v)", want, f.store.dropped)
	}
	if left, _ := f.store.ListStaging(context.Background(), "public"); len(left) != 0 {
		t.Errorf("staging tables left behind: %v", left)
	}
}

func (f *engineFixture) run(t *testing.T, res Result) ledger.Run {
	t.Helper()
	run, err := f.runs.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	return run
}

func TestIngest_BBoxFilter(t *testing.T) {
	var rows []memRow
	for i := 0; i < 8; i++ {
		rows = append(rows, validRow(map[string]string{"name": fmt.Sprintf("in%d", i)}, point(20+float64(i), -30)))
	}
	rows = append(rows,
		validRow(map[string]string{"name": "nairobi"}, point(36.8, -1.3)),
		validRow(map[string]string{"name": "london"}, point(-0.1, 51.5)),
	)

	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "name", "geom"}, geomCol: "geom", rows: rows})
	req := baseRequest()
	req.ClipBBox = &southAfrica

	res, err := f.engine.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RowsIngested != 8 {
		t.Errorf("RowsIngested = %d, want 8", res.RowsIngested)
	}
	if res.Report.RowsStaged != 10 {
		t.Errorf("RowsStaged = %d, want 10", res.Report.RowsStaged)
	}
	if res.Report.ClipBBox != southAfrica.String() {
		t.Errorf("report ClipBBox = %q, want %q", res.Report.ClipBBox, southAfrica.String())
	}

	run := f.run(t, res)
	if run.Status != ledger.StatusSucceeded {
		t.Errorf("run status = %s, want succeeded", run.Status)
	}
	if run.RowsIngested != 8 {
		t.Errorf("run RowsIngested = %d, want 8", run.RowsIngested)
	}
	if run.FinishedAt == nil {
		t.Error("run FinishedAt not set")
	}
	if n, _ := f.store.LayerFeatureCount(context.Background(), "admin0_zaf"); n != 8 {
		t.Errorf("layer feature count = %d, want 8", n)
	}
	f.assertStagingDropped(t, res.RunID.String())
}

func TestIngest_CountryFilter(t *testing.T) {
	rows := []memRow{
		validRow(map[string]string{"admin": "South Africa"}, point(25, -29)),
		validRow(map[string]string{"admin": "KENYA"}, point(37, 0)),
		validRow(map[string]string{"adm0_a3": "ZAF", "admin": "Kenya"}, point(25, -29)),
		validRow(map[string]string{"adm0_a3": "  ", "admin": "za"}, point(25, -29)),
	}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "adm0_a3", "admin", "geom"}, geomCol: "geom", rows: rows})
	req := baseRequest()
	req.CountryFilter = "zaf"

	res, err := f.engine.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RowsIngested != 3 {
		t.Errorf("RowsIngested = %d, want 3", res.RowsIngested)
	}

	cf := res.Report.CountryFilter
	if cf == nil {
		t.Fatal("report has no country filter")
	}
	if !cf.Applied {
		t.Error("country filter not applied")
	}
	if cf.Requested != "ZAF" {
		t.Errorf("Requested = %q, want ZAF", cf.Requested)
	}
	if len(cf.Fields) != 2 || cf.Fields[0] != "adm0_a3" || cf.Fields[1] != "admin" {
		t.Errorf("Fields = %v, want [adm0_a3 admin]", cf.Fields)
	}
}

func TestIngest_CountryFilterWithoutField(t *testing.T) {
	rows := []memRow{
		validRow(map[string]string{"name": "a"}, point(25, -29)),
		validRow(map[string]string{"name": "b"}, point(37, 0)),
	}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "name", "geom"}, geomCol: "geom", rows: rows})
	req := baseRequest()
	req.CountryFilter = "ZAF"

	res, err := f.engine.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RowsIngested != 2 {
		t.Errorf("RowsIngested = %d, want 2", res.RowsIngested)
	}
	if cf := res.Report.CountryFilter; cf == nil || cf.Applied {
		t.Errorf("CountryFilter = %+v, want Applied=false", cf)
	}
}

func TestIngest_RepairSucceeds(t *testing.T) {
	rows := []memRow{
		validRow(nil, point(25, -29)),
		{geom: point(26, -29), repairable: true},
	}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom", rows: rows})

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.InvalidBefore != 1 || res.InvalidAfter != 0 {
		t.Errorf("invalid before/after = %d/%d, want 1/0", res.InvalidBefore, res.InvalidAfter)
	}
	if res.RowsIngested != 2 {
		t.Errorf("RowsIngested = %d, want 2", res.RowsIngested)
	}
}

func TestIngest_RepairFailureKeepsLayer(t *testing.T) {
	rows := []memRow{
		validRow(nil, point(25, -29)),
		{geom: point(26, -29)},
		{geom: nil},
	}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom", rows: rows})
	f.store.features["admin0_zaf"] = []memFeature{{layer: "admin0_zaf"}, {layer: "admin0_zaf"}}

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if !errors.Is(err, syncerr.ErrGeometryRepair) {
		t.Fatalf("err = %v, want ErrGeometryRepair", err)
	}
	if res.InvalidBefore != 2 || res.InvalidAfter != 2 {
		t.Errorf("invalid before/after = %d/%d, want 2/2", res.InvalidBefore, res.InvalidAfter)
	}
	if len(f.store.replaced) != 0 {
		t.Error("layer replaced despite unrepaired geometries")
	}
	if n, _ := f.store.LayerFeatureCount(context.Background(), "admin0_zaf"); n != 2 {
		t.Errorf("layer feature count = %d, want prior 2", n)
	}

	run := f.run(t, res)
	if run.Status != ledger.StatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.Report.ErrorKind != "geometry_repair_failure" {
		t.Errorf("ErrorKind = %q", run.Report.ErrorKind)
	}
	if run.InvalidAfter != 2 {
		t.Errorf("run InvalidAfter = %d, want 2", run.InvalidAfter)
	}
	f.assertStagingDropped(t, res.RunID.String())
}

func TestIngest_ZeroRows(t *testing.T) {
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom"})
	f.store.features["admin0_zaf"] = []memFeature{{layer: "admin0_zaf"}}

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RowsIngested != 0 {
		t.Errorf("RowsIngested = %d, want 0", res.RowsIngested)
	}
	if run := f.run(t, res); run.Status != ledger.StatusSucceeded {
		t.Errorf("run status = %s, want succeeded", run.Status)
	}
	if n, _ := f.store.LayerFeatureCount(context.Background(), "admin0_zaf"); n != 0 {
		t.Errorf("layer feature count = %d, want 0", n)
	}
}

func TestIngest_ConversionFailure(t *testing.T) {
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom"})
	f.conv.err = fmt.Errorf("%w: ogr2ogr exited with code 1: bad file", syncerr.ErrConversionFailure)
	f.conv.partial = true
	f.conv.out = ConvertOutput{Converter: "ogr2ogr", Stderr: strings.Repeat("E", 200)}

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if !errors.Is(err, syncerr.ErrConversionFailure) {
		t.Fatalf("err = %v, want ErrConversionFailure", err)
	}

	run := f.run(t, res)
	if run.Status != ledger.StatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.Report.Converter != "ogr2ogr" {
		t.Errorf("Converter = %q", run.Report.Converter)
	}
	if !strings.Contains(run.Report.Stderr, "[truncated") {
		t.Errorf("stderr not truncated: %q", run.Report.Stderr)
	}
	if !strings.Contains(run.Report.Error, "bad file") {
		t.Errorf("report error = %q", run.Report.Error)
	}
	f.assertStagingDropped(t, res.RunID.String())
}

func TestIngest_ConverterErrorIsClassified(t *testing.T) {
	f := newEngineFixture(t, memTable{})
	f.conv.err = errors.New("exec: not found")

	_, err := f.engine.Ingest(context.Background(), baseRequest())
	if !errors.Is(err, syncerr.ErrConversionFailure) {
		t.Fatalf("err = %v, want ErrConversionFailure", err)
	}
}

func TestIngest_NoGeometryColumn(t *testing.T) {
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "name"}})

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if !errors.Is(err, syncerr.ErrConversionFailure) {
		t.Fatalf("err = %v, want ErrConversionFailure", err)
	}
	if run := f.run(t, res); run.Status != ledger.StatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
}

func TestIngest_FallbackGeometryColumn(t *testing.T) {
	rows := []memRow{validRow(nil, point(25, -29))}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "wkb_geometry"}, rows: rows})

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Report.GeometryColumn != "wkb_geometry" {
		t.Errorf("GeometryColumn = %q, want wkb_geometry", res.Report.GeometryColumn)
	}
}

func TestIngest_SpatialUnsupportedSkipsBBox(t *testing.T) {
	rows := []memRow{
		validRow(nil, point(25, -29)),
		validRow(nil, point(37, 0)),
	}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom", rows: rows})
	f.store.spatial = false
	req := baseRequest()
	req.ClipBBox = &southAfrica

	res, err := f.engine.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RowsIngested != 2 {
		t.Errorf("RowsIngested = %d, want 2", res.RowsIngested)
	}
	if res.Report.ClipBBox != "" {
		t.Errorf("report ClipBBox = %q, want empty", res.Report.ClipBBox)
	}
}

func TestIngest_ReplaceFailure(t *testing.T) {
	rows := []memRow{validRow(nil, point(25, -29))}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom", rows: rows})
	f.store.replaceErr = syncerr.Database("insert layer features", errors.New("deadlock detected"))

	res, err := f.engine.Ingest(context.Background(), baseRequest())
	if !errors.Is(err, syncerr.ErrDatabase) {
		t.Fatalf("err = %v, want ErrDatabase", err)
	}
	if run := f.run(t, res); run.Report.ErrorKind != "database_failure" {
		t.Errorf("ErrorKind = %q", run.Report.ErrorKind)
	}
	f.assertStagingDropped(t, res.RunID.String())
}

// plainLedger hides FinishTx, so the engine finishes runs after the replace.
type plainLedger struct {
	ledger.Ledger
	finishErr error
}

func (l plainLedger) Finish(ctx context.Context, id uuid.UUID, c ledger.Completion) (ledger.Run, error) {
	if c.Status == ledger.StatusSucceeded && l.finishErr != nil {
		return ledger.Run{}, l.finishErr
	}
	return l.Ledger.Finish(ctx, id, c)
}

// failingTxLedger rejects the finish made inside the replace transaction.
type failingTxLedger struct {
	*ledger.MemoryLedger
	err error
}

func (l failingTxLedger) FinishTx(context.Context, store.DBTX, uuid.UUID, ledger.Completion) (ledger.Run, error) {
	return ledger.Run{}, l.err
}

func TestIngest_RunFinish(t *testing.T) {
	reset := errors.New("connection reset")
	tests := []struct {
		name         string
		runs         func(*ledger.MemoryLedger) ledger.Ledger
		wantErr      error
		wantInTx     bool
		wantFeatures int64
		wantStatus   ledger.Status
	}{
		{
			name:         "finished inside replace transaction",
			runs:         func(m *ledger.MemoryLedger) ledger.Ledger { return m },
			wantInTx:     true,
			wantFeatures: 2,
			wantStatus:   ledger.StatusSucceeded,
		},
		{
			name:         "in-transaction finish failure keeps prior layer",
			runs:         func(m *ledger.MemoryLedger) ledger.Ledger { return failingTxLedger{MemoryLedger: m, err: reset} },
			wantErr:      syncerr.ErrDatabase,
			wantInTx:     true,
			wantFeatures: 3,
			wantStatus:   ledger.StatusFailed,
		},
		{
			name:         "separate finish",
			runs:         func(m *ledger.MemoryLedger) ledger.Ledger { return plainLedger{Ledger: m} },
			wantFeatures: 2,
			wantStatus:   ledger.StatusSucceeded,
		},
		{
			name:         "separate finish failure after commit keeps ingest",
			runs:         func(m *ledger.MemoryLedger) ledger.Ledger { return plainLedger{Ledger: m, finishErr: reset} },
			wantFeatures: 2,
			wantStatus:   ledger.StatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := []memRow{validRow(nil, point(25, -29)), validRow(nil, point(26, -29))}
			f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom", rows: rows})
			f.store.features["admin0_zaf"] = []memFeature{{layer: "admin0_zaf"}, {layer: "admin0_zaf"}, {layer: "admin0_zaf"}}
			eng, err := NewEngine(f.store, f.conv, tt.runs(f.runs), Options{StagingSchema: "public"})
			if err != nil {
				t.Fatalf("NewEngine: %v", err)
			}

			res, err := eng.Ingest(context.Background(), baseRequest())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}

			if len(f.store.replaced) != 1 {
				t.Fatalf("ReplaceLayer calls = %d, want 1", len(f.store.replaced))
			}
			if inTx := f.store.replaced[0].Finalize != nil; inTx != tt.wantInTx {
				t.Errorf("finalized in transaction = %v, want %v", inTx, tt.wantInTx)
			}
			if n, _ := f.store.LayerFeatureCount(context.Background(), "admin0_zaf"); n != tt.wantFeatures {
				t.Errorf("layer feature count = %d, want %d", n, tt.wantFeatures)
			}

			run := f.run(t, res)
			if run.Status != tt.wantStatus {
				t.Errorf("run status = %s, want %s", run.Status, tt.wantStatus)
			}
			if run.Status == ledger.StatusSucceeded && run.RowsIngested != 2 {
				t.Errorf("run RowsIngested = %d, want 2", run.RowsIngested)
			}
			f.assertStagingDropped(t, res.RunID.String())
		})
	}
}

func TestIngest_FeatureKeys(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		ids     []string
		want    []string
	}{
		{
			name:    "unique source keys are kept trimmed",
			columns: []string{"ogc_fid", "id", "geom"},
			ids:     []string{"a", " b ", "c"},
			want:    []string{"a", "b", "c"},
		},
		{
			name:    "duplicated keys become synthetic",
			columns: []string{"ogc_fid", "id", "geom"},
			ids:     []string{"a", "a", "b"},
			want:    []string{"admin0_zaf#1", "admin0_zaf#2", "b"},
		},
		{
			name:    "missing keys become synthetic",
			columns: []string{"ogc_fid", "ID", "geom"},
			ids:     []string{"", "  ", "c"},
			want:    []string{"admin0_zaf#1", "admin0_zaf#2", "c"},
		},
		{
			name:    "source key shaped like a synthetic key",
			columns: []string{"ogc_fid", "id", "geom"},
			ids:     []string{"admin0_zaf#2", "", "x"},
			want:    []string{"admin0_zaf#1", "admin0_zaf#2", "x"},
		},
		{
			name:    "no key column",
			columns: []string{"ogc_fid", "geom"},
			ids:     []string{"a", "b"},
			want:    []string{"admin0_zaf#1", "admin0_zaf#2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyCol := firstPresent(tt.columns, keyFields)
			var rows []memRow
			for i, id := range tt.ids {
				attrs := map[string]string{}
				if keyCol != "" {
					attrs[keyCol] = id
				}
				rows = append(rows, validRow(attrs, point(20+float64(i), -30)))
			}
			f := newEngineFixture(t, memTable{columns: tt.columns, geomCol: "geom", rows: rows})

			res, err := f.engine.Ingest(context.Background(), baseRequest())
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}

			var keys []string
			distinct := make(map[string]bool)
			for _, feat := range f.store.features["admin0_zaf"] {
				keys = append(keys, feat.key)
				distinct[feat.key] = true
			}
			if !slices.Equal(keys, tt.want) {
				t.Errorf("keys = %v, want %v", keys, tt.want)
			}
			if int64(len(distinct)) != res.RowsIngested {
				t.Errorf("distinct keys = %d, RowsIngested = %d", len(distinct), res.RowsIngested)
			}
		})
	}
}

func TestIngest_ReplaceParams(t *testing.T) {
	rows := []memRow{validRow(map[string]string{"iso_a3": "ZAF"}, point(25, -29))}
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "iso_a3", "geom"}, geomCol: "geom", rows: rows})
	req := baseRequest()
	req.ClipBBox = &southAfrica
	req.CountryFilter = "ZAF"

	res, err := f.engine.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(f.store.replaced) != 1 {
		t.Fatalf("ReplaceLayer calls = %d, want 1", len(f.store.replaced))
	}
	p := f.store.replaced[0]
	if p.Layer != "admin0_zaf" || p.SourceHash != "abc123" || p.RunID != res.RunID {
		t.Errorf("params = %+v", p)
	}
	if p.Filter.BBox == nil || p.Filter.Country == nil {
		t.Errorf("filter = %+v, want bbox and country", p.Filter)
	}
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr error
	}{
		{
			name:   "layer with quote",
			mutate: func(r *Request) { r.LayerCode = `x"; DROP TABLE geo_features; --` },
		},
		{
			name:    "non-ingestible format",
			mutate:  func(r *Request) { r.Format = catalog.FormatOther },
			wantErr: syncerr.ErrUnsupportedFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, memTable{})
			req := baseRequest()
			tt.mutate(&req)

			_, err := f.engine.Ingest(context.Background(), req)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if f.conv.calls != 0 {
				t.Error("converter called for rejected request")
			}
			runs, _ := f.runs.List(context.Background(), ledger.Filter{})
			if len(runs) != 0 {
				t.Errorf("%d runs recorded for rejected request", len(runs))
			}
		})
	}
}

func TestIngest_CancelledContextStillFinishes(t *testing.T) {
	f := newEngineFixture(t, memTable{columns: []string{"ogc_fid", "geom"}, geomCol: "geom"})
	ctx, cancel := context.WithCancel(context.Background())
	f.conv.err = context.Canceled
	cancel()

	res, err := f.engine.Ingest(ctx, baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if run := f.run(t, res); run.Status != ledger.StatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
}

func TestNewEngine_InvalidSchema(t *testing.T) {
	if _, err := NewEngine(newMemStore(), nil, ledger.NewMemoryLedger(), Options{StagingSchema: "Bad-Schema"}); err == nil {
		t.Error("expected error for invalid staging schema")
	}
}

func TestDetectGeometryColumn(t *testing.T) {
	tests := []struct {
		typed   string
		columns []string
		want    string
	}{
		{"shape", []string{"geom", "shape"}, "shape"},
		{"", []string{"id", "GEOMETRY"}, "GEOMETRY"},
		{"", []string{"wkb_geometry", "geom"}, "geom"},
		{"", []string{"id", "name"}, ""},
	}
	for _, tt := range tests {
		if got := detectGeometryColumn(tt.typed, tt.columns); got != tt.want {
			t.Errorf("detectGeometryColumn(%q, %v) = %q, want %q", tt.typed, tt.columns, got, tt.want)
		}
	}
}
