// Package ingest stages geodata files into PostGIS, repairs and filters
// their geometries, and atomically replaces a layer's features.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ledger"
	"github.com/JonMunkholm/geosync/internal/logging"
	"github.com/JonMunkholm/geosync/internal/store"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// cleanupTimeout bounds the staging drop, which runs even after the
// caller's context is cancelled.
const cleanupTimeout = 30 * time.Second

// geometryFallbacks are tried when no column is geometry-typed.
var geometryFallbacks = []string{"geom", "wkb_geometry", "geometry"}

// Request is one ingestion of a local file into a layer.
type Request struct {
	LayerCode string
	// Path is converter-ready (see format.Prepare).
	Path           string
	Format         catalog.Format
	SourceCode     *string
	SourceHash     string
	SourceFilename string
	ClipBBox       *catalog.BBox
	CountryFilter  string
	TriggeredBy    string
}

// Result summarizes a finished run.
type Result struct {
	RunID         uuid.UUID
	RowsIngested  int64
	InvalidBefore int64
	InvalidAfter  int64
	Report        ledger.Report
}

// Options tune an Engine.
type Options struct {
	// StagingSchema holds the per-run staging tables.
	StagingSchema string
	// OutputLimit truncates converter output in reports.
	OutputLimit int
}

// Engine runs ingestions.
type Engine struct {
	store     Store
	converter FormatConverter
	ledger    ledger.Ledger
	opts      Options
}

// NewEngine validates opts and builds an engine.
func NewEngine(store Store, converter FormatConverter, runs ledger.Ledger, opts Options) (*Engine, error) {
	if opts.StagingSchema == "" {
		opts.StagingSchema = "public"
	}
	if err := checkIdent("staging schema", opts.StagingSchema); err != nil {
		return nil, err
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = 4000
	}
	return &Engine{store: store, converter: converter, ledger: runs, opts: opts}, nil
}

// Ingest stages req.Path and replaces the layer's features with it. The run
// is recorded in the ledger either way and the staging table is always
// dropped. Errors wrap a syncerr class and are never swallowed.
func (e *Engine) Ingest(ctx context.Context, req Request) (Result, error) {
	if err := checkIdent("layer", req.LayerCode); err != nil {
		return Result{}, err
	}
	if !req.Format.Ingestible() {
		return Result{}, fmt.Errorf("%w: %s", syncerr.ErrUnsupportedFormat, req.Format)
	}

	run, err := e.ledger.Start(ctx, ledger.Run{
		LayerCode:      req.LayerCode,
		SourceCode:     req.SourceCode,
		SourceFormat:   string(req.Format),
		SourceHash:     req.SourceHash,
		SourceFilename: req.SourceFilename,
		TriggeredBy:    req.TriggeredBy,
	})
	if err != nil {
		return Result{}, syncerr.Database("start run", err)
	}

	ctx, log := logging.WithRun(ctx, run.ID.String(), req.LayerCode)
	staging := StagingRelation(e.opts.StagingSchema, run.ID)

	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := e.store.DropStaging(dctx, staging); err != nil {
			log.Warn("staging table not dropped; reaper will retry", "table", staging.Name, "error", err)
		}
	}()

	res := Result{RunID: run.ID}
	res.Report.StagingTable = staging.Name
	if req.ClipBBox != nil {
		res.Report.ClipBBox = req.ClipBBox.String()
	}

	finalized, err := e.stageAndReplace(ctx, log, req, staging, &res)
	if err != nil {
		res.Report.Error = err.Error()
		res.Report.ErrorKind = syncerr.Kind(err)
		e.finish(ctx, log, res, ledger.StatusFailed)
		log.Error("ingestion failed", "kind", res.Report.ErrorKind, "error", err)
		return res, err
	}

	// The features are committed at this point. A ledger that cannot join
	// the replace transaction finishes separately; if that write fails the
	// run stays running until the reaper fails it, but the ingest stands.
	if !finalized {
		if err := e.finish(ctx, log, res, ledger.StatusSucceeded); err != nil {
			log.Warn("layer replaced but run not finalized; reaper will close it", "error", err)
		}
	}
	log.Info("ingestion succeeded",
		"rows", res.RowsIngested,
		"invalid_before", res.InvalidBefore,
		"invalid_after", res.InvalidAfter,
	)
	return res, nil
}

// stageAndReplace reports whether the run was finished inside the replace
// transaction.
func (e *Engine) stageAndReplace(ctx context.Context, log *slog.Logger, req Request, staging Relation, res *Result) (bool, error) {
	out, convErr := e.converter.Convert(ctx, ConvertRequest{Path: req.Path, Format: req.Format, Staging: staging})
	res.Report.Converter = out.Converter
	res.Report.Stdout = ledger.Truncate(out.Stdout, e.opts.OutputLimit)
	res.Report.Stderr = ledger.Truncate(out.Stderr, e.opts.OutputLimit)
	if convErr != nil {
		if !errors.Is(convErr, syncerr.ErrConversionFailure) && !errors.Is(convErr, syncerr.ErrUnsupportedFormat) {
			convErr = fmt.Errorf("%w: %w", syncerr.ErrConversionFailure, convErr)
		}
		return false, convErr
	}

	columns, err := e.store.Columns(ctx, staging)
	if err != nil {
		return false, err
	}
	typed, err := e.store.GeometryColumn(ctx, staging)
	if err != nil {
		return false, err
	}
	geomCol := detectGeometryColumn(typed, columns)
	if geomCol == "" {
		return false, fmt.Errorf("%w: staging table has no geometry column (columns: %s)",
			syncerr.ErrConversionFailure, strings.Join(columns, ", "))
	}
	res.Report.GeometryColumn = geomCol

	if res.Report.RowsStaged, err = e.store.CountRows(ctx, staging); err != nil {
		return false, err
	}

	if res.InvalidBefore, err = e.store.CountInvalid(ctx, staging, geomCol); err != nil {
		return false, err
	}
	res.InvalidAfter = res.InvalidBefore
	if res.InvalidBefore > 0 {
		repaired, err := e.store.RepairInvalid(ctx, staging, geomCol)
		if err != nil {
			return false, err
		}
		if res.InvalidAfter, err = e.store.CountInvalid(ctx, staging, geomCol); err != nil {
			return false, err
		}
		log.Info("geometries repaired", "invalid_before", res.InvalidBefore, "repaired", repaired, "invalid_after", res.InvalidAfter)
	}
	if res.InvalidAfter > 0 {
		return false, syncerr.GeometryRepair(res.InvalidAfter)
	}

	filter := Filter{}
	if req.ClipBBox != nil {
		spatial, err := e.store.SupportsSpatial(ctx)
		if err != nil {
			return false, err
		}
		if spatial {
			filter.BBox = req.ClipBBox
		} else {
			res.Report.ClipBBox = ""
			log.Warn("spatial predicates unavailable; clip bbox not applied", "bbox", req.ClipBBox.String())
		}
	}
	match, countryReport := ResolveCountry(req.CountryFilter, columns)
	filter.Country = match
	res.Report.CountryFilter = countryReport
	if countryReport != nil && !countryReport.Applied {
		log.Warn("no country field in staged data; country filter not applied", "country", countryReport.Requested)
	}

	if filter.Empty() {
		log.Debug("no filter; keeping all staged rows")
	}

	params := ReplaceParams{
		Layer:      req.LayerCode,
		Staging:    staging,
		GeomColumn: geomCol,
		Columns:    columns,
		Filter:     filter,
		RunID:      res.RunID,
		SourceHash: req.SourceHash,
	}
	txl, inTx := e.ledger.(ledger.TxFinisher)
	if inTx {
		params.Finalize = func(ctx context.Context, tx store.DBTX, rows int64) error {
			done := *res
			done.RowsIngested = rows
			_, err := txl.FinishTx(ctx, tx, res.RunID, completion(done, ledger.StatusSucceeded))
			return err
		}
	}

	res.RowsIngested, err = e.store.ReplaceLayer(ctx, params)
	if err != nil {
		return false, err
	}
	return inTx, nil
}

// finish records the terminal state. It uses a detached context so a
// cancelled caller still leaves a finished run behind.
func (e *Engine) finish(ctx context.Context, log *slog.Logger, res Result, status ledger.Status) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := e.ledger.Finish(dctx, res.RunID, completion(res, status))
	if err != nil {
		log.Error("failed to finalize run", "status", status, "error", err)
	}
	return err
}

func completion(res Result, status ledger.Status) ledger.Completion {
	return ledger.Completion{
		Status:        status,
		RowsIngested:  res.RowsIngested,
		InvalidBefore: res.InvalidBefore,
		InvalidAfter:  res.InvalidAfter,
		Report:        res.Report,
	}
}

// detectGeometryColumn prefers the typed column, then conventional names.
func detectGeometryColumn(typed string, columns []string) string {
	if typed != "" {
		return typed
	}
	byLower := make(map[string]string, len(columns))
	for _, c := range columns {
		byLower[strings.ToLower(c)] = c
	}
	for _, name := range geometryFallbacks {
		if actual, ok := byLower[name]; ok {
			return actual
		}
	}
	return ""
}
