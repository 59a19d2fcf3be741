// Command geosync synchronizes the spatial source catalog into PostGIS.
//
// One-shot (default): sync the selected sources, print a summary and exit
// non-zero when any source failed.
//
//	geosync -sources ne_admin0,za_provinces -force
//	geosync -dry-run -include-optional
//
// Server: with -serve, run the HTTP API, the reaper and the optional
// scheduled sync until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/config"
	"github.com/JonMunkholm/geosync/internal/core"
	"github.com/JonMunkholm/geosync/internal/fetch"
	"github.com/JonMunkholm/geosync/internal/ingest"
	"github.com/JonMunkholm/geosync/internal/ledger"
	"github.com/JonMunkholm/geosync/internal/logging"
	"github.com/JonMunkholm/geosync/internal/metrics"
	"github.com/JonMunkholm/geosync/internal/store"
	"github.com/JonMunkholm/geosync/internal/web"
)

type flags struct {
	sources         string
	includeOptional bool
	force           bool
	dryRun          bool
	serve           bool
	migrateOnly     bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("geosync", flag.ContinueOnError)
	fs.StringVar(&f.sources, "sources", "", "comma-separated source codes (default: all enabled by default)")
	fs.BoolVar(&f.includeOptional, "include-optional", false, "also sync sources not enabled by default")
	fs.BoolVar(&f.force, "force", false, "re-ingest unchanged sources and never reuse a previous snapshot")
	fs.BoolVar(&f.dryRun, "dry-run", false, "validate configuration without fetching or writing")
	fs.BoolVar(&f.serve, "serve", false, "run the HTTP API and background jobs")
	fs.BoolVar(&f.migrateOnly, "migrate", false, "apply the schema and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.serve && (f.sources != "" || f.force || f.dryRun) {
		return f, errors.New("-serve cannot be combined with -sources, -force or -dry-run")
	}
	return f, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	// Overload lets a local .env win over the inherited environment.
	if err := godotenv.Overload(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		return 1
	}
	defer pool.Close()

	// A dry run never writes: no migration and no catalog bootstrap.
	if (cfg.Database.Migrate && !f.dryRun) || f.migrateOnly {
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("migration failed", "error", err)
			return 1
		}
		slog.Info("schema applied")
	}
	if f.migrateOnly {
		return 0
	}

	entries, err := catalogEntries(cfg.Catalog)
	if err != nil {
		slog.Error("catalog configuration invalid", "error", err)
		return 1
	}

	stored := catalog.NewStore(pool)
	var sources core.SourceStore = stored
	if f.dryRun {
		sources = dryRunSources{stored: stored, entries: entries}
	} else if err := bootstrapCatalog(ctx, entries, cfg.Catalog.SourcesFile, stored); err != nil {
		slog.Error("catalog bootstrap failed", "error", err)
		return 1
	}

	app, err := wire(cfg, pool, sources)
	if err != nil {
		slog.Error("failed to build service", "error", err)
		return 1
	}

	if f.serve {
		return serve(ctx, cfg, pool, app)
	}
	return syncOnce(ctx, app.service, f, os.Stdout)
}

// catalogEntries returns the built-in sources and the optional sources
// file; file entries override defaults with the same code.
func catalogEntries(cfg config.CatalogConfig) ([]catalog.Source, error) {
	var entries []catalog.Source
	if cfg.Bootstrap {
		entries = catalog.Defaults()
	}
	if cfg.SourcesFile != "" {
		fromFile, err := catalog.LoadFile(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		entries = catalog.Merge(entries, fromFile)
	}
	return entries, nil
}

// bootstrapCatalog upserts the configured entries.
func bootstrapCatalog(ctx context.Context, entries []catalog.Source, file string, st *catalog.Store) error {
	if len(entries) == 0 {
		return nil
	}
	if err := st.Bootstrap(ctx, entries); err != nil {
		return err
	}
	slog.Info("catalog bootstrapped", "sources", len(entries), "file", file)
	return nil
}

// dryRunSources overlays the configured entries on the stored catalog
// without writing either. When the stored catalog cannot be read, for
// example before the first migration, the configured entries stand alone.
type dryRunSources struct {
	stored  core.SourceStore
	entries []catalog.Source
}

func (d dryRunSources) List(ctx context.Context) ([]catalog.Source, error) {
	stored, err := d.stored.List(ctx)
	if err != nil {
		if len(d.entries) == 0 {
			return nil, err
		}
		slog.Warn("stored catalog unavailable; dry run uses configured sources only", "error", err)
		return d.entries, nil
	}
	return catalog.Merge(stored, d.entries), nil
}

func (dryRunSources) RecordOutcome(context.Context, string, catalog.SyncState) error {
	return nil
}

type application struct {
	service *core.Service
	metrics *metrics.Metrics
	audit   *core.PostgresAuditSink
}

func wire(cfg *config.Config, pool *pgxpool.Pool, sources core.SourceStore) (*application, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	ogr, err := ingest.NewOGRConverter(cfg.Convert.OGR2OGRPath, cfg.Database.URL, cfg.Convert.Timeout)
	if err != nil {
		return nil, err
	}
	if !ogr.Available() {
		slog.Warn("ogr2ogr not found; only GeoJSON can be ingested", "binary", cfg.Convert.OGR2OGRPath, "mode", cfg.Convert.Mode)
	}
	router := &ingest.FormatRouter{
		Mode:   cfg.Convert.Mode,
		OGR:    ogr,
		Native: ingest.NewNativeGeoJSONConverter(pool),
	}

	postgis := ingest.NewPostGISStore(pool)
	runs := ledger.NewPostgresLedger(pool)
	engine, err := ingest.NewEngine(postgis, router, runs, ingest.Options{
		StagingSchema: cfg.Ingest.StagingSchema,
		OutputLimit:   cfg.Ingest.ReportOutputLimit,
	})
	if err != nil {
		return nil, err
	}

	audit := core.NewPostgresAuditSink(pool)
	svc, err := core.NewService(core.Deps{
		Sources:       sources,
		Fetcher:       fetch.New(cfg.Fetch, fetch.EnvSecrets{}, nil),
		Ingester:      engine,
		Layers:        postgis,
		Runs:          runs,
		Staging:       postgis,
		StagingSchema: cfg.Ingest.StagingSchema,
		Audit:         audit,
		Metrics:       m,
		Limiter:       core.NewSyncLimiter(cfg.Sync.MaxConcurrent, cfg.Sync.MaxWaitTime),
	})
	if err != nil {
		return nil, err
	}
	return &application{service: svc, metrics: m, audit: audit}, nil
}

func syncOnce(ctx context.Context, svc *core.Service, f flags, out io.Writer) int {
	var codes []string
	if f.sources != "" {
		codes = strings.Split(f.sources, ",")
	}
	ctx = core.ContextWithActor(ctx, "cli")

	report, err := svc.SyncSources(ctx, core.SyncRequest{
		Codes:           codes,
		IncludeOptional: f.includeOptional,
		Force:           f.force,
		DryRun:          f.dryRun,
		TriggeredBy:     "cli",
	})
	if report != nil {
		printReport(out, report)
	}
	if err != nil {
		slog.Error("sync aborted", "error", err, "hint", core.FormatUserError(err))
		return 1
	}
	if report.Failed() {
		return 1
	}
	return 0
}

func printReport(out io.Writer, r *core.SyncReport) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tLAYER\tSTATUS\tROWS\tDURATION\tMESSAGE")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", o.Code, o.LayerCode, o.Status, o.RowsIngested, o.Duration, o.Message)
	}
	tw.Flush()

	var parts []string
	for _, s := range catalog.Statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, r.Summary[s]))
	}
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "\n%s in %s%s\n", strings.Join(parts, " "), r.Duration.Round(time.Millisecond), mode)
}

func serve(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, app *application) int {
	opts := web.Options{
		Audit:         app.audit,
		Health:        pool.Ping,
		Security:      cfg.Security,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		ReadTimeout:   cfg.Server.ReadTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
	}
	if app.metrics != nil {
		opts.Metrics = app.metrics.Handler()
	}
	server := web.NewServer(app.service, opts)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	go app.service.StartScheduler(jobCtx, core.SchedulerConfig{
		ReapInterval:   cfg.Reaper.Interval,
		StaleRunAge:    cfg.Reaper.StaleRunAge,
		SyncInterval:   cfg.Sync.Interval,
		AuditRetention: cfg.Reaper.AuditRetention,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Addr()) }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if status := app.service.Limiter().Status(); status.Active > 0 {
		slog.Info("waiting for syncs to complete", "active", status.Active)
		if err := app.service.Limiter().WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("syncs did not complete in time", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}
