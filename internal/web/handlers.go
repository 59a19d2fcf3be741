package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/core"
	"github.com/JonMunkholm/geosync/internal/ledger"
	"github.com/JonMunkholm/geosync/internal/web/templates"
)

const (
	healthTimeout    = 3 * time.Second
	dashboardRuns    = 20
	multipartMemory  = 32 << 20
	maxSyncBodyBytes = 64 << 10
)

// sourceView is the API shape of a catalog entry.
type sourceView struct {
	Code             string     `json:"code"`
	URLOrPath        string     `json:"url_or_path"`
	Format           string     `json:"format"`
	LayerCode        string     `json:"layer_code"`
	RequiresToken    bool       `json:"requires_token"`
	TokenEnvVar      string     `json:"token_env_var,omitempty"`
	ExpectedChecksum string     `json:"expected_checksum,omitempty"`
	ClipBBox         string     `json:"clip_bbox,omitempty"`
	CountryFilter    string     `json:"country_filter,omitempty"`
	EnabledByDefault bool       `json:"enabled_by_default"`
	Description      string     `json:"description,omitempty"`
	LastChecksum     string     `json:"last_checksum,omitempty"`
	LastStatus       string     `json:"last_status,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastFeatureCount int64      `json:"last_feature_count"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
}

func newSourceView(s catalog.Source) sourceView {
	v := sourceView{
		Code:             s.Code,
		URLOrPath:        s.URLOrPath,
		Format:           string(s.Format),
		LayerCode:        s.LayerCode,
		RequiresToken:    s.RequiresToken,
		TokenEnvVar:      s.TokenEnvVar,
		ExpectedChecksum: s.ExpectedChecksum,
		CountryFilter:    s.CountryFilter,
		EnabledByDefault: s.EnabledByDefault,
		Description:      s.Description,
		LastChecksum:     s.LastChecksum,
		LastStatus:       string(s.LastStatus),
		LastError:        s.LastError,
		LastFeatureCount: s.LastFeatureCount,
		LastSyncAt:       s.LastSyncAt,
		LastAttemptAt:    s.LastAttemptAt,
	}
	if s.ClipBBox != nil {
		v.ClipBBox = s.ClipBBox.String()
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.service.ListSources(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		views = append(views, newSourceView(src))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": views})
}

// syncBody is the POST /api/sync request. An empty body syncs every source
// enabled by default.
type syncBody struct {
	Sources         []string `json:"sources"`
	IncludeOptional bool     `json:"include_optional"`
	Force           bool     `json:"force"`
	DryRun          bool     `json:"dry_run"`
}

// handleSync runs a sync synchronously and returns the report. Per-source
// failures are part of a 200 response; only invocation errors map to an
// error status.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSyncBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid sync request: "+err.Error())
		return
	}

	// Query parameters mirror the CLI flags for curl-friendly triggers.
	q := r.URL.Query()
	if v := q.Get("sources"); v != "" {
		body.Sources = append(body.Sources, strings.Split(v, ",")...)
	}
	body.IncludeOptional = body.IncludeOptional || queryBool(q.Get("include_optional"))
	body.Force = body.Force || queryBool(q.Get("force"))
	body.DryRun = body.DryRun || queryBool(q.Get("dry_run"))

	report, err := s.service.SyncSources(r.Context(), core.SyncRequest{
		Codes:           body.Sources,
		IncludeOptional: body.IncludeOptional,
		Force:           body.Force,
		DryRun:          body.DryRun,
		TriggeredBy:     core.ActorFromContext(r.Context()),
	})
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Limiter().Status())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.service.Runs()
	if runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []ledger.Run{}})
		return
	}

	q := r.URL.Query()
	f := ledger.Filter{
		LayerCode:  q.Get("layer"),
		SourceCode: q.Get("source"),
		Status:     ledger.Status(q.Get("status")),
		Limit:      parseIntParam(r, "limit", ledger.DefaultListLimit),
	}
	switch f.Status {
	case "", ledger.StatusRunning, ledger.StatusSucceeded, ledger.StatusFailed:
	default:
		badRequest(w, fmt.Sprintf("unknown run status %q", f.Status))
		return
	}

	list, err := runs.List(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	if list == nil {
		list = []ledger.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		badRequest(w, "run id must be a UUID")
		return
	}
	runs := s.service.Runs()
	if runs == nil {
		s.respondError(w, r, ledger.ErrRunNotFound, http.StatusNotFound)
		return
	}

	run, err := runs.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleUpload ingests a multipart "file" into the layer named in the path.
// Optional form fields: format, clip_bbox, country.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	layer := chi.URLParam(r, "layerCode")

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		badRequest(w, "file too large or invalid form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: no file provided", core.ErrInvalidUpload), http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := core.UploadRequest{
		LayerCode:     layer,
		Filename:      header.Filename,
		Body:          file,
		CountryFilter: strings.TrimSpace(r.FormValue("country")),
		TriggeredBy:   core.ActorFromContext(r.Context()),
	}
	if v := strings.TrimSpace(r.FormValue("format")); v != "" {
		f := catalog.ParseFormat(v)
		if f == catalog.FormatOther {
			badRequest(w, fmt.Sprintf("unknown format %q", v))
			return
		}
		req.Format = f
	}
	if v := strings.TrimSpace(r.FormValue("clip_bbox")); v != "" {
		bbox, err := catalog.ParseBBox(v)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		req.ClipBBox = &bbox
	}

	res, err := s.service.IngestUpload(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":                  res.RunID,
		"layer_code":              layer,
		"rows_ingested":           res.RowsIngested,
		"invalid_geom_before_fix": res.InvalidBefore,
		"invalid_geom_after_fix":  res.InvalidAfter,
		"report":                  res.Report,
	})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.opts.Audit.List(r.Context(), core.AuditFilter{
		SourceCode: q.Get("source"),
		LayerCode:  q.Get("layer"),
		Action:     core.AuditAction(q.Get("action")),
		Limit:      parseIntParam(r, "limit", core.DefaultAuditLimit),
	})
	if err != nil {
		s.respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	if events == nil {
		events = []core.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sources, err := s.service.ListSources(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}

	status := s.service.Limiter().Status()
	data := templates.DashboardData{
		Sources:     sources,
		ActiveSyncs: status.Active,
		MaxSyncs:    status.MaxConcurrent,
		GeneratedAt: time.Now(),
	}
	if runs := s.service.Runs(); runs != nil {
		data.Runs, err = runs.List(r.Context(), ledger.Filter{Limit: dashboardRuns})
		if err != nil {
			s.respondError(w, r, err, http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.Dashboard(data).Render(r.Context(), w); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
	}
}

// parseIntParam parses a positive integer query parameter.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
