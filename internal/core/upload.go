package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ingest"
	"github.com/JonMunkholm/geosync/internal/logging"
)

// UploadRequest is an ad-hoc file ingested straight into a layer, outside
// the source catalog.
type UploadRequest struct {
	LayerCode string
	Filename  string
	Body      io.Reader
	// Format overrides detection from the filename and content.
	Format        catalog.Format
	ClipBBox      *catalog.BBox
	CountryFilter string
	TriggeredBy   string
}

// ErrInvalidUpload marks requests rejected before any work starts.
var ErrInvalidUpload = errors.New("invalid upload")

// IngestUpload spools the body, prepares it and runs one ingestion. The run
// carries no source code and no catalog row is touched.
func (s *Service) IngestUpload(ctx context.Context, req UploadRequest) (ingest.Result, error) {
	if !catalog.ValidIdentifier(req.LayerCode) {
		return ingest.Result{}, fmt.Errorf("%w: layer code %q", ErrInvalidUpload, req.LayerCode)
	}
	name := filepath.Base(strings.TrimSpace(req.Filename))
	if name == "" || name == "." || name == "/" {
		return ingest.Result{}, fmt.Errorf("%w: no file provided", ErrInvalidUpload)
	}
	if req.ClipBBox != nil && !req.ClipBBox.Intersects(catalog.WorldBBox) {
		return ingest.Result{}, fmt.Errorf("%w: clip_bbox %s lies outside EPSG:4326 bounds", ErrInvalidUpload, req.ClipBBox)
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = ActorFromContext(ctx)
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return ingest.Result{}, err
	}
	defer s.limiter.Release()

	fetched, err := s.fetcher.FromReader(req.Body, name)
	if err != nil {
		return ingest.Result{}, err
	}
	defer fetched.Cleanup()
	if fetched.Size == 0 {
		return ingest.Result{}, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}

	log := logging.WithFields(ctx, "layer", req.LayerCode, "filename", fetched.Filename)
	log.Info("upload received", "bytes", fetched.Size, "checksum", fetched.Checksum, "arcgis", fetched.ConvertedFromArcGIS)

	res, err := s.ingestFile(ctx, ingestInput{
		layer:       req.LayerCode,
		path:        fetched.Path,
		filename:    fetched.Filename,
		declared:    req.Format,
		checksum:    fetched.Checksum,
		clipBBox:    req.ClipBBox,
		country:     req.CountryFilter,
		triggeredBy: req.TriggeredBy,
		noWait:      true,
	})

	e := AuditEvent{
		Action:      ActionLayerUpload,
		LayerCode:   req.LayerCode,
		Status:      "succeeded",
		Message:     fmt.Sprintf("uploaded %s: %d features", fetched.Filename, res.RowsIngested),
		TriggeredBy: req.TriggeredBy,
	}
	if res.RunID != uuid.Nil {
		id := res.RunID
		e.RunID = &id
	}
	if err != nil {
		e.Status = "failed"
		e.Message = fmt.Sprintf("upload %s failed: %v", fetched.Filename, err)
	}
	s.emitAudit(ctx, log, e)

	return res, err
}
