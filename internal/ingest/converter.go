package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// ConvertRequest asks a converter to load one file into a staging table.
// The staging table must end up with SRID 4326 multi geometries in a column
// named geom.
type ConvertRequest struct {
	Path    string
	Format  catalog.Format
	Staging Relation
}

// ConvertOutput is what a converter reports back.
type ConvertOutput struct {
	Converter string
	Stdout    string
	Stderr    string
}

// FormatConverter stages a geodata file into PostGIS.
type FormatConverter interface {
	Convert(ctx context.Context, req ConvertRequest) (ConvertOutput, error)
}

// Convert modes.
const (
	ModeOGR    = "ogr2ogr"
	ModeNative = "native"
	ModeAuto   = "auto"
)

// FormatRouter dispatches per format and CONVERT_MODE:
//
//	ogr2ogr  every format through ogr2ogr
//	native   GeoJSON in-process, anything else rejected
//	auto     ogr2ogr when installed, otherwise native for GeoJSON
type FormatRouter struct {
	Mode   string
	OGR    *OGRConverter
	Native FormatConverter
}

func (r *FormatRouter) Convert(ctx context.Context, req ConvertRequest) (ConvertOutput, error) {
	conv, err := r.pick(req.Format)
	if err != nil {
		return ConvertOutput{}, err
	}
	return conv.Convert(ctx, req)
}

func (r *FormatRouter) pick(f catalog.Format) (FormatConverter, error) {
	if !f.Ingestible() {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnsupportedFormat, f)
	}

	switch strings.ToLower(r.Mode) {
	case ModeOGR:
		if r.OGR != nil {
			return r.OGR, nil
		}
	case ModeNative:
		if f == catalog.FormatGeoJSON && r.Native != nil {
			return r.Native, nil
		}
		return nil, fmt.Errorf("%w: native converter reads GeoJSON only, got %s", syncerr.ErrUnsupportedFormat, f)
	default:
		if r.OGR != nil && r.OGR.Available() {
			return r.OGR, nil
		}
		if f == catalog.FormatGeoJSON && r.Native != nil {
			return r.Native, nil
		}
	}
	return nil, fmt.Errorf("%w: no converter available for %s in %s mode", syncerr.ErrUnsupportedFormat, f, r.Mode)
}
