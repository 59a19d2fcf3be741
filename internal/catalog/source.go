// Package catalog describes the external sources geosync pulls from and the
// per-source sync bookkeeping persisted between runs.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format is the declared payload format of a source.
type Format string

const (
	FormatGeoJSON      Format = "geojson"
	FormatGPKG         Format = "gpkg"
	FormatShapefile    Format = "shapefile"
	FormatZipShapefile Format = "zip_shapefile"
	FormatOther        Format = "other"
)

// Ingestible reports whether files of this format can be handed to a converter.
func (f Format) Ingestible() bool {
	switch f {
	case FormatGeoJSON, FormatGPKG, FormatShapefile, FormatZipShapefile:
		return true
	default:
		return false
	}
}

// ParseFormat accepts the canonical names plus common aliases. Unknown
// values map to FormatOther.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geojson", "json":
		return FormatGeoJSON
	case "gpkg", "geopackage":
		return FormatGPKG
	case "shapefile", "shp":
		return FormatShapefile
	case "zip_shapefile", "zipshapefile", "zip", "shapefile_zip":
		return FormatZipShapefile
	default:
		return FormatOther
	}
}

// Status is the outcome of the most recent sync attempt for a source.
type Status string

const (
	StatusReady   Status = "ready"
	StatusSkipped Status = "skipped"
	StatusBlocked Status = "blocked"
	StatusFailed  Status = "failed"
)

// Statuses lists every outcome in summary order.
var Statuses = []Status{StatusReady, StatusSkipped, StatusBlocked, StatusFailed}

// BBox is an axis-aligned box in EPSG:4326 degrees.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// ParseBBox parses "minx,miny,maxx,maxy".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox %q: want 4 comma-separated numbers, got %d", s, len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return BBox{}, fmt.Errorf("bbox %q: value %d is not finite", s, i+1)
		}
		v[i] = f
	}

	b := BBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	if b.MinX > b.MaxX || b.MinY > b.MaxY {
		return BBox{}, fmt.Errorf("bbox %q: min exceeds max", s)
	}
	return b, nil
}

func (b BBox) String() string {
	return strconv.FormatFloat(b.MinX, 'f', -1, 64) + "," +
		strconv.FormatFloat(b.MinY, 'f', -1, 64) + "," +
		strconv.FormatFloat(b.MaxX, 'f', -1, 64) + "," +
		strconv.FormatFloat(b.MaxY, 'f', -1, 64)
}

// WorldBBox is the full EPSG:4326 extent. A clip box outside it was almost
// certainly given in projected units.
var WorldBBox = BBox{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

// Intersects reports whether the two boxes share at least one point.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Source is one configured upstream dataset plus its sync state.
type Source struct {
	Code             string
	URLOrPath        string
	Format           Format
	LayerCode        string
	RequiresToken    bool
	TokenEnvVar      string
	ExpectedChecksum string
	ClipBBox         *BBox
	CountryFilter    string
	EnabledByDefault bool
	Description      string

	// Sync state. Written only through Store.RecordOutcome.
	LastChecksum     string
	LastStatus       Status
	LastError        string
	LastFeatureCount int64
	LastSyncAt       *time.Time
	LastAttemptAt    *time.Time
}

var (
	identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
	iso3Pattern  = regexp.MustCompile(`^[A-Za-z]{3}$`)
	envPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidIdentifier reports whether s is safe to use as a code or SQL identifier.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// Validate checks the configuration half of a source.
func (s Source) Validate() error {
	var errs []error

	if !ValidIdentifier(s.Code) {
		errs = append(errs, fmt.Errorf("code %q must match %s", s.Code, identPattern))
	}
	if !ValidIdentifier(s.LayerCode) {
		errs = append(errs, fmt.Errorf("layer_code %q must match %s", s.LayerCode, identPattern))
	}
	if strings.TrimSpace(s.URLOrPath) == "" {
		errs = append(errs, errors.New("url_or_path is required"))
	}
	if s.RequiresToken && !envPattern.MatchString(s.TokenEnvVar) {
		errs = append(errs, fmt.Errorf("token_env_var %q must be an environment variable name", s.TokenEnvVar))
	}
	if s.CountryFilter != "" && !iso3Pattern.MatchString(s.CountryFilter) {
		errs = append(errs, fmt.Errorf("country_filter %q must be an ISO3 code", s.CountryFilter))
	}
	if s.ClipBBox != nil && !s.ClipBBox.Intersects(WorldBBox) {
		errs = append(errs, fmt.Errorf("clip_bbox %s lies outside EPSG:4326 bounds", s.ClipBBox))
	}

	if len(errs) > 0 {
		return fmt.Errorf("source %q: %w", s.Code, errors.Join(errs...))
	}
	return nil
}
