package fetch

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// arcgisDocument is the subset of an ArcGIS REST query response we read.
type arcgisDocument struct {
	SpatialReference *arcgisSR       `json:"spatialReference"`
	Features         []arcgisFeature `json:"features"`
}

type arcgisSR struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

type arcgisFeature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type arcgisGeometry struct {
	Rings [][][]json.Number `json:"rings"`
	Paths [][][]json.Number `json:"paths"`
	X     *json.Number      `json:"x"`
	Y     *json.Number      `json:"y"`
}

// decodeArcGIS streams the top-level object. The first feature decides:
// it must carry attributes and geometry but no properties. Any feature with
// properties rejects the document, and decoding stops there, so a large
// GeoJSON payload is never held in memory just to be rejected.
func decodeArcGIS(dec *json.Decoder) (*arcgisDocument, bool) {
	if !expectDelim(dec, '{') {
		return nil, false
	}
	doc := &arcgisDocument{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		switch tok {
		case "spatialReference":
			if err := dec.Decode(&doc.SpatialReference); err != nil {
				return nil, false
			}
		case "features":
			if !decodeArcGISFeatures(dec, doc) {
				return nil, false
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, false
			}
		}
	}
	if !expectDelim(dec, '}') {
		return nil, false
	}
	return doc, len(doc.Features) > 0
}

func decodeArcGISFeatures(dec *json.Decoder, doc *arcgisDocument) bool {
	if !expectDelim(dec, '[') {
		return false
	}
	for first := true; dec.More(); first = false {
		var f arcgisFeature
		if err := dec.Decode(&f); err != nil {
			return false
		}
		if len(f.Properties) > 0 {
			return false
		}
		if first && (f.Attributes == nil || len(f.Geometry) == 0) {
			return false
		}
		doc.Features = append(doc.Features, f)
	}
	return expectDelim(dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	d, ok := tok.(json.Delim)
	return ok && d == want
}

// webMercator reports whether the layer is in EPSG:3857 or one of its
// legacy ESRI aliases.
func (sr *arcgisSR) webMercator() bool {
	if sr == nil {
		return false
	}
	for _, id := range []int{sr.WKID, sr.LatestWKID} {
		switch id {
		case 3857, 102100, 102113, 900913:
			return true
		}
	}
	return false
}

// ConvertArcGIS reads r and, when it holds an ArcGIS feature set, returns
// the equivalent GeoJSON FeatureCollection. ok is false for anything else,
// including plain GeoJSON.
//
// Malformed rings and paths are dropped and features left without a
// geometry are omitted; neither is an error.
func ConvertArcGIS(r io.Reader) (fc *geojson.FeatureCollection, ok bool) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	// Anything else, malformed JSON included, is left to the converter.
	doc, ok := decodeArcGIS(dec)
	if !ok {
		return nil, false
	}

	fc = geojson.NewFeatureCollection()
	for _, af := range doc.Features {
		geom := parseArcGISGeometry(af.Geometry)
		if geom == nil {
			continue
		}
		if doc.SpatialReference.webMercator() {
			geom = project.Geometry(geom, project.Mercator.ToWGS84)
		}

		f := geojson.NewFeature(geom)
		for k, v := range af.Attributes {
			f.Properties[k] = normalizeNumber(v)
		}
		fc.Append(f)
	}
	return fc, true
}

func parseArcGISGeometry(raw json.RawMessage) orb.Geometry {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var g arcgisGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		// Unknown geometry shapes are skipped like malformed rings.
		return nil
	}

	switch {
	case len(g.Rings) > 0:
		var poly orb.Polygon
		for _, ring := range g.Rings {
			pts := parsePairs(ring)
			if len(pts) < 4 {
				continue
			}
			poly = append(poly, orb.Ring(pts))
		}
		if len(poly) == 0 {
			return nil
		}
		return poly

	case len(g.Paths) > 0:
		var mls orb.MultiLineString
		for _, p := range g.Paths {
			pts := parsePairs(p)
			if len(pts) < 2 {
				continue
			}
			mls = append(mls, orb.LineString(pts))
		}
		if len(mls) == 0 {
			return nil
		}
		return mls

	case g.X != nil && g.Y != nil:
		x, xerr := g.X.Float64()
		y, yerr := g.Y.Float64()
		if xerr != nil || yerr != nil {
			return nil
		}
		return orb.Point{x, y}
	}

	return nil
}

// parsePairs keeps coordinates with at least two numeric ordinates; Z and M
// values are discarded.
func parsePairs(coords [][]json.Number) []orb.Point {
	pts := make([]orb.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		x, xerr := c[0].Float64()
		y, yerr := c[1].Float64()
		if xerr != nil || yerr != nil {
			continue
		}
		pts = append(pts, orb.Point{x, y})
	}
	return pts
}

// normalizeNumber turns json.Number attributes back into int64 or float64 so
// they encode as JSON numbers with their original precision.
func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// writeFeatureCollection encodes fc to w.
func writeFeatureCollection(w io.Writer, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	_, err = w.Write(data)
	return err
}
