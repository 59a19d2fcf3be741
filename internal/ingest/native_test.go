package ingest

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/JonMunkholm/geosync/internal/syncerr"
)

func TestPropertyColumns(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	a := geojson.NewFeature(orb.Point{1, 2})
	a.Properties["Name"] = "a"
	a.Properties["geom"] = "shadow"
	b := geojson.NewFeature(orb.Point{3, 4})
	b.Properties["name"] = "b"
	b.Properties["POP 2020"] = 12.0
	fc.Append(a)
	fc.Append(b)

	keys, columns := propertyColumns(fc)

	wantKeys := []string{"Name", "POP 2020", "geom", "name"}
	wantCols := []string{"name", "pop_2020", "geom_1", "name_1"}
	if len(keys) != len(wantKeys) {
		t.Fatalf("keys = %v, want %v", keys, wantKeys)
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], wantKeys[i])
		}
		if columns[i] != wantCols[i] {
			t.Errorf("columns[%d] = %q, want %q", i, columns[i], wantCols[i])
		}
	}
}

func TestPropertyText(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"x", "x"},
		{true, "true"},
		{3.0, "3"},
		{2.5, "2.5"},
		{map[string]any{"a": 1}, `{"a":1}`},
	}
	for _, tt := range tests {
		if got := propertyText(tt.in); got != tt.want {
			t.Errorf("propertyText(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGeometryText(t *testing.T) {
	if got := geometryText(&geojson.Feature{}); got != nil {
		t.Errorf("nil geometry = %v, want nil", got)
	}
	got, ok := geometryText(geojson.NewFeature(orb.Point{1, 2})).(string)
	if !ok || got != `{"type":"Point","coordinates":[1,2]}` {
		t.Errorf("point = %v", got)
	}
}

func TestDecodeFeatureCollection(t *testing.T) {
	doc := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"name":"a"},"geometry":{"type":"Point","coordinates":[1,2]}}]}`
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{"plain", doc, 1, false},
		{"utf-8 bom", "\xef\xbb\xbf" + doc, 1, false},
		{"not json", "PK\x03\x04", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, err := decodeFeatureCollection([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, syncerr.ErrConversionFailure) {
					t.Fatalf("err = %v, want ErrConversionFailure", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(fc.Features) != tt.want {
				t.Errorf("features = %d, want %d", len(fc.Features), tt.want)
			}
		})
	}
}
