package catalog

import (
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"GeoJSON", FormatGeoJSON},
		{"gpkg", FormatGPKG},
		{"SHP", FormatShapefile},
		{"ZipShapefile", FormatZipShapefile},
		{"zip", FormatZipShapefile},
		{"csv", FormatOther},
		{"", FormatOther},
	}
	for _, tt := range tests {
		if got := ParseFormat(tt.in); got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormat_Ingestible(t *testing.T) {
	for _, f := range []Format{FormatGeoJSON, FormatGPKG, FormatShapefile, FormatZipShapefile} {
		if !f.Ingestible() {
			t.Errorf("%s should be ingestible", f)
		}
	}
	if FormatOther.Ingestible() {
		t.Error("other should not be ingestible")
	}
}

func TestParseBBox(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    BBox
		wantErr bool
	}{
		{"valid", "16.3,-35,33,-22", BBox{16.3, -35, 33, -22}, false},
		{"spaces", " 0, 0 ,1, 1", BBox{0, 0, 1, 1}, false},
		{"too few", "1,2,3", BBox{}, true},
		{"not a number", "a,2,3,4", BBox{}, true},
		{"inverted", "5,0,1,1", BBox{}, true},
		{"infinite", "0,0,Inf,1", BBox{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBBox(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBBox(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBBox(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBBox_StringRoundTrip(t *testing.T) {
	b := BBox{16.3, -35, 33, -22}
	if b.String() != "16.3,-35,33,-22" {
		t.Fatalf("String() = %q", b.String())
	}
	back, err := ParseBBox(b.String())
	if err != nil || back != b {
		t.Errorf("ParseBBox(String()) = %+v, %v", back, err)
	}
}

func TestBBox_Intersects(t *testing.T) {
	box := BBox{0, 0, 10, 10}
	tests := []struct {
		name  string
		other BBox
		want  bool
	}{
		{"inside", BBox{2, 2, 3, 3}, true},
		{"overlapping", BBox{9, 9, 12, 12}, true},
		{"touching edge", BBox{10, 0, 11, 1}, true},
		{"disjoint", BBox{11, 11, 12, 12}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := box.Intersects(tt.other); got != tt.want {
				t.Errorf("Intersects = %v, want %v", got, tt.want)
			}
			if got := tt.other.Intersects(box); got != tt.want {
				t.Errorf("reversed Intersects = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSource_Validate(t *testing.T) {
	valid := Source{Code: "za_wards", URLOrPath: "/data/wards.gpkg", Format: FormatGPKG, LayerCode: "za_wards"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid source: %v", err)
	}
	clipped := valid
	clipped.ClipBBox = &BBox{MinX: 16, MinY: -35, MaxX: 33, MaxY: -22}
	if err := clipped.Validate(); err != nil {
		t.Fatalf("clipped source: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Source)
		want   string
	}{
		{"bad code", func(s *Source) { s.Code = "Wards; DROP" }, "code"},
		{"bad layer", func(s *Source) { s.LayerCode = "1layer" }, "layer_code"},
		{"no url", func(s *Source) { s.URLOrPath = " " }, "url_or_path"},
		{"token without var", func(s *Source) { s.RequiresToken = true }, "token_env_var"},
		{"bad country", func(s *Source) { s.CountryFilter = "ZA" }, "country_filter"},
		{"projected clip box", func(s *Source) {
			s.ClipBBox = &BBox{MinX: 1800000, MinY: -4100000, MaxX: 3700000, MaxY: -2500000}
		}, "clip_bbox"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %s", err, tt.want)
			}
		})
	}
}

func TestDefaults_AreValid(t *testing.T) {
	seen := make(map[string]bool)
	var optional int
	for _, s := range Defaults() {
		if err := s.Validate(); err != nil {
			t.Errorf("default %s: %v", s.Code, err)
		}
		if seen[s.Code] {
			t.Errorf("duplicate default code %s", s.Code)
		}
		seen[s.Code] = true
		if !s.EnabledByDefault {
			optional++
			if !s.RequiresToken {
				t.Errorf("optional default %s should be token-gated", s.Code)
			}
		}
	}
	if optional == 0 {
		t.Error("expected at least one optional token-gated default")
	}
}
