package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	data := []byte(`
sources:
  - code: za_wards
    url: /data/wards.gpkg
    format: GPKG
    clip_bbox: "16.3,-35,33,-22"
    country: ZAF
  - code: feed
    url: https://example.org/feed.json
    format: geojson
    layer: events
    requires_token: true
    token_env_var: FEED_TOKEN
    enabled: false
`)
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sources, want 2", len(got))
	}

	wards := got[0]
	if wards.LayerCode != "za_wards" {
		t.Errorf("layer should default to code, got %q", wards.LayerCode)
	}
	if wards.Format != FormatGPKG {
		t.Errorf("format = %q, want gpkg", wards.Format)
	}
	if wards.ClipBBox == nil || wards.ClipBBox.MinX != 16.3 {
		t.Errorf("clip bbox = %+v", wards.ClipBBox)
	}
	if !wards.EnabledByDefault {
		t.Error("enabled should default to true")
	}

	feed := got[1]
	if feed.EnabledByDefault || !feed.RequiresToken || feed.TokenEnvVar != "FEED_TOKEN" {
		t.Errorf("feed = %+v", feed)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"duplicate", "sources:\n  - {code: a, url: x}\n  - {code: a, url: y}\n", "duplicate"},
		{"bad bbox", "sources:\n  - {code: a, url: x, clip_bbox: '1,2'}\n", "bbox"},
		{"unknown key", "sources:\n  - {code: a, url: x, colour: red}\n", "colour"},
		{"invalid source", "sources:\n  - {code: a}\n", "url_or_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte("sources:\n  - {code: a, url: /tmp/a.geojson}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(got) != 1 || got[0].Format != FormatOther {
		t.Errorf("got %+v", got)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
