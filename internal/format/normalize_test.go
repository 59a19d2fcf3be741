package format

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

func writeZip(t *testing.T, members ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, m := range members {
		w, err := zw.Create(m)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("data"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return p
}

func TestDetect(t *testing.T) {
	tests := []struct {
		in   string
		want catalog.Format
	}{
		{"a.geojson", catalog.FormatGeoJSON},
		{"A.JSON", catalog.FormatGeoJSON},
		{"a.geojson.gz", catalog.FormatGeoJSON},
		{"wards.gpkg", catalog.FormatGPKG},
		{"roads.shp", catalog.FormatShapefile},
		{"ne_10m.zip", catalog.FormatZipShapefile},
		{"data.csv", catalog.FormatOther},
		{"noext", catalog.FormatOther},
	}
	for _, tt := range tests {
		if got := Detect(tt.in); got != tt.want {
			t.Errorf("Detect(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSniffBytes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want catalog.Format
	}{
		{"zip", "PK\x03\x04rest", catalog.FormatZipShapefile},
		{"gpkg", "SQLite format 3\x00...", catalog.FormatGPKG},
		{"geojson", "\n  {\"type\":", catalog.FormatGeoJSON},
		{"bom geojson", "\xef\xbb\xbf{}", catalog.FormatGeoJSON},
		{"csv", "a,b,c", catalog.FormatOther},
		{"empty", "", catalog.FormatOther},
	}
	for _, tt := range tests {
		if got := sniffBytes([]byte(tt.in)); got != tt.want {
			t.Errorf("%s: sniffBytes = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestResolve_DeclaredWins(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x")
	os.WriteFile(p, []byte("{}"), 0o644)

	if got := Resolve(catalog.FormatGPKG, "x.geojson", p); got != catalog.FormatGPKG {
		t.Errorf("declared format should win, got %q", got)
	}
	if got := Resolve(catalog.FormatOther, "x.shp", p); got != catalog.FormatShapefile {
		t.Errorf("extension should win over sniffing, got %q", got)
	}
	if got := Resolve(catalog.FormatOther, "download", p); got != catalog.FormatGeoJSON {
		t.Errorf("sniffing fallback, got %q", got)
	}
}

func TestPrepare_ZipShapefile(t *testing.T) {
	archive := writeZip(t, "__MACOSX/._roads.shp", "docs/readme.txt", "data/roads.shp", "data/roads.dbf", "data/areas.SHP")

	got, err := Prepare(context.Background(), archive, "archive.zip", catalog.FormatZipShapefile)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	defer got.Cleanup()

	if got.Member != "data/areas.SHP" {
		t.Errorf("Member = %q, want data/areas.SHP", got.Member)
	}
	if !strings.HasPrefix(got.Path, "/vsizip/") || !strings.HasSuffix(got.Path, "archive.zip/data/areas.SHP") {
		t.Errorf("Path = %q", got.Path)
	}
}

func TestPrepare_ZipWithoutShapefile(t *testing.T) {
	archive := writeZip(t, "readme.txt")

	_, err := Prepare(context.Background(), archive, "archive.zip", catalog.FormatZipShapefile)
	if !errors.Is(err, syncerr.ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestPrepare_Gzip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "layer.geojson.gz")
	f, _ := os.Create(p)
	zw := gzip.NewWriter(f)
	zw.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	zw.Close()
	f.Close()

	got, err := Prepare(context.Background(), p, "layer.geojson.gz", catalog.FormatOther)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if got.Format != catalog.FormatGeoJSON {
		t.Errorf("Format = %q", got.Format)
	}
	data, err := os.ReadFile(got.Path)
	if err != nil || !strings.HasPrefix(string(data), `{"type"`) {
		t.Errorf("decompressed payload = %q, %v", data, err)
	}

	got.Cleanup()
	if _, err := os.Stat(got.Path); !os.IsNotExist(err) {
		t.Error("Cleanup should remove the decompressed file")
	}
}

func TestPrepare_Unsupported(t *testing.T) {
	p := filepath.Join(t.TempDir(), "data.csv")
	os.WriteFile(p, []byte("a,b\n1,2\n"), 0o644)

	_, err := Prepare(context.Background(), p, "data.csv", catalog.FormatOther)
	if !errors.Is(err, syncerr.ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
	}
}
