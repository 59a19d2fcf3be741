// Package format resolves the real format of a fetched payload and prepares
// the path a converter should read, unwrapping gzip and pointing into zip
// archives.
package format

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gpkgMagic = []byte("SQLite format 3\x00")
	gzipMagic = []byte{0x1f, 0x8b}
)

// Detect derives a format from a filename extension. A trailing .gz is
// ignored.
func Detect(filename string) catalog.Format {
	name := strings.TrimSuffix(strings.ToLower(filename), ".gz")
	switch path.Ext(name) {
	case ".geojson", ".json":
		return catalog.FormatGeoJSON
	case ".gpkg":
		return catalog.FormatGPKG
	case ".shp":
		return catalog.FormatShapefile
	case ".zip":
		return catalog.FormatZipShapefile
	default:
		return catalog.FormatOther
	}
}

// Sniff derives a format from the first bytes of the file at p.
func Sniff(p string) catalog.Format {
	f, err := os.Open(p)
	if err != nil {
		return catalog.FormatOther
	}
	defer f.Close()

	head := make([]byte, 64)
	n, _ := io.ReadFull(f, head)
	return sniffBytes(head[:n])
}

func sniffBytes(head []byte) catalog.Format {
	switch {
	case bytes.HasPrefix(head, zipMagic):
		return catalog.FormatZipShapefile
	case bytes.HasPrefix(head, gpkgMagic):
		return catalog.FormatGPKG
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf")
	if bytes.HasPrefix(trimmed, []byte("{")) {
		return catalog.FormatGeoJSON
	}
	return catalog.FormatOther
}

// Resolve picks the effective format: the declared one unless it is other,
// then the filename extension, then the payload bytes.
func Resolve(declared catalog.Format, filename, p string) catalog.Format {
	if declared.Ingestible() {
		return declared
	}
	if f := Detect(filename); f.Ingestible() {
		return f
	}
	return Sniff(p)
}

// Prepared is a converter-ready input.
type Prepared struct {
	// Path is what the converter opens. For zipped shapefiles it is a
	// /vsizip/ path into the archive.
	Path   string
	Format catalog.Format
	// Member is the .shp entry chosen inside a zip archive.
	Member string

	temps []string
}

// Cleanup removes any temp files Prepare created.
func (p *Prepared) Cleanup() {
	for _, t := range p.temps {
		os.Remove(t)
	}
	p.temps = nil
}

// Prepare resolves the format of the payload at p and returns the path a
// converter should read.
func Prepare(ctx context.Context, p, filename string, declared catalog.Format) (*Prepared, error) {
	out := &Prepared{Path: p}

	if isGzip(p) {
		plain, err := gunzip(ctx, p)
		if err != nil {
			return nil, err
		}
		out.Path = plain
		out.temps = append(out.temps, plain)
		filename = strings.TrimSuffix(filename, filepath.Ext(filename))
	}

	out.Format = Resolve(declared, filename, out.Path)

	switch out.Format {
	case catalog.FormatZipShapefile:
		member, err := firstShapefile(out.Path)
		if err != nil {
			out.Cleanup()
			return nil, err
		}
		abs, err := filepath.Abs(out.Path)
		if err != nil {
			out.Cleanup()
			return nil, fmt.Errorf("resolve archive path: %w", err)
		}
		out.Member = member
		out.Path = "/vsizip/" + filepath.ToSlash(abs) + "/" + member
	case catalog.FormatOther:
		out.Cleanup()
		return nil, fmt.Errorf("%w: cannot determine format of %s", syncerr.ErrUnsupportedFormat, filename)
	}

	return out, nil
}

func isGzip(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 2)
	n, _ := io.ReadFull(f, head)
	return n == 2 && bytes.Equal(head, gzipMagic)
}

func gunzip(ctx context.Context, p string) (string, error) {
	in, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open gzip payload: %w", err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("%w: read gzip header: %w", syncerr.ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	out, err := os.CreateTemp(filepath.Dir(p), "geosync-*-gunzip")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: zr})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("decompress payload: %w", err)
	}
	return out.Name(), nil
}

// firstShapefile returns the alphabetically first .shp member, skipping
// macOS resource forks.
func firstShapefile(archive string) (string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", fmt.Errorf("%w: open zip archive: %w", syncerr.ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	var members []string
	for _, f := range zr.File {
		name := f.Name
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
			continue
		}
		if strings.EqualFold(path.Ext(name), ".shp") {
			members = append(members, name)
		}
	}
	if len(members) == 0 {
		return "", fmt.Errorf("%w: zip archive contains no .shp member", syncerr.ErrUnsupportedFormat)
	}
	sort.Strings(members)
	return members[0], nil
}

// ctxReader stops a long copy when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
