// Package fetch retrieves source payloads to local temp files while hashing
// them, and converts ArcGIS feature sets to GeoJSON on the way.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/config"
	"github.com/JonMunkholm/geosync/internal/logging"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// errorBodyLimit caps how much of a failed response body is quoted.
const errorBodyLimit = 512

// Fetched is a payload materialized on local disk.
type Fetched struct {
	Path     string
	Filename string
	// Checksum is the hex SHA-256 of the bytes as downloaded.
	Checksum            string
	Size                int64
	ConvertedFromArcGIS bool

	temps []string
}

// Cleanup removes the temp files backing f.
func (f *Fetched) Cleanup() {
	if f == nil {
		return
	}
	for _, p := range f.temps {
		os.Remove(p)
	}
	f.temps = nil
}

// Fetcher downloads sources.
type Fetcher struct {
	cfg     config.FetchConfig
	secrets SecretResolver
	client  *http.Client
}

// New creates a Fetcher. A nil client gets one bounded by cfg.Timeout.
func New(cfg config.FetchConfig, secrets SecretResolver, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if secrets == nil {
		secrets = EnvSecrets{}
	}
	if cfg.TokenParam == "" {
		cfg.TokenParam = "token"
	}
	return &Fetcher{cfg: cfg, secrets: secrets, client: client}
}

// Secrets returns the resolver used for token-gated sources.
func (f *Fetcher) Secrets() SecretResolver {
	return f.secrets
}

// Fetch materializes src locally. The caller owns the result and must call
// Cleanup.
func (f *Fetcher) Fetch(ctx context.Context, src catalog.Source) (*Fetched, error) {
	var token string
	if src.RequiresToken {
		tok, ok := f.secrets.Lookup(src.TokenEnvVar)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not set", syncerr.ErrTokenMissing, src.TokenEnvVar)
		}
		token = tok
	}

	body, name, err := f.open(ctx, src.URLOrPath, token)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if name == "" {
		name = defaultFilename(src)
	}

	out, err := f.spool(body, name)
	if err != nil {
		return nil, err
	}

	if src.ExpectedChecksum != "" && !checksumEqual(src.ExpectedChecksum, out.Checksum) {
		out.Cleanup()
		return nil, fmt.Errorf("%w: expected %s, got %s",
			syncerr.ErrChecksumMismatch, src.ExpectedChecksum, out.Checksum)
	}

	if err := f.maybeConvertArcGIS(out, src.Format); err != nil {
		out.Cleanup()
		return nil, err
	}

	logging.FromContext(ctx).Debug("source fetched",
		"source", src.Code,
		"filename", out.Filename,
		"bytes", out.Size,
		"checksum", out.Checksum,
		"arcgis", out.ConvertedFromArcGIS,
	)
	return out, nil
}

// FromReader spools an already-open payload (an upload) through the same
// hashing and ArcGIS handling as Fetch.
func (f *Fetcher) FromReader(r io.Reader, filename string) (*Fetched, error) {
	out, err := f.spool(r, filepath.Base(filename))
	if err != nil {
		return nil, err
	}
	if err := f.maybeConvertArcGIS(out, catalog.FormatOther); err != nil {
		out.Cleanup()
		return nil, err
	}
	return out, nil
}

// open returns a reader for loc and the filename it suggests.
func (f *Fetcher) open(ctx context.Context, loc, token string) (io.ReadCloser, string, error) {
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return f.openHTTP(ctx, loc, token)
	case isBucketURL(loc):
		rc, name, err := openBucketObject(ctx, loc)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", syncerr.ErrFetch, err)
		}
		return rc, name, nil
	default:
		file, err := os.Open(loc)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", syncerr.ErrFetch, err)
		}
		return file, filepath.Base(loc), nil
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, loc, token string) (io.ReadCloser, string, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse url: %w", syncerr.ErrFetch, err)
	}
	if token != "" {
		q := u.Query()
		q.Set(f.cfg.TokenParam, token)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %w", syncerr.ErrFetch, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: GET %s: %s", syncerr.ErrFetch, redact(loc), redactErr(err, token))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: GET %s: status %d: %s",
			syncerr.ErrFetch, redact(loc), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return resp.Body, responseFilename(resp, u), nil
}

// spool streams r into a temp file, hashing as it goes.
func (f *Fetcher) spool(r io.Reader, name string) (*Fetched, error) {
	tmp, err := os.CreateTemp(f.cfg.TempDir, "geosync-*-"+safeName(name))
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %w", syncerr.ErrFetch, err)
	}
	out := &Fetched{Path: tmp.Name(), Filename: name, temps: []string{tmp.Name()}}

	h := sha256.New()
	src := r
	if f.cfg.MaxBytes > 0 {
		src = io.LimitReader(r, f.cfg.MaxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		out.Cleanup()
		return nil, fmt.Errorf("%w: write %s: %w", syncerr.ErrFetch, name, err)
	}
	if f.cfg.MaxBytes > 0 && n > f.cfg.MaxBytes {
		out.Cleanup()
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", syncerr.ErrFetch, name, f.cfg.MaxBytes)
	}

	out.Size = n
	out.Checksum = hex.EncodeToString(h.Sum(nil))
	return out, nil
}

// maybeConvertArcGIS rewrites a JSON payload holding an ArcGIS feature set
// as GeoJSON. The checksum keeps describing the downloaded bytes.
func (f *Fetcher) maybeConvertArcGIS(out *Fetched, declared catalog.Format) error {
	ext := strings.ToLower(path.Ext(out.Filename))
	if declared != catalog.FormatGeoJSON && ext != ".json" && ext != ".geojson" {
		return nil
	}

	in, err := os.Open(out.Path)
	if err != nil {
		return fmt.Errorf("%w: reopen payload: %w", syncerr.ErrFetch, err)
	}
	fc, ok := ConvertArcGIS(in)
	in.Close()
	if !ok {
		return nil
	}

	conv, err := os.CreateTemp(f.cfg.TempDir, "geosync-*-arcgis.geojson")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", syncerr.ErrFetch, err)
	}
	out.temps = append(out.temps, conv.Name())

	werr := writeFeatureCollection(conv, fc)
	if cerr := conv.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("%w: write converted arcgis payload: %w", syncerr.ErrFetch, werr)
	}

	out.Path = conv.Name()
	out.Filename = strings.TrimSuffix(out.Filename, path.Ext(out.Filename)) + ".geojson"
	out.ConvertedFromArcGIS = true
	return nil
}

// responseFilename prefers Content-Disposition, then the URL path.
func responseFilename(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(strings.ReplaceAll(params["filename"], `\`, "/")); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
		return base
	}
	return ""
}

func defaultFilename(src catalog.Source) string {
	switch src.Format {
	case catalog.FormatGeoJSON:
		return src.Code + ".geojson"
	case catalog.FormatGPKG:
		return src.Code + ".gpkg"
	case catalog.FormatShapefile:
		return src.Code + ".shp"
	case catalog.FormatZipShapefile:
		return src.Code + ".zip"
	default:
		return src.Code + ".bin"
	}
}

// safeName keeps a filename usable as a temp file suffix.
func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 80 {
		s = s[len(s)-80:]
	}
	return s
}

func checksumEqual(expected, actual string) bool {
	expected = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(expected)), "sha256:")
	return expected == strings.ToLower(actual)
}

// redact strips the query string so tokens never reach logs or run reports.
func redact(loc string) string {
	u, err := url.Parse(loc)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func redactErr(err error, token string) string {
	msg := err.Error()
	var uerr *url.Error
	if errors.As(err, &uerr) {
		msg = uerr.Err.Error()
	}
	if token != "" {
		msg = strings.ReplaceAll(msg, token, "***")
	}
	return msg
}
