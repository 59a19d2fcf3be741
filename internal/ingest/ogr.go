package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// outputCap bounds captured converter output before report truncation.
const outputCap = 1 << 20

// OGRConverter shells out to ogr2ogr.
type OGRConverter struct {
	Binary  string
	Timeout time.Duration

	conninfo string
	password string
}

// NewOGRConverter builds a converter for the database at databaseURL. The
// password is passed through PGPASSWORD so it never appears in argv or in
// captured output.
func NewOGRConverter(binary, databaseURL string, timeout time.Duration) (*OGRConverter, error) {
	cfg, err := pgconn.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	parts := []string{
		"host=" + quoteConn(cfg.Host),
		"port=" + strconv.Itoa(int(cfg.Port)),
		"dbname=" + quoteConn(cfg.Database),
		"user=" + quoteConn(cfg.User),
	}
	if u, err := url.Parse(databaseURL); err == nil {
		if mode := u.Query().Get("sslmode"); mode != "" {
			parts = append(parts, "sslmode="+quoteConn(mode))
		}
	}

	if binary == "" {
		binary = "ogr2ogr"
	}
	return &OGRConverter{
		Binary:   binary,
		Timeout:  timeout,
		conninfo: "PG:" + strings.Join(parts, " "),
		password: cfg.Password,
	}, nil
}

// Available reports whether the binary can be found.
func (c *OGRConverter) Available() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

// args builds the ogr2ogr command line for req.
func (c *OGRConverter) args(req ConvertRequest) []string {
	return []string{
		"-f", "PostgreSQL",
		c.conninfo,
		req.Path,
		"-nln", req.Staging.Schema + "." + req.Staging.Name,
		"-t_srs", "EPSG:4326",
		"-nlt", "PROMOTE_TO_MULTI",
		"-lco", "GEOMETRY_NAME=geom",
		"-lco", "FID=ogc_fid",
		"-lco", "SPATIAL_INDEX=NONE",
		"-lco", "PRECISION=NO",
		"--config", "PG_USE_COPY", "YES",
		"-overwrite",
	}
}

func (c *OGRConverter) Convert(ctx context.Context, req ConvertRequest) (ConvertOutput, error) {
	if err := checkIdent("schema", req.Staging.Schema); err != nil {
		return ConvertOutput{}, err
	}
	if err := checkIdent("staging table", req.Staging.Name); err != nil {
		return ConvertOutput{}, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stdout, stderr cappedBuffer
	cmd := exec.CommandContext(ctx, c.Binary, c.args(req)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(), "PGPASSWORD="+c.password)

	err := cmd.Run()
	out := ConvertOutput{
		Converter: "ogr2ogr",
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}

	switch {
	case err == nil:
		return out, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return out, fmt.Errorf("%w: ogr2ogr timed out after %s", syncerr.ErrConversionFailure, c.Timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%w: ogr2ogr exited with code %d: %s",
				syncerr.ErrConversionFailure, exitErr.ExitCode(), lastLine(out.Stderr))
		}
		return out, fmt.Errorf("%w: run ogr2ogr: %w", syncerr.ErrConversionFailure, err)
	}
}

// quoteConn quotes a libpq keyword value.
func quoteConn(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cappedBuffer keeps the first outputCap bytes written to it and silently
// discards the rest, so a chatty subprocess cannot exhaust memory.
type cappedBuffer struct {
	buf     bytes.Buffer
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := outputCap - b.buf.Len()
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n...[%d bytes discarded]", b.dropped)
}
