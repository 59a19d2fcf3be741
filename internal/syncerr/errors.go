// Package syncerr defines the error classes shared by the fetch, ingest and
// orchestration layers.
//
// Every failure produced by the pipeline wraps exactly one of the sentinels
// below with fmt.Errorf("...: %w"), so callers classify with errors.Is and
// the run report keeps the full message chain.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenMissing means a token-gated source has no secret configured.
	ErrTokenMissing = errors.New("token missing")

	// ErrChecksumMismatch means the downloaded bytes differ from the
	// configured expected checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedFormat means the payload cannot be handed to a converter.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrConversionFailure means the format converter exited non-zero or timed out.
	ErrConversionFailure = errors.New("conversion failed")

	// ErrGeometryRepair means invalid geometries remained after repair.
	ErrGeometryRepair = errors.New("geometry repair failed")

	// ErrDatabase covers failures while filtering or replacing layer features.
	ErrDatabase = errors.New("database failure")

	// ErrFetch covers transport failures (HTTP status, network, I/O).
	ErrFetch = errors.New("fetch failed")
)

// Kind names the error class of err, or "unknown" when it wraps none of the
// sentinels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTokenMissing):
		return "token_missing"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrConversionFailure):
		return "conversion_failure"
	case errors.Is(err, ErrGeometryRepair):
		return "geometry_repair_failure"
	case errors.Is(err, ErrDatabase):
		return "database_failure"
	case errors.Is(err, ErrFetch):
		return "fetch_failure"
	default:
		return "unknown"
	}
}

// Database wraps err as an ErrDatabase failure for the named step.
func Database(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrDatabase, step, err)
}

// GeometryRepair reports how many geometries stayed invalid.
func GeometryRepair(remaining int64) error {
	return fmt.Errorf("%w: %d geometries still invalid after repair", ErrGeometryRepair, remaining)
}
