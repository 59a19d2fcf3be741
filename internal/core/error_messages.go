package core

// error_messages.go maps pipeline errors to operator-facing messages with a
// short code for support reference. Codes are grouped by category:
//
//	TOK001  Token missing          set the named environment variable
//	CHK001  Checksum mismatch      verify the source or update expected_checksum
//	FMT001  Unsupported format     register a file-based distribution instead
//	CNV001  Conversion failed      inspect the run report converter output
//	GEO001  Geometry repair failed inspect invalid features in the source
//	DB001   Database failure       check database connectivity and PostGIS
//	NET001  Fetch failed           check the source URL and network access
//	SYN001  Sync busy              wait for the running sync to finish
//	SYN002  Layer busy             wait for the layer's running ingestion
//	SRC001  Unknown source         check the source code against the catalog
//	RUN001  Run not found          check the run id
//	UPL001  Invalid upload         check the layer code and file
//	CTX001  Request cancelled
//	CTX002  Request timed out
//	ERR000  Unknown error          check the application log
//
// Classified errors are matched with errors.Is first. Unwrapped errors from
// lower layers fall back to case-insensitive substring patterns; the first
// match wins, so specific patterns come before general ones.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ledger"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorClass struct {
	target error
	msg    UserMessage
}

var errorClasses = []errorClass{
	{syncerr.ErrTokenMissing, UserMessage{
		Message: "The source requires an access token that is not configured",
		Action:  "Set the token environment variable named in the source and retry",
		Code:    "TOK001",
	}},
	{syncerr.ErrChecksumMismatch, UserMessage{
		Message: "The downloaded file does not match the expected checksum",
		Action:  "Verify the source or update its expected checksum",
		Code:    "CHK001",
	}},
	{syncerr.ErrUnsupportedFormat, UserMessage{
		Message: "The source format cannot be ingested",
		Action:  "Point the source at a GeoJSON, GeoPackage or shapefile distribution",
		Code:    "FMT001",
	}},
	{syncerr.ErrConversionFailure, UserMessage{
		Message: "The file could not be converted into features",
		Action:  "Inspect the converter output in the run report",
		Code:    "CNV001",
	}},
	{syncerr.ErrGeometryRepair, UserMessage{
		Message: "Some geometries stayed invalid after repair",
		Action:  "Inspect the invalid features in the source data",
		Code:    "GEO001",
	}},
	{syncerr.ErrDatabase, UserMessage{
		Message: "A database operation failed",
		Action:  "Check database connectivity and that PostGIS is installed",
		Code:    "DB001",
	}},
	{syncerr.ErrFetch, UserMessage{
		Message: "The source could not be downloaded",
		Action:  "Check the source URL and network access",
		Code:    "NET001",
	}},
	{ErrTooManySyncs, UserMessage{
		Message: "Another sync is already running",
		Action:  "Wait for it to finish and try again",
		Code:    "SYN001",
	}},
	{ErrLayerBusy, UserMessage{
		Message: "The layer is being ingested by another run",
		Action:  "Wait for that run to finish and upload again",
		Code:    "SYN002",
	}},
	{catalog.ErrNotFound, UserMessage{
		Message: "Source not found",
		Action:  "Check the source code against the catalog",
		Code:    "SRC001",
	}},
	{ledger.ErrRunNotFound, UserMessage{
		Message: "Ingestion run not found",
		Action:  "Check the run id",
		Code:    "RUN001",
	}},
	{ErrInvalidUpload, UserMessage{
		Message: "The upload request is invalid",
		Action:  "Provide a valid layer code and a non-empty file",
		Code:    "UPL001",
	}},
	{context.Canceled, UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "CTX001",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Request timed out",
		Action:  "Try again later or raise the timeout",
		Code:    "CTX002",
	}},
}

type errorPattern struct {
	pattern string
	code    string
}

// errorPatterns catch errors that reach the surface without a sentinel.
var errorPatterns = []errorPattern{
	{"unknown source", "SRC001"},
	{"connection refused", "DB001"},
	{"connection reset", "DB001"},
	{"deadlock", "DB001"},
	{"context canceled", "CTX001"},
	{"context deadline exceeded", "CTX002"},
	{"timeout", "CTX002"},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the application log",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return messageForCode(ep.code)
		}
	}
	return defaultMessage
}

func messageForCode(code string) UserMessage {
	for _, c := range errorClasses {
		if c.msg.Code == code {
			return c.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something other than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
