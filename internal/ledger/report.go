package ledger

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Report is the diagnostic blob stored with every finished run.
type Report struct {
	Converter      string         `json:"converter,omitempty"`
	Stdout         string         `json:"stdout,omitempty"`
	Stderr         string         `json:"stderr,omitempty"`
	StagingTable   string         `json:"staging_table,omitempty"`
	GeometryColumn string         `json:"geometry_column,omitempty"`
	ClipBBox       string         `json:"clip_bbox,omitempty"`
	CountryFilter  *CountryFilter `json:"country_filter,omitempty"`
	RowsStaged     int64          `json:"rows_staged,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
}

// CountryFilter records how a country filter was resolved.
type CountryFilter struct {
	Requested string   `json:"requested"`
	Aliases   []string `json:"aliases"`
	// Fields are the candidate columns found in the staged data, in
	// priority order.
	Fields []string `json:"fields"`
	// Applied is false when none of the candidate fields existed and the
	// filter was skipped.
	Applied bool `json:"applied"`
}

// Truncate shortens s to at most limit bytes on a rune boundary and appends
// a marker naming how much was cut. NUL bytes are removed since jsonb
// rejects them.
func Truncate(s string, limit int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n...[truncated %d bytes]", len(s)-cut)
}
