package ingest

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ledger"
)

// countryAliases maps ISO3 codes to every value upstream datasets use for
// the same country. Matching is case-insensitive.
var countryAliases = map[string][]string{
	"ZAF": {"ZAF", "ZA", "SOUTH AFRICA", "REPUBLIC OF SOUTH AFRICA"},
	"BWA": {"BWA", "BW", "BOTSWANA", "REPUBLIC OF BOTSWANA"},
	"NAM": {"NAM", "NA", "NAMIBIA", "REPUBLIC OF NAMIBIA"},
	"ZWE": {"ZWE", "ZW", "ZIMBABWE", "REPUBLIC OF ZIMBABWE"},
	"MOZ": {"MOZ", "MZ", "MOZAMBIQUE", "REPUBLIC OF MOZAMBIQUE"},
	"LSO": {"LSO", "LS", "LESOTHO", "KINGDOM OF LESOTHO"},
	"SWZ": {"SWZ", "SZ", "ESWATINI", "SWAZILAND", "KINGDOM OF ESWATINI"},
	"KEN": {"KEN", "KE", "KENYA", "REPUBLIC OF KENYA"},
}

// countryFields are the attribute names checked for a country value, in
// priority order. The first non-empty one wins per row.
var countryFields = []string{
	"adm0_a3", "iso_a3", "iso3", "gid_0", "country_code",
	"country", "name_en", "admin", "sovereignt", "name_0",
}

// CountryAliases returns the values matching iso3. Unknown codes match
// only themselves.
func CountryAliases(iso3 string) []string {
	code := strings.ToUpper(strings.TrimSpace(iso3))
	if aliases, ok := countryAliases[code]; ok {
		out := make([]string, len(aliases))
		copy(out, aliases)
		return out
	}
	return []string{code}
}

// CountryMatch is a resolved country predicate.
type CountryMatch struct {
	Aliases []string
	// Fields are actual staging column names in priority order.
	Fields []string
}

// ResolveCountry picks the candidate fields present in columns. The match
// is nil when the filter is unset or no candidate column exists; the report
// says which.
func ResolveCountry(iso3 string, columns []string) (*CountryMatch, *ledger.CountryFilter) {
	if strings.TrimSpace(iso3) == "" {
		return nil, nil
	}

	byLower := make(map[string]string, len(columns))
	for _, c := range columns {
		byLower[strings.ToLower(c)] = c
	}

	var fields []string
	for _, cand := range countryFields {
		if actual, ok := byLower[cand]; ok {
			fields = append(fields, actual)
		}
	}

	aliases := CountryAliases(iso3)
	report := &ledger.CountryFilter{
		Requested: strings.ToUpper(strings.TrimSpace(iso3)),
		Aliases:   aliases,
		Fields:    fields,
		Applied:   len(fields) > 0,
	}
	if len(fields) == 0 {
		return nil, report
	}
	return &CountryMatch{Aliases: aliases, Fields: fields}, report
}

// Filter is the predicate conjunction applied while copying staged rows.
type Filter struct {
	// BBox keeps rows whose geometry intersects the box.
	BBox    *catalog.BBox
	Country *CountryMatch
}

// Empty reports whether the filter keeps every row. A country match with no
// fields to read cannot reject anything.
func (f Filter) Empty() bool {
	return f.BBox == nil && (f.Country == nil || len(f.Country.Fields) == 0)
}

// whereClause renders f against rows aliased as alias. Placeholders start
// at $firstArg.
func (f Filter) whereClause(alias, geomCol string, firstArg int) (string, []any) {
	if f.Empty() {
		return "TRUE", nil
	}

	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", firstArg+len(args)-1)
	}

	if f.BBox != nil {
		conds = append(conds, fmt.Sprintf(
			"ST_Intersects(%s, ST_MakeEnvelope(%s, %s, %s, %s, 4326))",
			col(alias, geomCol),
			next(f.BBox.MinX), next(f.BBox.MinY), next(f.BBox.MaxX), next(f.BBox.MaxY),
		))
	}

	if f.Country != nil && len(f.Country.Fields) > 0 {
		parts := make([]string, len(f.Country.Fields))
		for i, field := range f.Country.Fields {
			parts[i] = fmt.Sprintf("NULLIF(TRIM(%s::text), '')", col(alias, field))
		}
		conds = append(conds, fmt.Sprintf("UPPER(COALESCE(%s)) = ANY(%s::text[])",
			strings.Join(parts, ", "), next(f.Country.Aliases)))
	}

	return strings.Join(conds, " AND "), args
}
