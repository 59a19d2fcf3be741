package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Merge returns base with every override replacing the entry of the same
// code; overrides with new codes are appended.
func Merge(base, overrides []Source) []Source {
	idx := make(map[string]int, len(base))
	out := make([]Source, len(base))
	copy(out, base)
	for i, s := range out {
		idx[s.Code] = i
	}
	for _, o := range overrides {
		if i, ok := idx[o.Code]; ok {
			out[i] = o
			continue
		}
		idx[o.Code] = len(out)
		out = append(out, o)
	}
	return out
}

// Selector picks which sources one sync invocation processes.
type Selector struct {
	// Codes, when non-empty, names the sources explicitly.
	Codes []string

	// IncludeOptional adds sources not enabled by default
	// (typically token-gated feeds).
	IncludeOptional bool
}

// Select applies sel to all. Unknown codes are an error. The result is
// sorted by code so sequential processing order is deterministic.
func Select(all []Source, sel Selector) ([]Source, error) {
	var out []Source

	if len(sel.Codes) > 0 {
		byCode := make(map[string]Source, len(all))
		for _, s := range all {
			byCode[s.Code] = s
		}
		var unknown []string
		seen := make(map[string]bool)
		for _, code := range sel.Codes {
			code = strings.TrimSpace(code)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			s, ok := byCode[code]
			if !ok {
				unknown = append(unknown, code)
				continue
			}
			out = append(out, s)
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("unknown source code(s): %s", strings.Join(unknown, ", "))
		}
	} else {
		for _, s := range all {
			if s.EnabledByDefault || sel.IncludeOptional {
				out = append(out, s)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
