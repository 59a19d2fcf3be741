// Package templates renders the HTML status pages served by the web package.
package templates

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/ledger"
)

// DashboardData is everything the status page shows.
type DashboardData struct {
	Sources     []catalog.Source
	Runs        []ledger.Run
	ActiveSyncs int
	MaxSyncs    int
	GeneratedAt time.Time
}

const pageHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>geosync</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#1f2937}
table{border-collapse:collapse;width:100%;margin-bottom:2rem}
th,td{border-bottom:1px solid #e5e7eb;padding:.4rem .6rem;text-align:left;font-size:.9rem}
th{background:#f9fafb}
.ready,.succeeded{color:#047857}.skipped{color:#6b7280}.blocked{color:#b45309}.failed{color:#b91c1c}.running{color:#1d4ed8}
.alert{border:1px solid #fca5a5;background:#fef2f2;padding:.8rem;border-radius:4px}
</style>
</head>
<body>
`

const pageFoot = "</body>\n</html>\n"

// Dashboard renders the source catalog and recent runs.
func Dashboard(d DashboardData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(pageHead)
		fmt.Fprintf(&b, "<h1>geosync</h1>\n<p>Syncs running: %d of %d. Generated %s.</p>\n",
			d.ActiveSyncs, d.MaxSyncs, esc(d.GeneratedAt.UTC().Format(time.RFC3339)))

		b.WriteString("<h2>Sources</h2>\n<table>\n<tr><th>Code</th><th>Layer</th><th>Format</th><th>Status</th><th>Features</th><th>Last sync</th><th>Last error</th></tr>\n")
		for _, s := range d.Sources {
			status := string(s.LastStatus)
			if status == "" {
				status = "never synced"
			}
			fmt.Fprintf(&b, "<tr><td>%s%s</td><td>%s</td><td>%s</td><td class=\"%s\">%s</td><td>%d</td><td>%s</td><td>%s</td></tr>\n",
				esc(s.Code), optionalMark(s), esc(s.LayerCode), esc(string(s.Format)),
				esc(string(s.LastStatus)), esc(status), s.LastFeatureCount,
				esc(formatTime(s.LastSyncAt)), esc(s.LastError))
		}
		b.WriteString("</table>\n")

		b.WriteString("<h2>Recent runs</h2>\n")
		if len(d.Runs) == 0 {
			b.WriteString("<p>No runs recorded.</p>\n")
		} else {
			b.WriteString("<table>\n<tr><th>Run</th><th>Layer</th><th>Source</th><th>Status</th><th>Rows</th><th>Invalid (before/after)</th><th>Started</th></tr>\n")
			for _, r := range d.Runs {
				source := "upload"
				if r.SourceCode != nil {
					source = *r.SourceCode
				}
				fmt.Fprintf(&b, "<tr><td><a href=\"/api/runs/%s\">%s</a></td><td>%s</td><td>%s</td><td class=\"%s\">%s</td><td>%d</td><td>%d / %d</td><td>%s</td></tr>\n",
					esc(r.ID.String()), esc(shortID(r.ID.String())), esc(r.LayerCode), esc(source),
					esc(string(r.Status)), esc(string(r.Status)), r.RowsIngested,
					r.InvalidBefore, r.InvalidAfter, esc(formatTime(&r.StartedAt)))
			}
			b.WriteString("</table>\n")
		}

		b.WriteString(pageFoot)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

// ErrorAlert renders an error box with its support code.
func ErrorAlert(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, "<div class=\"alert\" role=\"alert\"><strong>%s</strong> <span>%s</span> <code>%s</code></div>\n",
			esc(message), esc(action), esc(code))
		return err
	})
}

func esc(s string) string {
	return templ.EscapeString(s)
}

func optionalMark(s catalog.Source) string {
	if s.EnabledByDefault {
		return ""
	}
	return " <small>(optional)</small>"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05Z")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
