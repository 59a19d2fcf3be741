package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/config"
	"github.com/JonMunkholm/geosync/internal/core"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    flags
		wantErr bool
	}{
		{"defaults", nil, flags{}, false},
		{"one-shot", []string{"-sources", "a,b", "-force", "-include-optional"}, flags{sources: "a,b", force: true, includeOptional: true}, false},
		{"dry run", []string{"-dry-run"}, flags{dryRun: true}, false},
		{"serve", []string{"-serve"}, flags{serve: true}, false},
		{"migrate", []string{"-migrate"}, flags{migrateOnly: true}, false},
		{"serve with force", []string{"-serve", "-force"}, flags{}, true},
		{"unknown flag", []string{"-everything"}, flags{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("flags = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPrintReport(t *testing.T) {
	r := &core.SyncReport{
		Outcomes: []core.SourceOutcome{
			{Code: "ne_admin0", LayerCode: "admin0_zaf", Status: catalog.StatusReady, Message: "ingested 1 features", RowsIngested: 1, Duration: "2s"},
			{Code: "conflict_events", LayerCode: "conflict_events", Status: catalog.StatusBlocked, Message: "token missing"},
		},
		Summary: map[catalog.Status]int{
			catalog.StatusReady:   1,
			catalog.StatusBlocked: 1,
		},
		Duration: 2 * time.Second,
		DryRun:   true,
	}

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()

	for _, want := range []string{"SOURCE", "ne_admin0", "conflict_events", "ready=1 skipped=0 blocked=1 failed=0", "(dry run)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

type listOnlySources struct {
	sources  []catalog.Source
	err      error
	recorded int
}

func (l *listOnlySources) List(context.Context) ([]catalog.Source, error) {
	return l.sources, l.err
}

func (l *listOnlySources) RecordOutcome(context.Context, string, catalog.SyncState) error {
	l.recorded++
	return nil
}

func TestDryRunSources(t *testing.T) {
	stored := catalog.Source{Code: "ne_admin0", LayerCode: "admin0_zaf", LastChecksum: "abc"}
	override := catalog.Source{Code: "ne_admin0", LayerCode: "admin0_all"}
	extra := catalog.Source{Code: "za_wards", LayerCode: "za_wards"}

	tests := []struct {
		name       string
		stored     *listOnlySources
		entries    []catalog.Source
		wantLayers []string
		wantErr    bool
	}{
		{
			name:       "configured entries override stored",
			stored:     &listOnlySources{sources: []catalog.Source{stored}},
			entries:    []catalog.Source{override, extra},
			wantLayers: []string{"admin0_all", "za_wards"},
		},
		{
			name:       "stored catalog only",
			stored:     &listOnlySources{sources: []catalog.Source{stored}},
			wantLayers: []string{"admin0_zaf"},
		},
		{
			name:       "unreadable store falls back to entries",
			stored:     &listOnlySources{err: errors.New(`relation "geo_sources" does not exist`)},
			entries:    []catalog.Source{extra},
			wantLayers: []string{"za_wards"},
		},
		{
			name:    "unreadable store without entries",
			stored:  &listOnlySources{err: errors.New("connection refused")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dryRunSources{stored: tt.stored, entries: tt.entries}
			got, err := d.List(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("List err = %v, wantErr %v", err, tt.wantErr)
			}
			var layers []string
			for _, s := range got {
				layers = append(layers, s.LayerCode)
			}
			if strings.Join(layers, ",") != strings.Join(tt.wantLayers, ",") {
				t.Errorf("layers = %v, want %v", layers, tt.wantLayers)
			}

			if err := d.RecordOutcome(context.Background(), "ne_admin0", catalog.SyncState{Status: catalog.StatusReady}); err != nil {
				t.Errorf("RecordOutcome: %v", err)
			}
			if tt.stored.recorded != 0 {
				t.Error("dry run wrote to the stored catalog")
			}
		})
	}
}

func TestCatalogEntries(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sources.yaml")
	yaml := "sources:\n  - code: za_wards\n    url: /data/wards.gpkg\n    format: gpkg\n    layer: za_wards\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     config.CatalogConfig
		want    int
		wantErr bool
	}{
		{"nothing configured", config.CatalogConfig{}, 0, false},
		{"defaults", config.CatalogConfig{Bootstrap: true}, len(catalog.Defaults()), false},
		{"file only", config.CatalogConfig{SourcesFile: file}, 1, false},
		{"defaults plus file", config.CatalogConfig{Bootstrap: true, SourcesFile: file}, len(catalog.Defaults()) + 1, false},
		{"missing file", config.CatalogConfig{SourcesFile: filepath.Join(t.TempDir(), "nope.yaml")}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := catalogEntries(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("entries = %d, want %d", len(got), tt.want)
			}
		})
	}
}
