package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// sourceFile is the on-disk shape of SOURCES_FILE.
//
//	sources:
//	  - code: za_wards
//	    url: https://example.org/wards.gpkg
//	    format: gpkg
//	    layer: za_wards
//	    clip_bbox: "16.3,-35,33,-22"
//	    country: ZAF
type sourceFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	Code             string `yaml:"code"`
	URL              string `yaml:"url"`
	Format           string `yaml:"format"`
	Layer            string `yaml:"layer"`
	RequiresToken    bool   `yaml:"requires_token"`
	TokenEnvVar      string `yaml:"token_env_var"`
	ExpectedChecksum string `yaml:"expected_checksum"`
	ClipBBox         string `yaml:"clip_bbox"`
	Country          string `yaml:"country"`
	Enabled          *bool  `yaml:"enabled"`
	Description      string `yaml:"description"`
}

// LoadFile reads and validates a YAML sources file.
func LoadFile(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML source definitions. Unknown keys are rejected so typos
// surface at startup.
func Parse(data []byte) ([]Source, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file sourceFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	seen := make(map[string]bool, len(file.Sources))
	out := make([]Source, 0, len(file.Sources))
	var errs []error

	for _, e := range file.Sources {
		src, err := e.toSource()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[src.Code] {
			errs = append(errs, fmt.Errorf("source %q: duplicate code", src.Code))
			continue
		}
		seen[src.Code] = true
		out = append(out, src)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (e sourceEntry) toSource() (Source, error) {
	src := Source{
		Code:             e.Code,
		URLOrPath:        e.URL,
		Format:           ParseFormat(e.Format),
		LayerCode:        e.Layer,
		RequiresToken:    e.RequiresToken,
		TokenEnvVar:      e.TokenEnvVar,
		ExpectedChecksum: e.ExpectedChecksum,
		CountryFilter:    e.Country,
		EnabledByDefault: e.Enabled == nil || *e.Enabled,
		Description:      e.Description,
	}
	if src.LayerCode == "" {
		src.LayerCode = src.Code
	}
	if e.ClipBBox != "" {
		b, err := ParseBBox(e.ClipBBox)
		if err != nil {
			return Source{}, fmt.Errorf("source %q: %w", e.Code, err)
		}
		src.ClipBBox = &b
	}
	if err := src.Validate(); err != nil {
		return Source{}, err
	}
	return src, nil
}
