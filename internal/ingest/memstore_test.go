package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JonMunkholm/geosync/internal/catalog"
	"github.com/JonMunkholm/geosync/internal/syncerr"
)

// memRow is a staged row. A nil geom stands for a NULL geometry.
type memRow struct {
	attrs      map[string]string
	geom       *catalog.BBox
	valid      bool
	repairable bool
}

type memTable struct {
	columns []string
	geomCol string
	rows    []memRow
}

type memFeature struct {
	layer string
	key   string
	attrs map[string]string
	runID string
}

// memStore is an in-memory Store that evaluates filters the way the SQL
// does: bbox by intersection, country by first non-empty candidate field.
type memStore struct {
	mu       sync.Mutex
	tables   map[string]*memTable
	features map[string][]memFeature
	dropped  []string
	spatial  bool

	replaceErr error
	replaced   []ReplaceParams
}

func newMemStore() *memStore {
	return &memStore{
		tables:   make(map[string]*memTable),
		features: make(map[string][]memFeature),
		spatial:  true,
	}
}

func (s *memStore) put(rel Relation, t *memTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[rel.Name] = t
}

func (s *memStore) table(rel Relation) (*memTable, error) {
	t, ok := s.tables[rel.Name]
	if !ok {
		return nil, syncerr.Database("lookup", fmt.Errorf("relation %s does not exist", rel))
	}
	return t, nil
}

func (s *memStore) GeometryColumn(_ context.Context, rel Relation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(rel)
	if err != nil {
		return "", err
	}
	return t.geomCol, nil
}

func (s *memStore) Columns(_ context.Context, rel Relation) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(rel)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.columns), nil
}

func (s *memStore) CountRows(_ context.Context, rel Relation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(rel)
	if err != nil {
		return 0, err
	}
	return int64(len(t.rows)), nil
}

func (s *memStore) CountInvalid(_ context.Context, rel Relation, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(rel)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range t.rows {
		if r.geom == nil || !r.valid {
			n++
		}
	}
	return n, nil
}

func (s *memStore) RepairInvalid(_ context.Context, rel Relation, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(rel)
	if err != nil {
		return 0, err
	}
	var n int64
	for i, r := range t.rows {
		if r.geom != nil && !r.valid && r.repairable {
			t.rows[i].valid = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) SupportsSpatial(context.Context) (bool, error) {
	return s.spatial, nil
}

func (s *memStore) ReplaceLayer(ctx context.Context, p ReplaceParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, p)
	if s.replaceErr != nil {
		return 0, s.replaceErr
	}
	t, err := s.table(p.Staging)
	if err != nil {
		return 0, err
	}

	var kept []memFeature
	for _, r := range t.rows {
		if !p.Filter.keeps(r) {
			continue
		}
		kept = append(kept, memFeature{layer: p.Layer, attrs: r.attrs, runID: p.RunID.String()})
	}
	assignKeys(p.Layer, firstPresent(p.Columns, keyFields), kept)

	// Finalize sees the transaction before commit; a failure leaves the
	// previous features in place.
	if p.Finalize != nil {
		if err := p.Finalize(ctx, nil, int64(len(kept))); err != nil {
			return 0, syncerr.Database("finish run", err)
		}
	}
	s.features[p.Layer] = kept
	return int64(len(kept)), nil
}

// assignKeys applies the feature_key rule of buildReplaceSQL: the trimmed
// source key, unless it is missing, duplicated or synthetic-looking, in
// which case "<layer>#<row number>".
func assignKeys(layer, keyCol string, features []memFeature) {
	source := make([]string, len(features))
	counts := make(map[string]int)
	for i, f := range features {
		if keyCol != "" {
			source[i] = strings.TrimSpace(f.attrs[keyCol])
		}
		if source[i] != "" {
			counts[source[i]]++
		}
	}
	prefix := layer + "#"
	for i := range features {
		k := source[i]
		if k == "" || counts[k] > 1 || strings.HasPrefix(k, prefix) {
			k = fmt.Sprintf("%s%d", prefix, i+1)
		}
		features[i].key = k
	}
}

func (f Filter) keeps(r memRow) bool {
	if f.BBox != nil && (r.geom == nil || !f.BBox.Intersects(*r.geom)) {
		return false
	}
	if f.Country != nil {
		var value string
		for _, field := range f.Country.Fields {
			if v := strings.TrimSpace(r.attrs[field]); v != "" {
				value = v
				break
			}
		}
		if !slices.Contains(f.Country.Aliases, strings.ToUpper(value)) {
			return false
		}
	}
	return true
}

func (s *memStore) DropStaging(_ context.Context, rel Relation) error {
	if !strings.HasPrefix(rel.Name, StagingPrefix) {
		return errors.New("refusing to drop non-staging relation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, rel.Name)
	s.dropped = append(s.dropped, rel.Name)
	return nil
}

func (s *memStore) ListStaging(_ context.Context, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.tables {
		if strings.HasPrefix(name, StagingPrefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *memStore) LayerFeatureCount(_ context.Context, layer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.features[layer])), nil
}

// stubConverter stages a fixed table into the memStore.
type stubConverter struct {
	store *memStore
	table memTable
	out   ConvertOutput
	err   error
	// partial stages the table even when err is set.
	partial bool

	calls int
}

func (c *stubConverter) Convert(_ context.Context, req ConvertRequest) (ConvertOutput, error) {
	c.calls++
	if c.err == nil || c.partial {
		t := c.table
		t.rows = slices.Clone(c.table.rows)
		c.store.put(req.Staging, &t)
	}
	out := c.out
	if out.Converter == "" {
		out.Converter = "stub"
	}
	return out, c.err
}
