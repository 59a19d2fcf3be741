package ingest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/geosync/internal/catalog"
)

// StagingPrefix starts every staging relation name.
const StagingPrefix = "stg_"

// Relation is a schema-qualified table.
type Relation struct {
	Schema string
	Name   string
}

// String returns the quoted, schema-qualified name.
func (r Relation) String() string {
	return pgx.Identifier{r.Schema, r.Name}.Sanitize()
}

// StagingRelation derives the staging table for a run. Names come only from
// run ids, never from input.
func StagingRelation(schema string, runID uuid.UUID) Relation {
	return Relation{Schema: schema, Name: StagingPrefix + strings.ReplaceAll(runID.String(), "-", "")}
}

// RunIDFromStaging recovers the run id encoded in a staging name.
func RunIDFromStaging(name string) (uuid.UUID, bool) {
	hex, ok := strings.CutPrefix(name, StagingPrefix)
	if !ok || len(hex) != 32 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(hex)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// checkIdent rejects anything outside the identifier allow-list before it
// is spliced into SQL or converter arguments.
func checkIdent(kind, s string) error {
	if !catalog.ValidIdentifier(s) {
		return fmt.Errorf("invalid %s identifier %q", kind, s)
	}
	return nil
}

// col quotes a column name taken from the database catalog.
func col(alias, name string) string {
	return alias + "." + pgx.Identifier{name}.Sanitize()
}
