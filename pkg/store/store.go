// Package store persists normalized domain tables. Backends share one
// contract: rows are appended in a single batch per domain per run,
// stamped with the run ID and an ingestion timestamp.
package store

import (
	"context"
	"errors"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// ErrUnknownDomain means Persist was called for a domain the store has
// no table spec for.
var ErrUnknownDomain = errors.New("unknown domain")

// Store writes domain tables to a backend. The orchestrator opens one
// store per run and closes it when the run ends.
type Store interface {
	// Persist appends the table's rows to the domain's target table
	// and returns the number of rows written. An empty table writes
	// nothing and returns 0.
	Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error)
	Close() error
}

// Opener defers backend connection to run start.
type Opener interface {
	Open(ctx context.Context) (Store, error)
}

// TableSpec names a domain's target table and the canonical columns
// persisted for it. Table columns outside the spec are skipped; spec
// columns absent from the table are written as NULL.
type TableSpec struct {
	Table   string
	Columns []string
}

type ctxKey int

const runIDKey ctxKey = iota

// ContextWithRunID tags ctx with the orchestrator run ID so stores can
// stamp provenance on every row.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run ID, or "" when the context carries none.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}

// rowValues returns row i's cells for the spec columns, in spec order.
func rowValues(spec TableSpec, tbl *table.Table, i int) []table.Value {
	out := make([]table.Value, len(spec.Columns))
	for j, col := range spec.Columns {
		if tbl.HasColumn(col) {
			out[j] = tbl.Value(i, col)
		}
	}
	return out
}

// skippedColumns lists table columns that are not part of the spec and
// therefore will not be persisted.
func skippedColumns(spec TableSpec, tbl *table.Table) []string {
	persisted := make(map[string]struct{}, len(spec.Columns))
	for _, col := range spec.Columns {
		persisted[col] = struct{}{}
	}
	var out []string
	for _, col := range tbl.Columns() {
		if _, ok := persisted[col]; !ok {
			out = append(out, col)
		}
	}
	return out
}
