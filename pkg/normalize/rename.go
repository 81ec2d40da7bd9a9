package normalize

import (
	"fmt"
	"sort"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// RenameStep applies the source field mapping, renaming raw columns to
// their canonical names. It runs first in every chain and exactly once:
// unmapped columns pass through untouched, mappings whose source column
// is absent are skipped.
type RenameStep struct {
	mapping map[string]string
}

func NewRenameStep(mapping map[string]string) *RenameStep {
	return &RenameStep{mapping: mapping}
}

func (s *RenameStep) Name() string { return "field_mapping" }

func (s *RenameStep) Apply(tbl *table.Table) (*table.Table, error) {
	out := tbl.Clone()

	// Deterministic order so collision errors are stable.
	sources := make([]string, 0, len(s.mapping))
	for src := range s.mapping {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		if err := out.RenameColumn(src, s.mapping[src]); err != nil {
			return nil, fmt.Errorf("failed to apply field mapping: %w", err)
		}
	}
	return out, nil
}
