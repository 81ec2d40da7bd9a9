package normalize

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// Policy selects how nulls in a column are repaired.
type Policy string

const (
	// PolicyZero fills nulls with 0.
	PolicyZero Policy = "zero"
	// PolicyMean fills nulls with the mean of the column's non-null
	// numeric values, degrading to zero when every value is null.
	PolicyMean Policy = "mean"
	// PolicyUnknown fills nulls with the string "Unknown".
	PolicyUnknown Policy = "unknown"
	// PolicyDrop removes rows where the column is null.
	PolicyDrop Policy = "drop"
)

// ValidPolicy reports whether p names a known policy.
func ValidPolicy(p Policy) bool {
	switch p {
	case PolicyZero, PolicyMean, PolicyUnknown, PolicyDrop:
		return true
	}
	return false
}

// MissingValueStep repairs nulls per column according to configured
// policies. Columns without a policy are untouched. Applying the step to
// its own output is a no-op.
type MissingValueStep struct {
	log      *slog.Logger
	policies map[string]Policy
}

func NewMissingValueStep(log *slog.Logger, policies map[string]Policy) (*MissingValueStep, error) {
	if log == nil {
		log = slog.Default()
	}
	for col, p := range policies {
		if !ValidPolicy(p) {
			return nil, fmt.Errorf("column %q: unknown missing-value policy %q", col, p)
		}
	}
	return &MissingValueStep{log: log, policies: policies}, nil
}

func (s *MissingValueStep) Name() string { return "missing_values" }

func (s *MissingValueStep) Apply(tbl *table.Table) (*table.Table, error) {
	out := tbl.Clone()

	cols := make([]string, 0, len(s.policies))
	for col := range s.policies {
		if out.HasColumn(col) {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)

	// Fill values come from the table as it stood at step entry, so a
	// mean never observes its own fills or another column's drops.
	fills := make(map[string]table.Value, len(cols))
	for _, col := range cols {
		switch s.policies[col] {
		case PolicyZero:
			fills[col] = int64(0)
		case PolicyMean:
			fills[col] = columnMean(out, col)
		case PolicyUnknown:
			fills[col] = "Unknown"
		}
	}

	for _, col := range cols {
		if s.policies[col] != PolicyDrop {
			continue
		}
		dropped := out.DropRows(func(r table.Row) bool { return !table.IsNull(r[col]) })
		if dropped > 0 {
			s.log.Warn("dropped rows with null values", "column", col, "count", dropped)
		}
	}

	for _, col := range cols {
		fill, ok := fills[col]
		if !ok {
			continue
		}
		filled := 0
		for i := 0; i < out.Len(); i++ {
			if !table.IsNull(out.Value(i, col)) {
				continue
			}
			if err := out.SetValue(i, col, fill); err != nil {
				return nil, err
			}
			filled++
		}
		if filled > 0 {
			s.log.Debug("filled missing values", "column", col, "policy", string(s.policies[col]), "count", filled)
		}
	}
	return out, nil
}

// columnMean returns the mean of the column's non-null numeric values,
// or int64(0) when there are none.
func columnMean(tbl *table.Table, col string) table.Value {
	var sum float64
	var n int
	for i := 0; i < tbl.Len(); i++ {
		if f, ok := table.AsFloat(tbl.Value(i, col)); ok {
			sum += f
			n++
		}
	}
	if n == 0 {
		return int64(0)
	}
	return sum / float64(n)
}
