// Package validate checks normalized tables against configurable quality
// rules. Blocking failures veto persistence; advisory failures are
// recorded and logged but never block.
package validate

import (
	"fmt"
	"strings"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// Severity classifies how a rule failure is treated.
type Severity string

const (
	Blocking Severity = "blocking"
	Advisory Severity = "advisory"
)

// ValidSeverity reports whether s names a known severity.
func ValidSeverity(s Severity) bool {
	return s == Blocking || s == Advisory
}

// Rule checks one quality expectation over a table and returns one
// message per violation. An empty result means the rule passed.
type Rule interface {
	Name() string
	Severity() Severity
	Check(*table.Table) []string
}

// RequiredColumns fails when any of the named columns is absent.
type RequiredColumns struct {
	severity Severity
	columns  []string
}

func NewRequiredColumns(severity Severity, columns ...string) *RequiredColumns {
	return &RequiredColumns{severity: severity, columns: columns}
}

func (r *RequiredColumns) Name() string {
	return fmt.Sprintf("required_columns(%s)", strings.Join(r.columns, ","))
}

func (r *RequiredColumns) Severity() Severity { return r.severity }

func (r *RequiredColumns) Check(tbl *table.Table) []string {
	var out []string
	for _, col := range r.columns {
		if !tbl.HasColumn(col) {
			out = append(out, fmt.Sprintf("required column %q is missing", col))
		}
	}
	return out
}

// NotNull fails when the fraction of null cells in a column exceeds
// MaxNullFraction (0 means no nulls allowed). Empty tables pass.
type NotNull struct {
	severity        Severity
	column          string
	maxNullFraction float64
}

func NewNotNull(severity Severity, column string, maxNullFraction float64) *NotNull {
	return &NotNull{severity: severity, column: column, maxNullFraction: maxNullFraction}
}

func (r *NotNull) Name() string { return fmt.Sprintf("not_null(%s)", r.column) }

func (r *NotNull) Severity() Severity { return r.severity }

func (r *NotNull) Check(tbl *table.Table) []string {
	if !tbl.HasColumn(r.column) || tbl.Len() == 0 {
		return nil
	}
	nulls := 0
	for i := 0; i < tbl.Len(); i++ {
		if table.IsNull(tbl.Value(i, r.column)) {
			nulls++
		}
	}
	frac := float64(nulls) / float64(tbl.Len())
	if frac > r.maxNullFraction {
		return []string{fmt.Sprintf("column %q has %d null values (%.1f%% > %.1f%% allowed)",
			r.column, nulls, frac*100, r.maxNullFraction*100)}
	}
	return nil
}

// NonNegative fails when a numeric cell in any of the named columns is
// negative. Nulls and non-numeric cells are skipped.
type NonNegative struct {
	severity Severity
	columns  []string
}

func NewNonNegative(severity Severity, columns ...string) *NonNegative {
	return &NonNegative{severity: severity, columns: columns}
}

func (r *NonNegative) Name() string {
	return fmt.Sprintf("non_negative(%s)", strings.Join(r.columns, ","))
}

func (r *NonNegative) Severity() Severity { return r.severity }

func (r *NonNegative) Check(tbl *table.Table) []string {
	var out []string
	for _, col := range r.columns {
		if !tbl.HasColumn(col) {
			continue
		}
		negatives := 0
		for i := 0; i < tbl.Len(); i++ {
			if f, ok := table.AsFloat(tbl.Value(i, col)); ok && f < 0 {
				negatives++
			}
		}
		if negatives > 0 {
			out = append(out, fmt.Sprintf("column %q has %d negative values", col, negatives))
		}
	}
	return out
}

// Range fails when a numeric cell falls outside [Min, Max]. Nulls and
// non-numeric cells are skipped.
type Range struct {
	severity Severity
	column   string
	min, max float64
}

func NewRange(severity Severity, column string, min, max float64) *Range {
	return &Range{severity: severity, column: column, min: min, max: max}
}

func (r *Range) Name() string {
	return fmt.Sprintf("range(%s,%v..%v)", r.column, r.min, r.max)
}

func (r *Range) Severity() Severity { return r.severity }

func (r *Range) Check(tbl *table.Table) []string {
	if !tbl.HasColumn(r.column) {
		return nil
	}
	outside := 0
	for i := 0; i < tbl.Len(); i++ {
		if f, ok := table.AsFloat(tbl.Value(i, r.column)); ok && (f < r.min || f > r.max) {
			outside++
		}
	}
	if outside > 0 {
		return []string{fmt.Sprintf("column %q has %d values outside [%v, %v]",
			r.column, outside, r.min, r.max)}
	}
	return nil
}

// InSet fails when a string cell is not one of the allowed values.
// Nulls and non-string cells are skipped.
type InSet struct {
	severity Severity
	column   string
	allowed  map[string]struct{}
}

func NewInSet(severity Severity, column string, allowed ...string) *InSet {
	set := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		set[v] = struct{}{}
	}
	return &InSet{severity: severity, column: column, allowed: set}
}

func (r *InSet) Name() string { return fmt.Sprintf("in_set(%s)", r.column) }

func (r *InSet) Severity() Severity { return r.severity }

func (r *InSet) Check(tbl *table.Table) []string {
	if !tbl.HasColumn(r.column) {
		return nil
	}
	bad := 0
	for i := 0; i < tbl.Len(); i++ {
		s, ok := table.AsString(tbl.Value(i, r.column))
		if !ok {
			continue
		}
		if _, allowed := r.allowed[s]; !allowed {
			bad++
		}
	}
	if bad > 0 {
		return []string{fmt.Sprintf("column %q has %d values outside the allowed set", r.column, bad)}
	}
	return nil
}

// LessOrEqual fails for rows where column A exceeds column B. Rows where
// either side is null or non-numeric are skipped.
type LessOrEqual struct {
	severity Severity
	a, b     string
}

func NewLessOrEqual(severity Severity, a, b string) *LessOrEqual {
	return &LessOrEqual{severity: severity, a: a, b: b}
}

func (r *LessOrEqual) Name() string { return fmt.Sprintf("less_or_equal(%s<=%s)", r.a, r.b) }

func (r *LessOrEqual) Severity() Severity { return r.severity }

func (r *LessOrEqual) Check(tbl *table.Table) []string {
	if !tbl.HasColumn(r.a) || !tbl.HasColumn(r.b) {
		return nil
	}
	bad := 0
	for i := 0; i < tbl.Len(); i++ {
		av, aok := table.AsFloat(tbl.Value(i, r.a))
		bv, bok := table.AsFloat(tbl.Value(i, r.b))
		if aok && bok && av > bv {
			bad++
		}
	}
	if bad > 0 {
		return []string{fmt.Sprintf("%d rows have %q greater than %q", bad, r.a, r.b)}
	}
	return nil
}

// MinRows fails when the table has fewer than N rows.
type MinRows struct {
	severity Severity
	n        int
}

func NewMinRows(severity Severity, n int) *MinRows {
	return &MinRows{severity: severity, n: n}
}

func (r *MinRows) Name() string { return fmt.Sprintf("min_rows(%d)", r.n) }

func (r *MinRows) Severity() Severity { return r.severity }

func (r *MinRows) Check(tbl *table.Table) []string {
	if tbl.Len() < r.n {
		return []string{fmt.Sprintf("table has %d rows, expected at least %d", tbl.Len(), r.n)}
	}
	return nil
}
