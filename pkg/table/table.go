// Package table holds the record table that flows through every pipeline
// stage: an ordered sequence of rows sharing one column set, with typed
// scalar cells.
package table

import (
	"fmt"
)

// Row maps column names to cell values.
type Row map[string]Value

// Table is an ordered set of rows over a fixed, ordered column set.
// A zero-row table is valid and flows through all stages.
type Table struct {
	columns []string
	index   map[string]int
	rows    []Row

	// Synthetic marks tables whose rows were fabricated by a source
	// adapter as fallback data rather than extracted from the source.
	Synthetic bool
}

// New builds an empty table with the given column order. Duplicate names
// keep their first position.
func New(columns ...string) *Table {
	t := &Table{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		if _, ok := t.index[c]; ok {
			continue
		}
		t.index[c] = len(t.columns)
		t.columns = append(t.columns, c)
	}
	return t
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// HasColumn reports whether the table has a column with this name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Append adds a row. Keys must belong to the column set; absent columns
// are filled with nil.
func (t *Table) Append(row Row) error {
	for k := range row {
		if _, ok := t.index[k]; !ok {
			return fmt.Errorf("row has unknown column %q", k)
		}
	}
	r := make(Row, len(t.columns))
	for _, c := range t.columns {
		r[c] = row[c]
	}
	t.rows = append(t.rows, r)
	return nil
}

// Row returns the i-th row. The returned map is the table's own storage;
// callers that need isolation should Clone the table first.
func (t *Table) Row(i int) Row {
	return t.rows[i]
}

// Value returns the cell at row i, column name.
func (t *Table) Value(i int, name string) Value {
	if _, ok := t.index[name]; !ok {
		return nil
	}
	return t.rows[i][name]
}

// SetValue overwrites the cell at row i, column name.
func (t *Table) SetValue(i int, name string, v Value) error {
	if _, ok := t.index[name]; !ok {
		return fmt.Errorf("unknown column %q", name)
	}
	t.rows[i][name] = v
	return nil
}

// AddColumn appends a column filled with the given value for every
// existing row. Adding an existing column is a no-op.
func (t *Table) AddColumn(name string, fill Value) {
	if _, ok := t.index[name]; ok {
		return
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for _, r := range t.rows {
		r[name] = fill
	}
}

// RenameColumn renames old to new, keeping its position. A missing old
// column is a no-op; a collision with an existing column is an error.
func (t *Table) RenameColumn(old, new string) error {
	pos, ok := t.index[old]
	if !ok {
		return nil
	}
	if old == new {
		return nil
	}
	if _, ok := t.index[new]; ok {
		return fmt.Errorf("rename %q: column %q already exists", old, new)
	}
	t.columns[pos] = new
	delete(t.index, old)
	t.index[new] = pos
	for _, r := range t.rows {
		r[new] = r[old]
		delete(r, old)
	}
	return nil
}

// DropRows removes every row for which keep returns false and returns
// the number of rows dropped.
func (t *Table) DropRows(keep func(Row) bool) int {
	kept := t.rows[:0]
	for _, r := range t.rows {
		if keep(r) {
			kept = append(kept, r)
		}
	}
	dropped := len(t.rows) - len(kept)
	for i := len(kept); i < len(t.rows); i++ {
		t.rows[i] = nil
	}
	t.rows = kept
	return dropped
}

// Clone returns a deep copy. Cell values are scalars and are shared.
func (t *Table) Clone() *Table {
	out := New(t.columns...)
	out.Synthetic = t.Synthetic
	out.rows = make([]Row, len(t.rows))
	for i, r := range t.rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.rows[i] = cp
	}
	return out
}
