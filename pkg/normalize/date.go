package normalize

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// DefaultDateLayouts are tried in order. ISO forms come first; slash and
// dash forms use US month-first semantics.
var DefaultDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"2006/01/02",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// DateStep normalizes date columns to date values at midnight UTC.
// Values that match no layout become null; the step counts them and logs
// a warning, leaving severity to downstream validation.
type DateStep struct {
	log     *slog.Logger
	columns []string
	layouts []string
}

// NewDateStep builds a date step over the named columns. With no columns
// configured the step targets any column named "date" or ending in
// "_date". Empty layouts fall back to DefaultDateLayouts.
func NewDateStep(log *slog.Logger, columns, layouts []string) *DateStep {
	if log == nil {
		log = slog.Default()
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	return &DateStep{log: log, columns: columns, layouts: layouts}
}

func (s *DateStep) Name() string { return "date_normalization" }

func (s *DateStep) Apply(tbl *table.Table) (*table.Table, error) {
	out := tbl.Clone()

	for _, col := range s.targets(out) {
		unparseable := 0
		for i := 0; i < out.Len(); i++ {
			v := out.Value(i, col)
			norm, ok := s.normalize(v)
			if !ok {
				unparseable++
			}
			if err := out.SetValue(i, col, norm); err != nil {
				return nil, err
			}
		}
		if unparseable > 0 {
			s.log.Warn("unparseable dates set to null", "column", col, "count", unparseable)
		}
	}
	return out, nil
}

// normalize converts a single cell. The bool is false only for values
// that should have parsed but did not.
func (s *DateStep) normalize(v table.Value) (table.Value, bool) {
	switch d := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		return table.Date(d), true
	case string:
		raw := strings.TrimSpace(d)
		if raw == "" {
			return nil, true
		}
		for _, layout := range s.layouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return table.Date(t), true
			}
		}
		return nil, false
	default:
		// Numeric cells in a date column are malformed input.
		return nil, false
	}
}

func (s *DateStep) targets(tbl *table.Table) []string {
	if len(s.columns) > 0 {
		out := make([]string, 0, len(s.columns))
		for _, c := range s.columns {
			if tbl.HasColumn(c) {
				out = append(out, c)
			}
		}
		return out
	}
	var out []string
	for _, c := range tbl.Columns() {
		if c == "date" || strings.HasSuffix(c, "_date") {
			out = append(out, c)
		}
	}
	return out
}
