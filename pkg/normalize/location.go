package normalize

import (
	"log/slog"
	"strings"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// DefaultLocationAliases maps lowercased variants to canonical names.
// Unknown values are never touched, so an incomplete table is safe.
var DefaultLocationAliases = map[string]string{
	"ny":   "New York",
	"n.y.": "New York",
	"nyc":  "New York City",
	"ca":   "California",
	"fl":   "Florida",
	"tx":   "Texas",
	"pa":   "Pennsylvania",
	"mass": "Massachusetts",
	"ma":   "Massachusetts",
	"il":   "Illinois",
	"oh":   "Ohio",
	"ga":   "Georgia",
	"nc":   "North Carolina",
	"nj":   "New Jersey",
	"wash": "Washington",
	"wa":   "Washington",
	"dc":   "District of Columbia",
	"d.c.": "District of Columbia",
}

// LocationStep canonicalizes location columns through an alias table.
// Lookup is case-insensitive on the trimmed value; hits are replaced by
// the canonical form, misses pass through byte-for-byte unchanged.
type LocationStep struct {
	log     *slog.Logger
	columns []string
	aliases map[string]string
}

// NewLocationStep builds a location step. With no columns configured the
// step targets "region", "location" and any column ending in "_region"
// or "_location". The alias table is merged over the defaults, and every
// canonical name also resolves to itself.
func NewLocationStep(log *slog.Logger, columns []string, aliases map[string]string) *LocationStep {
	if log == nil {
		log = slog.Default()
	}
	merged := make(map[string]string, len(DefaultLocationAliases)+2*len(aliases))
	for k, v := range DefaultLocationAliases {
		merged[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for k, v := range aliases {
		merged[strings.ToLower(strings.TrimSpace(k))] = v
	}
	canonicals := make([]string, 0, len(merged))
	for _, canonical := range merged {
		canonicals = append(canonicals, canonical)
	}
	for _, canonical := range canonicals {
		key := strings.ToLower(canonical)
		if _, ok := merged[key]; !ok {
			merged[key] = canonical
		}
	}
	return &LocationStep{log: log, columns: columns, aliases: merged}
}

func (s *LocationStep) Name() string { return "location_normalization" }

func (s *LocationStep) Apply(tbl *table.Table) (*table.Table, error) {
	out := tbl.Clone()

	for _, col := range s.targets(out) {
		replaced := 0
		for i := 0; i < out.Len(); i++ {
			raw, ok := table.AsString(out.Value(i, col))
			if !ok {
				continue
			}
			canonical, ok := s.aliases[strings.ToLower(strings.TrimSpace(raw))]
			if !ok {
				continue
			}
			if err := out.SetValue(i, col, canonical); err != nil {
				return nil, err
			}
			if canonical != raw {
				replaced++
			}
		}
		if replaced > 0 {
			s.log.Debug("canonicalized locations", "column", col, "count", replaced)
		}
	}
	return out, nil
}

func (s *LocationStep) targets(tbl *table.Table) []string {
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
		if c == "region" || c == "location" ||
			strings.HasSuffix(c, "_region") || strings.HasSuffix(c, "_location") {
			out = append(out, c)
		}
	}
	return out
}
