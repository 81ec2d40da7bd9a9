package normalize

import (
	"log/slog"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// Ratio declares a derived column computed as Scale * Numerator / Denominator
// per row. Scale defaults to 100, so rates land on a 0-100 scale.
type Ratio struct {
	Name        string
	Numerator   string
	Denominator string
	Scale       float64
}

// DerivedStep appends ratio columns. A row whose numerator or denominator
// is null or non-numeric, or whose denominator is zero, gets a null result.
// The step never divides by zero and never produces Inf or NaN.
type DerivedStep struct {
	log    *slog.Logger
	ratios []Ratio
}

func NewDerivedStep(log *slog.Logger, ratios []Ratio) *DerivedStep {
	if log == nil {
		log = slog.Default()
	}
	return &DerivedStep{log: log, ratios: ratios}
}

func (s *DerivedStep) Name() string { return "derived_fields" }

func (s *DerivedStep) Apply(tbl *table.Table) (*table.Table, error) {
	out := tbl.Clone()

	for _, r := range s.ratios {
		if !out.HasColumn(r.Numerator) || !out.HasColumn(r.Denominator) {
			s.log.Warn("skipping derived field, operand column missing",
				"field", r.Name, "numerator", r.Numerator, "denominator", r.Denominator)
			continue
		}
		scale := r.Scale
		if scale == 0 {
			scale = 100
		}
		out.AddColumn(r.Name, nil)
		for i := 0; i < out.Len(); i++ {
			num, numOK := table.AsFloat(out.Value(i, r.Numerator))
			den, denOK := table.AsFloat(out.Value(i, r.Denominator))
			var v table.Value
			if numOK && denOK && den != 0 {
				v = scale * num / den
			}
			if err := out.SetValue(i, r.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
