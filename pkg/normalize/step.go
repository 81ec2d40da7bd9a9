// Package normalize implements the transformation steps a domain table
// passes through between extraction and validation: field mapping, date
// normalization, location canonicalization, missing-value policies and
// derived-field calculation.
package normalize

import (
	"fmt"
	"log/slog"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// Step transforms a table into a new table. Implementations leave their
// input untouched and must be deterministic.
type Step interface {
	Name() string
	Apply(*table.Table) (*table.Table, error)
}

// Chain applies steps in a fixed order.
type Chain struct {
	log   *slog.Logger
	steps []Step
}

// NewChain builds a chain over the given steps. Order is execution order.
func NewChain(log *slog.Logger, steps ...Step) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{log: log, steps: steps}
}

// Steps returns the steps in execution order.
func (c *Chain) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Run applies every step in order, stopping at the first error. An empty
// chain returns its input.
func (c *Chain) Run(tbl *table.Table) (*table.Table, error) {
	out := tbl
	for _, step := range c.steps {
		next, err := step.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name(), err)
		}
		c.log.Debug("applied transformation step", "step", step.Name(), "rows", next.Len())
		out = next
	}
	return out, nil
}
