package validate

import (
	"fmt"
	"log/slog"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// Report collects the outcome of one validation pass. A table passes
// if and only if no blocking rule failed; advisory failures never block.
type Report struct {
	RulesEvaluated   int      `json:"rules_evaluated"`
	BlockingFailures []string `json:"blocking_failures,omitempty"`
	AdvisoryFailures []string `json:"advisory_failures,omitempty"`
}

func (r *Report) Passed() bool {
	return len(r.BlockingFailures) == 0
}

func (r *Report) Summary() string {
	if r.Passed() && len(r.AdvisoryFailures) == 0 {
		return fmt.Sprintf("passed %d rules", r.RulesEvaluated)
	}
	return fmt.Sprintf("%d rules evaluated, %d blocking failures, %d advisory failures",
		r.RulesEvaluated, len(r.BlockingFailures), len(r.AdvisoryFailures))
}

// Validator evaluates every configured rule against a table. Rules never
// short-circuit: a report always reflects the full rule set.
type Validator struct {
	log   *slog.Logger
	rules []Rule
}

func NewValidator(log *slog.Logger, rules []Rule) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{log: log, rules: rules}
}

// Rules returns the configured rules in evaluation order.
func (v *Validator) Rules() []Rule {
	out := make([]Rule, len(v.rules))
	copy(out, v.rules)
	return out
}

// Validate runs all rules. An empty rule set passes vacuously.
func (v *Validator) Validate(tbl *table.Table) *Report {
	report := &Report{RulesEvaluated: len(v.rules)}

	for _, rule := range v.rules {
		failures, panicked := v.check(rule, tbl)
		if len(failures) == 0 {
			continue
		}
		severity := rule.Severity()
		if panicked {
			severity = Blocking
		}
		for _, msg := range failures {
			tagged := fmt.Sprintf("%s: %s", rule.Name(), msg)
			switch severity {
			case Blocking:
				report.BlockingFailures = append(report.BlockingFailures, tagged)
				v.log.Warn("blocking validation failure", "rule", rule.Name(), "detail", msg)
			default:
				report.AdvisoryFailures = append(report.AdvisoryFailures, tagged)
				v.log.Warn("advisory validation failure", "rule", rule.Name(), "detail", msg)
			}
		}
	}
	return report
}

// check shields the validator from a panicking rule; a panic counts as a
// blocking failure of that rule regardless of its configured severity.
func (v *Validator) check(rule Rule, tbl *table.Table) (failures []string, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("validation rule panicked", "rule", rule.Name(), "panic", r)
			failures = []string{fmt.Sprintf("rule panicked: %v", r)}
			panicked = true
		}
	}()
	return rule.Check(tbl), false
}
