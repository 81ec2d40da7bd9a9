// Package pipeline runs one data domain end to end: extract, transform,
// validate, persist. A pipeline never panics and never aborts its
// siblings; every outcome lands in a Result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ketankshukla/covid19-etl/pkg/extract"
	"github.com/ketankshukla/covid19-etl/pkg/metrics"
	"github.com/ketankshukla/covid19-etl/pkg/normalize"
	"github.com/ketankshukla/covid19-etl/pkg/store"
	"github.com/ketankshukla/covid19-etl/pkg/validate"
)

// Stage names the phase a pipeline failure happened in.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageValidate  Stage = "validate"
	StagePersist   Stage = "persist"
)

// Config configures a single domain pipeline.
type Config struct {
	Logger    *slog.Logger
	Domain    string
	Extractor extract.Extractor
	Chain     *normalize.Chain
	Validator *validate.Validator
	Clock     clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if cfg.Extractor == nil {
		return fmt.Errorf("extractor is required")
	}
	if cfg.Chain == nil {
		return fmt.Errorf("transformation chain is required")
	}
	if cfg.Validator == nil {
		return fmt.Errorf("validator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result is the outcome of one domain within a run. Stage is set only
// when Err is, and names the phase that failed. A blocked validation is
// a failure without an error: the Report carries the blocking findings.
type Result struct {
	Domain        string           `json:"domain"`
	Stage         Stage            `json:"stage,omitempty"`
	RowsExtracted int              `json:"rows_extracted"`
	RowsPersisted int64            `json:"rows_persisted"`
	Synthetic     bool             `json:"synthetic,omitempty"`
	Report        *validate.Report `json:"report,omitempty"`
	Err           error            `json:"-"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	Duration      time.Duration    `json:"duration_ns"`
}

// Blocked reports whether validation stopped the domain from persisting.
func (r *Result) Blocked() bool {
	return r.Report != nil && !r.Report.Passed()
}

// Failed reports whether the domain produced no persisted data this run.
func (r *Result) Failed() bool {
	return r.Err != nil || r.Blocked()
}

// Pipeline executes one domain. Construct with New; the zero value is
// not usable.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger.With("domain", cfg.Domain)}, nil
}

// Domain returns the domain this pipeline feeds.
func (p *Pipeline) Domain() string {
	return p.cfg.Domain
}

// Run executes the domain against the given store. It recovers panics
// from any stage and converts them into stage errors, so callers can
// rely on always getting a Result back.
func (p *Pipeline) Run(ctx context.Context, st store.Store) (res Result) {
	res = Result{Domain: p.cfg.Domain, StartedAt: p.cfg.Clock.Now(), Stage: StageExtract}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panicked", "stage", res.Stage, "panic", r)
			res.Err = fmt.Errorf("panicked at stage %s: %v", res.Stage, r)
		}
		res.Duration = p.cfg.Clock.Since(res.StartedAt)
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
	}()

	tbl, err := p.cfg.Extractor.Extract(ctx)
	if err != nil {
		res.Err = fmt.Errorf("failed to extract %s: %w", p.cfg.Domain, err)
		return res
	}
	res.RowsExtracted = tbl.Len()
	res.Synthetic = tbl.Synthetic
	metrics.RowsExtracted.WithLabelValues(p.cfg.Domain).Add(float64(tbl.Len()))
	if tbl.Synthetic {
		p.log.Warn("extractor returned synthetic fallback data", "source", p.cfg.Extractor.Name())
		metrics.SyntheticExtractions.WithLabelValues(p.cfg.Domain).Inc()
	}
	p.log.Info("extracted rows", "source", p.cfg.Extractor.Name(), "rows", tbl.Len())

	res.Stage = StageTransform
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	tbl, err = p.cfg.Chain.Run(tbl)
	if err != nil {
		res.Err = fmt.Errorf("failed to transform %s: %w", p.cfg.Domain, err)
		return res
	}

	res.Stage = StageValidate
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	report := p.cfg.Validator.Validate(tbl)
	res.Report = report
	metrics.ValidationFailures.WithLabelValues(p.cfg.Domain, "blocking").Add(float64(len(report.BlockingFailures)))
	metrics.ValidationFailures.WithLabelValues(p.cfg.Domain, "advisory").Add(float64(len(report.AdvisoryFailures)))
	if !report.Passed() {
		p.log.Error("validation blocked persistence", "summary", report.Summary())
		res.Stage = ""
		return res
	}
	if len(report.AdvisoryFailures) > 0 {
		p.log.Warn("validation advisories", "summary", report.Summary())
	}

	res.Stage = StagePersist
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	n, err := st.Persist(ctx, p.cfg.Domain, tbl)
	if err != nil {
		res.Err = fmt.Errorf("failed to persist %s: %w", p.cfg.Domain, err)
		return res
	}
	res.RowsPersisted = n
	metrics.RowsPersisted.WithLabelValues(p.cfg.Domain).Add(float64(n))
	p.log.Info("persisted rows", "rows", n)

	res.Stage = ""
	return res
}
