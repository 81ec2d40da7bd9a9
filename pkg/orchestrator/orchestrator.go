// Package orchestrator sequences the domain pipelines of a run and
// aggregates their outcomes into a run report. After construction it
// never fails hard: every run produces a report, whatever breaks.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ketankshukla/covid19-etl/pkg/metrics"
	"github.com/ketankshukla/covid19-etl/pkg/pipeline"
	"github.com/ketankshukla/covid19-etl/pkg/store"
)

// Status is the aggregate outcome of a run.
type Status string

const (
	// StatusSucceeded means every domain persisted cleanly.
	StatusSucceeded Status = "succeeded"
	// StatusSucceededWithWarnings means every domain persisted but at
	// least one carried advisory findings or synthetic data.
	StatusSucceededWithWarnings Status = "succeeded_with_warnings"
	// StatusCompletedWithErrors means at least one domain failed or was
	// blocked by validation.
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// Report summarizes one run across all domains. Results keep the
// configured pipeline order.
type Report struct {
	ID        string            `json:"id"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration_ns"`
	Status    Status            `json:"status"`
	Results   []pipeline.Result `json:"results"`
}

// Failed reports whether any domain failed this run.
func (r *Report) Failed() bool {
	return r.Status == StatusCompletedWithErrors
}

// Notifier receives the report after each run.
type Notifier interface {
	Notify(ctx context.Context, report *Report) error
}

// Config configures the orchestrator.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Opener    store.Opener
	Pipelines []*pipeline.Pipeline

	// Notifier is optional; runs complete without one.
	Notifier Notifier
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Opener == nil {
		return fmt.Errorf("store opener is required")
	}
	if len(cfg.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}
	seen := make(map[string]struct{}, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if p == nil {
			return fmt.Errorf("pipeline must not be nil")
		}
		if _, ok := seen[p.Domain()]; ok {
			return fmt.Errorf("duplicate pipeline domain: %s", p.Domain())
		}
		seen[p.Domain()] = struct{}{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Orchestrator runs the configured pipelines. Construct with New.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	last *Report
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger}, nil
}

// RunOnce executes every pipeline in order against one shared store and
// returns the report. It never returns an error: a store that cannot be
// opened fails every domain, and per-domain failures are isolated by
// the pipelines themselves.
func (o *Orchestrator) RunOnce(ctx context.Context) *Report {
	start := o.cfg.Clock.Now()
	report := &Report{ID: uuid.New().String(), StartedAt: start}
	ctx = store.ContextWithRunID(ctx, report.ID)

	log := o.log.With("run_id", report.ID)
	log.Info("starting run", "domains", len(o.cfg.Pipelines))

	st, err := o.cfg.Opener.Open(ctx)
	if err != nil {
		err = fmt.Errorf("failed to open store: %w", err)
		log.Error("store unavailable, failing all domains", "error", err)
		for _, p := range o.cfg.Pipelines {
			report.Results = append(report.Results, pipeline.Result{
				Domain:    p.Domain(),
				Stage:     pipeline.StagePersist,
				Err:       err,
				Error:     err.Error(),
				StartedAt: start,
			})
			metrics.DomainRunsTotal.WithLabelValues(p.Domain(), "failed").Inc()
		}
	} else {
		for _, p := range o.cfg.Pipelines {
			res := p.Run(ctx, st)
			report.Results = append(report.Results, res)

			status := "succeeded"
			if res.Failed() {
				status = "failed"
			}
			metrics.DomainRunsTotal.WithLabelValues(res.Domain, status).Inc()
			metrics.DomainRunDuration.WithLabelValues(res.Domain).Observe(res.Duration.Seconds())
		}
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}

	report.Duration = o.cfg.Clock.Since(start)
	report.Status = statusOf(report.Results)

	metrics.RunsTotal.WithLabelValues(string(report.Status)).Inc()
	metrics.RunDuration.Observe(report.Duration.Seconds())

	o.logSummary(log, report)

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	if o.cfg.Notifier != nil {
		if err := o.cfg.Notifier.Notify(ctx, report); err != nil {
			log.Warn("failed to send run notification", "error", err)
		}
	}

	return report
}

// LastReport returns the most recent run report, or nil before the
// first run completes.
func (o *Orchestrator) LastReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func statusOf(results []pipeline.Result) Status {
	status := StatusSucceeded
	for i := range results {
		res := &results[i]
		if res.Failed() {
			return StatusCompletedWithErrors
		}
		if res.Synthetic || (res.Report != nil && len(res.Report.AdvisoryFailures) > 0) {
			status = StatusSucceededWithWarnings
		}
	}
	return status
}

func (o *Orchestrator) logSummary(log *slog.Logger, report *Report) {
	for i := range report.Results {
		res := &report.Results[i]
		switch {
		case res.Err != nil:
			log.Error("domain failed", "domain", res.Domain, "stage", res.Stage, "error", res.Err)
		case res.Blocked():
			log.Error("domain blocked by validation", "domain", res.Domain, "summary", res.Report.Summary())
		default:
			log.Info("domain completed",
				"domain", res.Domain,
				"rows_extracted", res.RowsExtracted,
				"rows_persisted", res.RowsPersisted,
				"synthetic", res.Synthetic)
		}
	}
	log.Info("run completed", "status", report.Status, "duration", report.Duration)
}
