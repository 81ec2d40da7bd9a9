package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covid_etl_build_info",
			Help: "Build information of the COVID-19 ETL service",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_runs_total",
			Help: "Total number of orchestrator runs",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "covid_etl_run_duration_seconds",
			Help:    "Duration of orchestrator runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s (~6.8 minutes)
		},
	)

	DomainRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_domain_runs_total",
			Help: "Total number of per-domain pipeline runs",
		},
		[]string{"domain", "status"},
	)

	DomainRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "covid_etl_domain_run_duration_seconds",
			Help:    "Duration of per-domain pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"domain"},
	)

	RowsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_rows_extracted_total",
			Help: "Total number of rows extracted from sources",
		},
		[]string{"domain"},
	)

	RowsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_rows_persisted_total",
			Help: "Total number of rows written to storage",
		},
		[]string{"domain"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_validation_failures_total",
			Help: "Total number of quality-rule failures",
		},
		[]string{"domain", "severity"},
	)

	SyntheticExtractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_synthetic_extractions_total",
			Help: "Total number of extractions that returned fallback data",
		},
		[]string{"domain"},
	)

	SchedulerIterations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "covid_etl_scheduler_iterations_total",
			Help: "Total number of scheduler iterations",
		},
	)

	SchedulerOverruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "covid_etl_scheduler_overruns_total",
			Help: "Total number of runs that exceeded the schedule interval",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covid_etl_http_requests_total",
			Help: "Total number of HTTP requests to the ops server",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "covid_etl_http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the ops server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
