package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountscope_collector_runs_total",
			Help: "Total number of collection runs, by result",
		},
		[]string{"result"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountscope_collector_run_duration_seconds",
			Help:    "Duration of one collection run, including staging, in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Domain metrics
	DomainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accountscope_collector_domain_duration_seconds",
			Help:    "Duration of collecting one domain in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"domain"},
	)

	DomainFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountscope_collector_domain_failures_total",
			Help: "Total number of failed domain collections",
		},
		[]string{"domain"},
	)

	// Staging metrics
	StageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountscope_collector_stage_duration_seconds",
			Help:    "Duration of writing one document to staging in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	DocumentsStagedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accountscope_collector_documents_staged_total",
			Help: "Total number of documents written to staging",
		},
	)
)

// Run results
const (
	ResultStaged = "staged"
	ResultFailed = "failed"
	ResultHeld   = "held"
)
