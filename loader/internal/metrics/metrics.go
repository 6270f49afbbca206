package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Document metrics
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountscope_loader_documents_total",
			Help: "Total number of staged documents processed, by outcome",
		},
		[]string{"outcome"},
	)

	DocumentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountscope_loader_document_duration_seconds",
			Help:    "Duration of ingesting one staged document in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Record metrics
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountscope_loader_records_total",
			Help: "Total number of upserted records, by result",
		},
		[]string{"result"},
	)

	// Queue metrics
	PendingDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountscope_loader_pending_documents",
			Help: "Number of pending documents seen by the last sweep",
		},
	)

	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accountscope_loader_sweeps_total",
			Help: "Total number of pending-namespace sweeps",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountscope_loader_notifications_total",
			Help: "Total number of staged notifications received, by outcome",
		},
		[]string{"outcome"},
	)
)

// Document outcomes
const (
	OutcomeLoaded   = "loaded"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)
