package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmdtoolbox_scans_total",
			Help: "Total number of scans executed",
		},
		[]string{"mode", "status"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xmdtoolbox_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Sync metrics
var (
	SyncBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmdtoolbox_sync_batches_total",
			Help: "Total number of sync reconciliation batches",
		},
		[]string{"status"},
	)

	ConflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xmdtoolbox_conflicts_detected_total",
			Help: "Total number of assets flagged conflicted",
		},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmdtoolbox_transfers_total",
			Help: "Total number of upload/download transfers",
		},
		[]string{"direction", "status"},
	)
)

// Store metrics
var (
	StoreTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmdtoolbox_store_tx_duration_seconds",
			Help:    "Metadata store transaction duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	IndexRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xmdtoolbox_index_rebuild_duration_seconds",
			Help:    "Search index rebuild duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
