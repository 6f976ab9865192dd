package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Storage metrics
	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proofline_storage_latency_seconds",
			Help:    "Storage backend operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_retries_total",
			Help: "Retries scheduled by the retry executor",
		},
		[]string{"operation", "error_class"},
	)

	SignCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_sign_cache_lookups_total",
			Help: "Signed URL cache lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	// Proof metrics
	ProofCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_proof_cache_lookups_total",
			Help: "Proof batch cache lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	ProofsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_proofs_generated_total",
			Help: "Proof derivatives processed by generateBatch",
		},
		[]string{"status"},
	)

	ProofBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proofline_proof_batch_duration_seconds",
			Help:    "Duration of one generateBatch run",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proofline_queue_depth",
			Help: "Proof jobs waiting in the queue",
		},
	)

	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_queue_jobs_total",
			Help: "Proof queue job transitions",
		},
		[]string{"event"},
	)

	// Upload metrics
	UploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofline_upload_bytes_total",
			Help: "Bytes uploaded to storage backends",
		},
		[]string{"backend"},
	)
)
