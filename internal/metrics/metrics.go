package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ===== Paged KV cache =====

	KVPagesCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_kv_pages_capacity",
		Help: "Total number of pages in the KV pool",
	})

	KVPagesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_kv_pages_in_use",
		Help: "Pages currently allocated to sessions",
	})

	KVPageAllocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_kv_page_allocs_total",
		Help: "Total page allocations",
	})

	KVPageFrees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_kv_page_frees_total",
		Help: "Total page frees",
	})

	KVAllocStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_kv_alloc_stalls_total",
		Help: "Allocations that waited for pages under backpressure",
	})

	KVAllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_kv_alloc_failures_total",
		Help: "Allocations refused because the pool was exhausted",
	})

	// ===== Resident block cache =====

	BlocksResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_blocks_resident",
		Help: "Decrypted blocks currently resident",
	})

	BlockBytesResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_block_bytes_resident",
		Help: "Bytes of decrypted block payload resident",
	})

	BlockLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_block_loads_total",
		Help: "Block fetch+verify+decrypt operations",
	})

	BlockLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbalest_block_load_duration_seconds",
		Help:    "Time to bring a block resident",
		Buckets: prometheus.DefBuckets,
	})

	BlockEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_block_evictions_total",
		Help: "Resident blocks evicted under memory pressure",
	})

	BlockIntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_block_integrity_failures_total",
		Help: "Blocks whose ciphertext hash did not match the manifest",
	})

	BlockDecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_block_decrypt_failures_total",
		Help: "Blocks that failed AEAD open",
	})

	// ===== Worker pool / tasks =====

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbalest_tasks_dispatched_total",
		Help: "Tasks dispatched to workers",
	}, []string{"device"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_task_retries_total",
		Help: "Tasks retried on a fallback device",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbalest_task_duration_seconds",
		Help:    "Forward pass duration per device kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbalest_batch_size",
		Help:    "Tasks coalesced per dispatch",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})

	WorkersOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_workers_offline",
		Help: "Workers currently marked offline",
	})

	// ===== Sessions =====

	SessionsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_sessions_admitted_total",
		Help: "Sessions accepted by admission control",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_sessions_rejected_total",
		Help: "Sessions refused under backpressure",
	})

	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_sessions_completed_total",
		Help: "Sessions that finished generation",
	})

	SessionsAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbalest_sessions_aborted_total",
		Help: "Sessions aborted, by reason",
	}, []string{"reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_sessions_active",
		Help: "Sessions currently generating",
	})

	TokensEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_tokens_emitted_total",
		Help: "Tokens handed to the transport sink",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbalest_step_duration_seconds",
		Help:    "Full pipeline traversal time per generation step",
		Buckets: prometheus.DefBuckets,
	})
)

func RecordPagePool(capacity, inUse int) {
	KVPagesCapacity.Set(float64(capacity))
	KVPagesInUse.Set(float64(inUse))
}

func RecordBlockResidency(count int, bytes int64) {
	BlocksResident.Set(float64(count))
	BlockBytesResident.Set(float64(bytes))
}

func RecordBlockLoad(d time.Duration) {
	BlockLoads.Inc()
	BlockLoadDuration.Observe(d.Seconds())
}

func RecordTask(device string, d time.Duration) {
	TasksDispatched.WithLabelValues(device).Inc()
	TaskDuration.WithLabelValues(device).Observe(d.Seconds())
}

func RecordStep(d time.Duration) {
	StepDuration.Observe(d.Seconds())
}

func RecordAbort(reason string) {
	SessionsAborted.WithLabelValues(reason).Inc()
}
