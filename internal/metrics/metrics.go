package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all datavc metrics
const namespace = "datavc"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Fingerprint metrics

// ChecksumDuration tracks full snapshot checksum latency by method and hashing path
var ChecksumDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "checksum_duration_seconds",
		Help:      "Snapshot checksum duration in seconds",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	},
	[]string{"method", "path"}, // path: vectorized|serialized
)

// ChecksumFallbacks counts snapshots hashed through the serialization fallback
var ChecksumFallbacks = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checksum_fallbacks_total",
		Help:      "Total number of checksums computed via the serialization fallback",
	},
)

// IntegrityMismatches counts checksum verification failures by scope
var IntegrityMismatches = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_mismatches_total",
		Help:      "Total number of checksum verification mismatches",
	},
	[]string{"scope"}, // scope: snapshot|chunk
)

// Version store metrics

// VersionsCreated counts committed versions
var VersionsCreated = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "versions_created_total",
		Help:      "Total number of dataset versions committed",
	},
	[]string{"update_type"},
)

// VersionConflicts counts version number collisions that forced a retry
var VersionConflicts = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_number_conflicts_total",
		Help:      "Total number of version number unique-constraint conflicts",
	},
)

// VersionsDeleted counts versions removed by retention cleanup
var VersionsDeleted = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "versions_deleted_total",
		Help:      "Total number of versions deleted by retention cleanup",
	},
)

// Diff metrics

// UpdatesTotal counts ingest cycles by outcome
var UpdatesTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Total number of ingest cycles by update type and status",
	},
	[]string{"update_type", "status"}, // status: success|no_changes|failed
)

// UpdateRows counts classified rows per ingest cycle
var UpdateRows = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "update_rows_total",
		Help:      "Total number of rows classified by the diff engine",
	},
	[]string{"class"}, // class: added|deleted|modified|unchanged
)

// UpdateDuration tracks end-to-end apply latency
var UpdateDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "update_duration_seconds",
		Help:      "Apply duration in seconds",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
	},
	[]string{"update_type"},
)

// ChunkPersistFailures counts chunk checksum writes that failed without aborting a commit
var ChunkPersistFailures = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_persist_failures_total",
		Help:      "Total number of chunk checksum persistence failures",
	},
)

// Repair metrics

// RepairRuns counts repair runs by outcome
var RepairRuns = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repair_runs_total",
		Help:      "Total number of diagnose-and-repair runs",
	},
	[]string{"outcome"}, // outcome: passthrough|repaired|diagnosed
)

// RepairsApplied counts repair categories that changed data
var RepairsApplied = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repairs_applied_total",
		Help:      "Total number of repair categories applied",
	},
	[]string{"category"},
)

// RepairFailures counts repair categories that failed in isolation
var RepairFailures = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repair_failures_total",
		Help:      "Total number of repair category failures",
	},
	[]string{"category"},
)

// AuditDropped counts audit entries dropped because the recorder buffer was full
// or the sink failed
var AuditDropped = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_dropped_total",
		Help:      "Total number of audit entries dropped",
	},
	[]string{"stream", "reason"}, // reason: buffer_full|sink_error|closed
)

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
