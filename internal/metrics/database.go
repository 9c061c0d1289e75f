package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection pool gauges, one series per named pool.
var (
	DBConnectionsOpen = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Open connections per pool",
		},
		[]string{"pool"},
	)

	DBConnectionsInUse = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_in_use",
			Help:      "Acquired connections per pool",
		},
		[]string{"pool"},
	)

	DBConnectionsIdle = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Idle connections per pool",
		},
		[]string{"pool"},
	)

	DBConnectionsMaxOpen = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_max_open",
			Help:      "Configured connection ceiling per pool",
		},
		[]string{"pool"},
	)

	// DBAcquireWaits is the cumulative count of acquires that had to wait
	// for a connection, as reported by the pool.
	DBAcquireWaits = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_acquire_waits",
			Help:      "Acquires that waited because the pool was empty",
		},
		[]string{"pool"},
	)
)

// Query metrics
var (
	// DBQueryDuration records repository query latency by operation.
	DBQueryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)
)

// PoolStats is one sample of a connection pool.
type PoolStats struct {
	Open      int32
	InUse     int32
	Idle      int32
	Max       int32
	WaitCount int64
}

// PoolSource returns the current stats of a pool.
type PoolSource func() PoolStats

// PgxPool samples a pgx pool. A nil pool yields a zero source.
func PgxPool(pool *pgxpool.Pool) PoolSource {
	return func() PoolStats {
		if pool == nil {
			return PoolStats{}
		}
		stat := pool.Stat()
		return PoolStats{
			Open:      stat.TotalConns(),
			InUse:     stat.AcquiredConns(),
			Idle:      stat.IdleConns(),
			Max:       stat.MaxConns(),
			WaitCount: stat.EmptyAcquireCount(),
		}
	}
}

// PoolCollector samples named connection pools into the pool gauges until
// its context ends.
type PoolCollector struct {
	sources map[string]PoolSource
}

// NewPoolCollector returns a collector for sources keyed by pool name.
// Entries with a nil source are skipped.
func NewPoolCollector(sources map[string]PoolSource) *PoolCollector {
	c := &PoolCollector{sources: make(map[string]PoolSource, len(sources))}
	for name, src := range sources {
		if src != nil {
			c.sources[name] = src
		}
	}
	return c
}

// Run samples once, then every interval, until ctx is done.
func (c *PoolCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Sample()
	for {
		select {
		case <-ticker.C:
			c.Sample()
		case <-ctx.Done():
			return
		}
	}
}

// Sample records the current stats of every pool.
func (c *PoolCollector) Sample() {
	for name, src := range c.sources {
		stat := src()
		DBConnectionsOpen.WithLabelValues(name).Set(float64(stat.Open))
		DBConnectionsInUse.WithLabelValues(name).Set(float64(stat.InUse))
		DBConnectionsIdle.WithLabelValues(name).Set(float64(stat.Idle))
		DBConnectionsMaxOpen.WithLabelValues(name).Set(float64(stat.Max))
		DBAcquireWaits.WithLabelValues(name).Set(float64(stat.WaitCount))
	}
}

// RecordQuery records metrics for a database query.
// Call it with defer to capture duration:
//
//	start := time.Now()
//	defer func() { metrics.RecordQuery("insert_version", start, err) }()
func RecordQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBErrors.WithLabelValues(operation, classifyDBError(err)).Inc()
	}
}

func classifyDBError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, pgx.ErrNoRows):
		return "no_rows"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return "unique_violation"
		case "23503":
			return "foreign_key_violation"
		case "40001":
			return "serialization_failure"
		}
		return "pg_" + pgErr.Code
	}
	return "query_error"
}
