package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/riverqueue/river/rivertype"
)

func TestInit(t *testing.T) {
	Init("v1.0.0", "abc123", "2026-01-30")

	if testutil.CollectAndCount(AppInfo) == 0 {
		t.Error("AppInfo metric should be registered")
	}
}

func TestHTTPMiddlewareStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"OK", http.StatusOK},
		{"Not Found", http.StatusNotFound},
		{"Internal Server Error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			wrapped := HTTPMiddleware(handler)
			req := httptest.NewRequest("GET", "/metrics", nil)
			rec := httptest.NewRecorder()

			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, rec.Code)
			}
		})
	}

	if testutil.CollectAndCount(HTTPRequestsTotal) == 0 {
		t.Error("HTTPRequestsTotal should have recorded at least one request")
	}
}

func TestPoolCollectorLabelsEachPool(t *testing.T) {
	collector := NewPoolCollector(map[string]PoolSource{
		"datasets": func() PoolStats { return PoolStats{Open: 4, InUse: 1, Idle: 3, Max: 10, WaitCount: 2} },
		"jobs":     PgxPool(nil),
		"skipped":  nil,
	})
	collector.Sample()

	if got := testutil.ToFloat64(DBConnectionsOpen.WithLabelValues("datasets")); got != 4 {
		t.Errorf("datasets open = %v, want 4", got)
	}
	if got := testutil.ToFloat64(DBConnectionsInUse.WithLabelValues("datasets")); got != 1 {
		t.Errorf("datasets in use = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DBAcquireWaits.WithLabelValues("datasets")); got != 2 {
		t.Errorf("datasets waits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(DBConnectionsMaxOpen.WithLabelValues("jobs")); got != 0 {
		t.Errorf("jobs max = %v, want 0", got)
	}
	if _, ok := collector.sources["skipped"]; ok {
		t.Error("nil source should be dropped")
	}
}

func TestPoolCollectorRunStopsWithContext(t *testing.T) {
	samples := make(chan struct{}, 8)
	collector := NewPoolCollector(map[string]PoolSource{
		"datasets": func() PoolStats {
			select {
			case samples <- struct{}{}:
			default:
			}
			return PoolStats{}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Run(ctx, time.Hour)
		close(done)
	}()

	<-samples
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRecordQuery(t *testing.T) {
	start := time.Now()
	RecordQuery("test_select", start, nil)

	if testutil.CollectAndCount(DBQueryDuration) == 0 {
		t.Error("DBQueryDuration should have recorded at least one query")
	}

	start = time.Now()
	RecordQuery("test_failed", start, context.Canceled)

	if got := testutil.ToFloat64(DBErrors.WithLabelValues("test_failed", "canceled")); got != 1 {
		t.Errorf("Expected 1 canceled error, got %v", got)
	}
}

func TestResponseWriterDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec}

	content := []byte("Hello, World!")
	_, _ = rw.Write(content)

	if rw.statusCode != http.StatusOK {
		t.Errorf("Expected status code 200, got %d", rw.statusCode)
	}
	if rw.bytesWritten != len(content) {
		t.Errorf("Expected %d bytes written, got %d", len(content), rw.bytesWritten)
	}
}

func TestRiverMetricsHookTracksDuration(t *testing.T) {
	hook := NewRiverMetricsHook("worker")
	ctx := context.Background()

	job := riverJob(42, "version_retention")
	if err := hook.WorkBegin(ctx, job); err != nil {
		t.Fatalf("WorkBegin: %v", err)
	}
	if err := hook.WorkEnd(ctx, job, nil); err != nil {
		t.Fatalf("WorkEnd: %v", err)
	}

	got := testutil.ToFloat64(RiverJobsCompleted.WithLabelValues("version_retention", "worker", "success"))
	if got < 1 {
		t.Errorf("Expected a completed job to be recorded, got %v", got)
	}
	if n := len(hook.startTime); n != 0 {
		t.Errorf("Expected start times to be cleaned up, %d left", n)
	}
}

func riverJob(id int64, kind string) *rivertype.JobRow {
	return &rivertype.JobRow{ID: id, Kind: kind}
}
