// Package audit records history entries (repair logs, update logs) on a
// best-effort, at-most-once basis. A failing or saturated sink never fails
// the operation that produced the entry.
package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sujun1972/stock-analysis-sub000/internal/metrics"
)

// DefaultBufferSize is the queue length of an AsyncRecorder.
const DefaultBufferSize = 256

// Sink persists a single entry.
type Sink[T any] func(ctx context.Context, entry T) error

// Recorder accepts entries without reporting failure to the caller.
type Recorder[T any] interface {
	Record(ctx context.Context, entry T)
}

// LogSink writes entries to logger under the "audit" key.
func LogSink[T any](logger zerolog.Logger) Sink[T] {
	return func(_ context.Context, entry T) error {
		logger.Info().Interface("audit", entry).Msg("audit entry")
		return nil
	}
}

// SyncRecorder calls the sink inline and swallows its error.
type SyncRecorder[T any] struct {
	stream string
	sink   Sink[T]
	logger zerolog.Logger
}

// NewSyncRecorder returns a recorder for short-lived processes and tests.
func NewSyncRecorder[T any](stream string, sink Sink[T], logger zerolog.Logger) *SyncRecorder[T] {
	return &SyncRecorder[T]{
		stream: stream,
		sink:   sink,
		logger: logger.With().Str("component", "audit").Str("stream", stream).Logger(),
	}
}

// Record writes entry through the sink. Errors are logged and counted.
func (r *SyncRecorder[T]) Record(ctx context.Context, entry T) {
	if err := r.sink(ctx, entry); err != nil {
		metrics.AuditDropped.WithLabelValues(r.stream, "sink_error").Inc()
		r.logger.Warn().Err(err).Msg("audit entry dropped")
	}
}

type queued[T any] struct {
	ctx   context.Context
	entry T
}

// AsyncRecorder queues entries on a bounded buffer drained by one goroutine.
// Entries are dropped when the buffer is full or the recorder is closed.
type AsyncRecorder[T any] struct {
	stream string
	sink   Sink[T]
	logger zerolog.Logger

	queue    chan queued[T]
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	start    sync.Once
	shutdown sync.Once

	written atomic.Int64
	dropped atomic.Int64
}

// NewAsyncRecorder creates a recorder with the given buffer size.
// Call Start to begin draining.
func NewAsyncRecorder[T any](stream string, sink Sink[T], bufferSize int, logger zerolog.Logger) *AsyncRecorder[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &AsyncRecorder[T]{
		stream: stream,
		sink:   sink,
		queue:  make(chan queued[T], bufferSize),
		logger: logger.With().Str("component", "audit").Str("stream", stream).Logger(),
	}
}

// Start launches the drain goroutine. Subsequent calls are no-ops.
func (r *AsyncRecorder[T]) Start() {
	r.start.Do(func() {
		r.wg.Add(1)
		go r.drain()
	})
}

// Record enqueues entry. It never blocks.
func (r *AsyncRecorder[T]) Record(ctx context.Context, entry T) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop("closed")
		return
	}
	select {
	case r.queue <- queued[T]{ctx: context.WithoutCancel(ctx), entry: entry}:
	default:
		r.drop("buffer_full")
	}
}

func (r *AsyncRecorder[T]) drop(reason string) {
	r.dropped.Add(1)
	metrics.AuditDropped.WithLabelValues(r.stream, reason).Inc()
	r.logger.Debug().Str("reason", reason).Msg("audit entry dropped")
}

func (r *AsyncRecorder[T]) drain() {
	defer r.wg.Done()
	for q := range r.queue {
		if err := r.sink(q.ctx, q.entry); err != nil {
			r.dropped.Add(1)
			metrics.AuditDropped.WithLabelValues(r.stream, "sink_error").Inc()
			r.logger.Warn().Err(err).Msg("audit sink failed")
			continue
		}
		r.written.Add(1)
	}
}

// Close stops accepting entries and waits for queued entries to drain.
// If Start was never called the queue is drained inline.
func (r *AsyncRecorder[T]) Close() error {
	r.shutdown.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()

		r.start.Do(func() {
			r.wg.Add(1)
			r.drain()
		})
		r.wg.Wait()
		r.logger.Debug().Int64("written", r.written.Load()).Int64("dropped", r.dropped.Load()).Msg("audit recorder closed")
	})
	return nil
}

// Stats returns the number of entries written and dropped so far.
func (r *AsyncRecorder[T]) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

var (
	_ Recorder[struct{}] = (*SyncRecorder[struct{}])(nil)
	_ Recorder[struct{}] = (*AsyncRecorder[struct{}])(nil)
)
