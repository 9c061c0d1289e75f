package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	DatasetKey string `json:"dataset_key"`
	Status     string `json:"status"`
}

type captureSink struct {
	mu      sync.Mutex
	entries []entry
	failErr error
	block   chan struct{}
}

func (c *captureSink) sink(ctx context.Context, e entry) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureSink) got() []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entry(nil), c.entries...)
}

func TestSyncRecorderSwallowsSinkErrors(t *testing.T) {
	sink := &captureSink{failErr: errors.New("db down")}
	rec := NewSyncRecorder[entry]("repair_logs", sink.sink, zerolog.Nop())

	require.NotPanics(t, func() {
		rec.Record(context.Background(), entry{DatasetKey: "000001.SZ"})
	})
	assert.Empty(t, sink.got())

	sink.failErr = nil
	rec.Record(context.Background(), entry{DatasetKey: "000001.SZ", Status: "success"})
	assert.Equal(t, []entry{{DatasetKey: "000001.SZ", Status: "success"}}, sink.got())
}

func TestAsyncRecorderDeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	rec := NewAsyncRecorder[entry]("update_logs", sink.sink, 16, zerolog.Nop())
	rec.Start()

	for _, status := range []string{"success", "no_changes", "failed"} {
		rec.Record(context.Background(), entry{DatasetKey: "k", Status: status})
	}
	require.NoError(t, rec.Close())

	got := sink.got()
	require.Len(t, got, 3)
	assert.Equal(t, "success", got[0].Status)
	assert.Equal(t, "failed", got[2].Status)

	written, dropped := rec.Stats()
	assert.Equal(t, int64(3), written)
	assert.Zero(t, dropped)
}

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	rec := NewAsyncRecorder[entry]("update_logs", sink.sink, 1, zerolog.Nop())
	rec.Start()

	// One entry is held by the blocked sink, one fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		rec.Record(context.Background(), entry{Status: "success"})
	}
	close(sink.block)
	require.NoError(t, rec.Close())

	written, dropped := rec.Stats()
	assert.Equal(t, int64(10), written+dropped)
	assert.GreaterOrEqual(t, dropped, int64(8))
	assert.Len(t, sink.got(), int(written))
}

func TestAsyncRecorderAfterCloseDrops(t *testing.T) {
	sink := &captureSink{}
	rec := NewAsyncRecorder[entry]("repair_logs", sink.sink, 4, zerolog.Nop())
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	rec.Record(context.Background(), entry{Status: "late"})
	_, dropped := rec.Stats()
	assert.Equal(t, int64(1), dropped)
	assert.Empty(t, sink.got())
}

func TestAsyncRecorderDrainsWithoutStart(t *testing.T) {
	sink := &captureSink{}
	rec := NewAsyncRecorder[entry]("repair_logs", sink.sink, 4, zerolog.Nop())
	rec.Record(context.Background(), entry{Status: "queued"})

	require.NoError(t, rec.Close())
	assert.Equal(t, []entry{{Status: "queued"}}, sink.got())
}

func TestAsyncRecorderSurvivesCancelledContext(t *testing.T) {
	var seenErr error
	done := make(chan struct{})
	rec := NewAsyncRecorder[entry]("update_logs", func(ctx context.Context, e entry) error {
		seenErr = ctx.Err()
		close(done)
		return nil
	}, 4, zerolog.Nop())
	rec.Start()

	ctx, cancel := context.WithCancel(context.Background())
	rec.Record(ctx, entry{Status: "success"})
	cancel()
	<-done
	require.NoError(t, rec.Close())
	assert.NoError(t, seenErr)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink[entry](zerolog.New(&buf))

	require.NoError(t, sink(context.Background(), entry{DatasetKey: "000001.SZ", Status: "success"}))
	out := buf.String()
	assert.True(t, strings.Contains(out, `"audit":{"dataset_key":"000001.SZ","status":"success"}`), out)
}
