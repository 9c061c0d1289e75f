package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sujun1972/stock-analysis-sub000/internal/config"
)

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracingRejectsBadConfig(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true, SampleRate: 1.5}, "test")
	require.Error(t, err)

	_, err = InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin", ServiceName: "x", SampleRate: 1}, "test")
	require.ErrorContains(t, err, "unsupported exporter")
}

func TestInitTracingNoneExporterRecordsSpans(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, config.TracingConfig{Enabled: true, Exporter: "none", ServiceName: "datavc-test", SampleRate: 1}, "test")
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(ctx)) }()

	_, span := GetTracer("test").Start(ctx, "unit")
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.IsRecording())
	span.End()
}

func TestNewSampler(t *testing.T) {
	require.Contains(t, newSampler(1).Description(), "AlwaysOn")
	require.Contains(t, newSampler(0).Description(), "AlwaysOff")
	require.Contains(t, newSampler(0.5).Description(), "TraceIDRatioBased")
}
