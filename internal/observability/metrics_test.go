package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/peer/internal/observability"
)

func setupTestMeter(t *testing.T) (*observability.REDMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	red, err := observability.NewREDMetrics(meter)
	require.NoError(t, err)

	return red, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)

	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for idx := range rm.ScopeMetrics {
		for midx := range rm.ScopeMetrics[idx].Metrics {
			if rm.ScopeMetrics[idx].Metrics[midx].Name == name {
				return &rm.ScopeMetrics[idx].Metrics[midx]
			}
		}
	}

	return nil
}

func TestREDMetrics_RecordRequest(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordRequest(ctx, "webhook", "ok", time.Millisecond*100)

	rm := collectMetrics(t, reader)

	reqTotal := findMetric(rm, "peer.requests.total")
	require.NotNil(t, reqTotal, "peer.requests.total metric not found")

	reqDuration := findMetric(rm, "peer.request.duration.seconds")
	require.NotNil(t, reqDuration, "peer.request.duration.seconds metric not found")
}

func TestREDMetrics_RecordRequestError(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordRequest(ctx, "api.runs", "error", time.Second)

	rm := collectMetrics(t, reader)

	errTotal := findMetric(rm, "peer.errors.total")
	require.NotNil(t, errTotal, "peer.errors.total metric not found")
}

func TestREDMetrics_TrackInflight(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	done := red.TrackInflight(ctx, "webhook")

	rm := collectMetrics(t, reader)

	inflight := findMetric(rm, "peer.inflight.requests")
	require.NotNil(t, inflight, "peer.inflight.requests metric not found")

	done()

	rm = collectMetrics(t, reader)
	inflight = findMetric(rm, "peer.inflight.requests")
	require.NotNil(t, inflight)
}

func TestREDMetrics_RecordJob(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordJob(ctx, "analyze", "ok", time.Second)

	rm := collectMetrics(t, reader)

	jobs := findMetric(rm, "peer.queue.jobs.total")
	require.NotNil(t, jobs, "peer.queue.jobs.total metric not found")

	// Job durations share the request histogram under a queue.* op.
	duration := findMetric(rm, "peer.request.duration.seconds")
	require.NotNil(t, duration)
}

func TestREDMetrics_RecordFindings(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordFindings(ctx, map[string]int{"critical": 1, "low": 3})

	rm := collectMetrics(t, reader)

	findings := findMetric(rm, "peer.findings.total")
	require.NotNil(t, findings, "peer.findings.total metric not found")

	sum, ok := findings.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}

	assert.Equal(t, int64(4), total)
}

func TestREDMetrics_ProviderAndCacheCounters(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordProviderCall(ctx, "groq", "ok")
	red.RecordCacheHit(ctx)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "peer.llm.provider.calls.total"))
	require.NotNil(t, findMetric(rm, "peer.llm.cache.hits.total"))
}

func TestREDMetrics_HistogramBuckets(t *testing.T) {
	t.Parallel()

	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordRequest(ctx, "webhook", "ok", time.Second)

	rm := collectMetrics(t, reader)

	reqDuration := findMetric(rm, "peer.request.duration.seconds")
	require.NotNil(t, reqDuration)

	hist, ok := reqDuration.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram data type")
	require.NotEmpty(t, hist.DataPoints)

	bounds := hist.DataPoints[0].Bounds

	// Boundaries span webhook handling (ms) up to long apply jobs (minutes).
	expectedBounds := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	assert.Equal(t, expectedBounds, bounds, "histogram should use custom bucket boundaries")
}

func TestNewREDMetrics_WithNoopMeter(t *testing.T) {
	t.Parallel()

	red, err := observability.NewREDMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotNil(t, red)

	// Should not panic on recording.
	red.RecordRequest(context.Background(), "test", "ok", time.Millisecond)
}
