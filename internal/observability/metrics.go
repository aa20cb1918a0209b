// Package observability provides the service-level metric instruments and
// HTTP health endpoints for the Peer pipeline.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "peer.requests.total"
	metricRequestDuration  = "peer.request.duration.seconds"
	metricErrorsTotal      = "peer.errors.total"
	metricInflightRequests = "peer.inflight.requests"

	metricJobsTotal      = "peer.queue.jobs.total"
	metricFindingsTotal  = "peer.findings.total"
	metricProviderCalls  = "peer.llm.provider.calls.total"
	metricCacheHitsTotal = "peer.llm.cache.hits.total"

	attrOp       = "op"
	attrStatus   = "status"
	attrQueue    = "queue"
	attrSeverity = "severity"
	attrProvider = "provider"

	statusError = "error"
)

// durationBucketBoundaries covers 10ms to 600s: webhook handling is
// sub-second, a full analyze or apply job can take minutes on large PRs.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// REDMetrics holds the OTel instruments for Rate, Error, Duration metrics
// plus the pipeline-specific counters (queue jobs, findings, provider calls).
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter

	jobsTotal      metric.Int64Counter
	findingsTotal  metric.Int64Counter
	providerCalls  metric.Int64Counter
	cacheHitsTotal metric.Int64Counter
}

// NewREDMetrics creates all metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	b := newMetricBuilder(mt)

	rm := &REDMetrics{
		requestsTotal:    b.counter(metricRequestsTotal, "Total number of requests", "{request}"),
		requestDuration:  b.histogram(metricRequestDuration, "Request duration in seconds", "s", durationBucketBoundaries),
		errorsTotal:      b.counter(metricErrorsTotal, "Total number of errors", "{error}"),
		inflightRequests: b.upDownCounter(metricInflightRequests, "Number of in-flight requests", "{request}"),
		jobsTotal:        b.counter(metricJobsTotal, "Queue jobs processed by queue and status", "{job}"),
		findingsTotal:    b.counter(metricFindingsTotal, "Findings produced by severity", "{finding}"),
		providerCalls:    b.counter(metricProviderCalls, "LLM provider calls by provider and status", "{call}"),
		cacheHitsTotal:   b.counter(metricCacheHitsTotal, "LLM cache hits", "{hit}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordRequest records a completed request with its operation, status, and duration.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrStatus, status),
	)

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status == statusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrOp, op),
		))
	}
}

// TrackInflight increments the in-flight gauge and returns a function to decrement it.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

// RecordJob records a processed queue job with its final status.
func (rm *REDMetrics) RecordJob(ctx context.Context, queue, status string, duration time.Duration) {
	rm.jobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrQueue, queue),
		attribute.String(attrStatus, status),
	))
	rm.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrOp, "queue."+queue),
		attribute.String(attrStatus, status),
	))
}

// RecordFindings records produced findings grouped by severity.
func (rm *REDMetrics) RecordFindings(ctx context.Context, bySeverity map[string]int) {
	for severity, count := range bySeverity {
		rm.findingsTotal.Add(ctx, int64(count), metric.WithAttributes(
			attribute.String(attrSeverity, severity),
		))
	}
}

// RecordProviderCall records one LLM provider invocation.
func (rm *REDMetrics) RecordProviderCall(ctx context.Context, provider, status string) {
	rm.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrProvider, provider),
		attribute.String(attrStatus, status),
	))
}

// RecordCacheHit records one LLM cache hit.
func (rm *REDMetrics) RecordCacheHit(ctx context.Context) {
	rm.cacheHitsTotal.Add(ctx, 1)
}
