package otelhelper

import (
	"go.opentelemetry.io/otel/metric"
)

// Default latency buckets tuned for request/reply handlers: sub-millisecond
// through a few seconds.
var durationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewDurationHistogram creates a Float64Histogram in seconds with explicit
// bucket boundaries suitable for NATS request handling latencies.
func NewDurationHistogram(meter metric.Meter, name, description string) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
}
