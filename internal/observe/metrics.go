// Package observe holds the OpenTelemetry metric instruments used by the voice
// bus and the concierge server, plus the Prometheus exporter bridge that
// serves them on /metrics.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/satriahrh/wellvoice"

// Metrics holds every instrument. The OTel types do their own locking.
type Metrics struct {
	// Enqueued counts chunks accepted by the bus.
	Enqueued metric.Int64Counter

	// Delivered counts chunks acknowledged by the streaming endpoint.
	Delivered metric.Int64Counter

	// DeliveryFailures counts failed delivery attempts. Attribute "reason".
	DeliveryFailures metric.Int64Counter

	// Dropped counts chunks removed without delivery. Attribute "reason":
	// retry_ceiling, coalesced, cleared.
	Dropped metric.Int64Counter

	// Evicted counts persisted chunks discarded for age on load.
	Evicted metric.Int64Counter

	// DeliveryDuration tracks the latency of one endpoint call.
	DeliveryDuration metric.Float64Histogram

	// QueueDepth is the number of chunks waiting for delivery.
	QueueDepth metric.Int64Gauge

	// ConciergeRequests counts stream requests handled by the server.
	// Attributes "transport" and "status".
	ConciergeRequests metric.Int64Counter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Enqueued, err = m.Int64Counter("wellvoice.bus.enqueued",
		metric.WithDescription("Audio chunks accepted by the voice bus."),
	); err != nil {
		return nil, err
	}
	if met.Delivered, err = m.Int64Counter("wellvoice.bus.delivered",
		metric.WithDescription("Audio chunks acknowledged by the streaming endpoint."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryFailures, err = m.Int64Counter("wellvoice.bus.delivery_failures",
		metric.WithDescription("Failed delivery attempts."),
	); err != nil {
		return nil, err
	}
	if met.Dropped, err = m.Int64Counter("wellvoice.bus.dropped",
		metric.WithDescription("Audio chunks discarded without delivery."),
	); err != nil {
		return nil, err
	}
	if met.Evicted, err = m.Int64Counter("wellvoice.bus.evicted",
		metric.WithDescription("Persisted audio chunks evicted for age on load."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("wellvoice.bus.delivery.duration",
		metric.WithDescription("Latency of one streaming endpoint call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("wellvoice.bus.queue_depth",
		metric.WithDescription("Audio chunks waiting for delivery."),
	); err != nil {
		return nil, err
	}
	if met.ConciergeRequests, err = m.Int64Counter("wellvoice.concierge.requests",
		metric.WithDescription("Stream requests handled by the concierge."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance bound to the global meter
// provider. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDeliveryFailure increments the failure counter with a reason.
func (m *Metrics) RecordDeliveryFailure(ctx context.Context, reason string) {
	m.DeliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDropped increments the dropped counter by n with a reason.
func (m *Metrics) RecordDropped(ctx context.Context, n int, reason string) {
	if n <= 0 {
		return
	}
	m.Dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConciergeRequest counts one handled stream request.
func (m *Metrics) RecordConciergeRequest(ctx context.Context, transport, status string) {
	m.ConciergeRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}
