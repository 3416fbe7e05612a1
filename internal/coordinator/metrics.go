package coordinator

import (
	"context"

	"github.com/Tyrowin/roomrelay/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Tyrowin/roomrelay/coordinator"

type metrics struct {
	joins           metric.Int64Counter
	leaves          metric.Int64Counter
	deliveries      metric.Int64Counter
	publishFailures metric.Int64Counter
}

// newMetrics registers the coordinator instruments. Instrument errors leave
// a no-op instrument in place, so they are ignored.
func newMetrics(mp metric.MeterProvider, reg *registry.Registry) *metrics {
	meter := mp.Meter(meterName)

	joins, _ := meter.Int64Counter("relay_joins_total",
		metric.WithDescription("Room joins handled by this instance, by result"))
	leaves, _ := meter.Int64Counter("relay_leaves_total",
		metric.WithDescription("Room leaves handled by this instance"))
	deliveries, _ := meter.Int64Counter("relay_local_deliveries_total",
		metric.WithDescription("Envelopes delivered to local sockets"))
	publishFailures, _ := meter.Int64Counter("relay_publish_failures_total",
		metric.WithDescription("Broadcasts that could not be published to the bus"))
	connections, _ := meter.Int64ObservableGauge("relay_local_members",
		metric.WithDescription("Users joined to a room on this instance"))
	rooms, _ := meter.Int64ObservableGauge("relay_local_rooms",
		metric.WithDescription("Rooms with at least one member on this instance"))

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connections, int64(reg.Len()))
		o.ObserveInt64(rooms, int64(len(reg.Rooms())))
		return nil
	}, connections, rooms)

	return &metrics{
		joins:           joins,
		leaves:          leaves,
		deliveries:      deliveries,
		publishFailures: publishFailures,
	}
}

func (m *metrics) recordJoin(ctx context.Context, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) recordLeave(ctx context.Context) {
	m.leaves.Add(ctx, 1)
}

func (m *metrics) recordDeliveries(n int) {
	if n > 0 {
		m.deliveries.Add(context.Background(), int64(n))
	}
}

func (m *metrics) recordPublishFailure(ctx context.Context) {
	m.publishFailures.Add(ctx, 1)
}
