// Package observe provides application-wide observability primitives for
// Volcano: OpenTelemetry metrics with a Prometheus exporter bridge, and
// HTTP middleware recording request durations.
//
// A package-level default [Metrics] instance is deliberately absent; tests
// use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Volcano metrics.
const meterName = "github.com/MrWong99/volcano"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Players tracks how many queues exist across all workers.
	Players metric.Int64Gauge

	// PlayingPlayers tracks how many queues are actively playing.
	PlayingPlayers metric.Int64Gauge

	// Connections tracks open client websocket connections.
	Connections metric.Int64UpDownCounter

	// Commands counts inbound control ops. Use with attribute:
	//   attribute.String("op", ...)
	Commands metric.Int64Counter

	// TrackLoads counts /loadtracks resolutions. Use with attribute:
	//   attribute.String("load_type", ...)
	TrackLoads metric.Int64Counter

	// Events counts outbound player events. Use with attribute:
	//   attribute.String("type", ...)
	Events metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// REST surface.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Players, err = m.Int64Gauge("volcano.players",
		metric.WithDescription("Number of queues across all workers.")); err != nil {
		return nil, err
	}
	if met.PlayingPlayers, err = m.Int64Gauge("volcano.players.playing",
		metric.WithDescription("Number of queues actively playing.")); err != nil {
		return nil, err
	}
	if met.Connections, err = m.Int64UpDownCounter("volcano.ws.connections",
		metric.WithDescription("Open client websocket connections.")); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("volcano.commands",
		metric.WithDescription("Inbound control ops received.")); err != nil {
		return nil, err
	}
	if met.TrackLoads, err = m.Int64Counter("volcano.track.loads",
		metric.WithDescription("Track resolutions served by /loadtracks.")); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("volcano.events",
		metric.WithDescription("Player events emitted to clients.")); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("volcano.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordCommand counts one inbound control op.
func (m *Metrics) RecordCommand(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordLoad counts one /loadtracks resolution by outcome.
func (m *Metrics) RecordLoad(ctx context.Context, loadType string) {
	if m == nil {
		return
	}
	m.TrackLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("load_type", loadType)))
}

// RecordEvent counts one outbound player event by type.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordPlayers records the latest queue counts.
func (m *Metrics) RecordPlayers(ctx context.Context, players, playing int) {
	if m == nil {
		return
	}
	m.Players.Record(ctx, int64(players))
	m.PlayingPlayers.Record(ctx, int64(playing))
}

// AddConnections adjusts the open connection gauge.
func (m *Metrics) AddConnections(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, delta)
}
