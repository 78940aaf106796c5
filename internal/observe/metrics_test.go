package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestMetrics_RecordPlayers(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordPlayers(context.Background(), 4, 2)

	rm := collect(t, reader)
	players, ok := findMetric(rm, "volcano.players")
	if !ok {
		t.Fatal("volcano.players not collected")
	}
	gauge, ok := players.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", players.Data)
	}
	if got := gauge.DataPoints[0].Value; got != 4 {
		t.Errorf("players: got %d, want 4", got)
	}
}

func TestMetrics_RecordCommandAttribute(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordCommand(context.Background(), "play")
	m.RecordCommand(context.Background(), "play")
	m.RecordCommand(context.Background(), "stop")

	rm := collect(t, reader)
	cmds, ok := findMetric(rm, "volcano.commands")
	if !ok {
		t.Fatal("volcano.commands not collected")
	}
	sum, ok := cmds.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", cmds.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("command count: got %d, want 3", total)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordCommand(context.Background(), "play")
	m.RecordPlayers(context.Background(), 1, 1)
	m.RecordLoad(context.Background(), "TRACK_LOADED")
	m.RecordEvent(context.Background(), "TrackStartEvent")
	m.AddConnections(context.Background(), 1)
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/loadtracks", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status: got %d, want 418", rec.Code)
	}

	rm := collect(t, reader)
	if _, ok := findMetric(rm, "volcano.http.request.duration"); !ok {
		t.Error("request duration not collected")
	}
}
