package telemetry

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/thinkiot/internal/observability"
	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
)

type fakeWriter struct {
	err    error
	calls  int
	points []*write.Point
}

func (f *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p...)
	return nil
}

var sampleTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSampleToPointLayout(t *testing.T) {
	p := SampleToPoint("node-1", sensors.Sample{
		TemperatureC: 21.5,
		HumidityPct:  48,
		Soil:         2710,
		Light:        512,
		Timestamp:    sampleTime,
	})
	line := write.PointToLineProtocol(p, time.Nanosecond)
	for _, want := range []string{
		"environment,node_id=node-1 ",
		"temperature_c=21.5",
		"humidity_pct=48",
		"soil_raw=2710i",
		"light_raw=512i",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(line), " 1717243200000000000") {
		t.Errorf("line %q has wrong timestamp", line)
	}
}

func TestSampleToPointSkipsFailedReads(t *testing.T) {
	p := SampleToPoint("node-1", sensors.Sample{
		TemperatureC: math.NaN(),
		HumidityPct:  math.NaN(),
		Soil:         1900,
		Light:        sensors.SentinelRaw,
		Timestamp:    sampleTime,
	})
	line := write.PointToLineProtocol(p, time.Nanosecond)
	if strings.Contains(line, "temperature_c") || strings.Contains(line, "light_raw") {
		t.Fatalf("failed reads leaked into %q", line)
	}
	if !strings.Contains(line, "soil_raw=1900i") {
		t.Fatalf("soil missing from %q", line)
	}

	empty := SampleToPoint("node-1", sensors.Sample{
		TemperatureC: math.NaN(),
		HumidityPct:  math.NaN(),
		Soil:         sensors.SentinelRaw,
		Light:        sensors.SentinelRaw,
	})
	if empty != nil {
		t.Fatalf("expected no point when every read failed")
	}
}

func TestInfluxSinkWrites(t *testing.T) {
	w := &fakeWriter{}
	m := observability.NewMetrics()
	s := NewInfluxSink(w, "node-1", Options{}, m, nil)
	if err := s.Write(context.Background(), sensors.Sample{TemperatureC: 20, HumidityPct: 50, Soil: 1, Light: 2, Timestamp: sampleTime}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(w.points) != 1 {
		t.Fatalf("points = %d", len(w.points))
	}
	if got := testutil.ToFloat64(m.TelemetryWrites.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok writes = %v", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	m := observability.NewMetrics()
	s := NewInfluxSink(w, "node-1", Options{BreakerFailures: 3, BreakerOpen: time.Hour}, m, nil)
	sample := sensors.Sample{TemperatureC: 20, HumidityPct: 50, Soil: 1, Light: 2, Timestamp: sampleTime}

	for i := 0; i < 3; i++ {
		if err := s.Write(context.Background(), sample); err == nil {
			t.Fatalf("write %d: expected error", i)
		}
	}
	if s.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", s.State())
	}

	err := s.Write(context.Background(), sample)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-state rejection, got %v", err)
	}
	if w.calls != 3 {
		t.Fatalf("writer called %d times, want 3", w.calls)
	}
	if got := testutil.ToFloat64(m.TelemetryWrites.WithLabelValues("error")); got != 3 {
		t.Fatalf("error writes = %v", got)
	}
	if got := testutil.ToFloat64(m.TelemetryWrites.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected writes = %v", got)
	}
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	if err := s.Write(context.Background(), sensors.Sample{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()
}
