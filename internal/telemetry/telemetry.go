// Package telemetry mirrors every sample burst to an optional InfluxDB bucket.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/thinkiot/internal/observability"
	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
)

const Measurement = "environment"

// Sink receives each sample burst after it has been published.
type Sink interface {
	Write(ctx context.Context, s sensors.Sample) error
	Close()
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Write(context.Context, sensors.Sample) error { return nil }
func (NopSink) Close()                                      {}

// PointWriter is the part of api.WriteAPIBlocking the sink needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Options struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
	// Breaker opens after this many consecutive failed writes.
	BreakerFailures int
	// BreakerOpen is how long the breaker rejects writes before probing.
	BreakerOpen time.Duration
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerOpen <= 0 {
		o.BreakerOpen = 30 * time.Second
	}
}

type InfluxSink struct {
	w       PointWriter
	nodeID  string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	close   func()
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Open connects a blocking write API to opts.URL.
func Open(opts Options, nodeID string, metrics *observability.Metrics, logger *slog.Logger) *InfluxSink {
	opts.defaults()
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(math.Ceil(opts.Timeout.Seconds()))))
	s := NewInfluxSink(client.WriteAPIBlocking(opts.Org, opts.Bucket), nodeID, opts, metrics, logger)
	s.close = client.Close
	return s
}

func NewInfluxSink(w PointWriter, nodeID string, opts Options, metrics *observability.Metrics, logger *slog.Logger) *InfluxSink {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	s := &InfluxSink{
		w:       w,
		nodeID:  nodeID,
		timeout: opts.Timeout,
		metrics: metrics,
		logger:  logger,
	}
	fails := uint32(opts.BreakerFailures)
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influx",
		Timeout: opts.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Write stores one point per sample. While the breaker is open the write is
// rejected at once.
func (s *InfluxSink) Write(ctx context.Context, sample sensors.Sample) error {
	p := SampleToPoint(s.nodeID, sample)
	if p == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return nil, s.w.WritePoint(wctx, p)
	})
	switch {
	case err == nil:
		s.metrics.TelemetryWrites.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.metrics.TelemetryWrites.WithLabelValues("rejected").Inc()
	default:
		s.metrics.TelemetryWrites.WithLabelValues("error").Inc()
	}
	return fmt.Errorf("influx write: %w", err)
}

func (s *InfluxSink) State() gobreaker.State {
	return s.cb.State()
}

func (s *InfluxSink) Close() {
	if s.close != nil {
		s.close()
	}
}

// SampleToPoint maps a burst to an environment point tagged with the node id.
// Failed reads are left out; nil means nothing was read.
func SampleToPoint(nodeID string, s sensors.Sample) *write.Point {
	fields := map[string]interface{}{}
	if !math.IsNaN(s.TemperatureC) {
		fields["temperature_c"] = s.TemperatureC
	}
	if !math.IsNaN(s.HumidityPct) {
		fields["humidity_pct"] = s.HumidityPct
	}
	if s.Soil != sensors.SentinelRaw {
		fields["soil_raw"] = int64(s.Soil)
	}
	if s.Light != sensors.SentinelRaw {
		fields["light_raw"] = int64(s.Light)
	}
	if len(fields) == 0 {
		return nil
	}
	t := s.Timestamp
	if t.IsZero() {
		t = time.Now()
	}
	return influxdb2.NewPoint(Measurement, map[string]string{"node_id": nodeID}, fields, t)
}
