// Package observability exposes the node's metrics and health over HTTP and
// gRPC.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "thinkiot"

type Metrics struct {
	Registry *prometheus.Registry

	Publishes       *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	InboxDropped    prometheus.Counter
	Samples         prometheus.Counter
	SessionUp       prometheus.Gauge
	LinkUp          prometheus.Gauge
	ActuatorOn      *prometheus.GaugeVec
	TelemetryWrites *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry, plus the Go and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "MQTT publishes by topic and result.",
		}, []string{"topic", "result"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands by actuator and result (applied, ignored, failed).",
		}, []string{"actuator", "result"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connect_attempts_total",
			Help:      "Broker connection attempts by result.",
		}, []string{"result"}),
		InboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_dropped_total",
			Help:      "Inbound messages dropped because the inbox was full.",
		}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_cycles_total",
			Help:      "Completed read and publish cycles.",
		}),
		SessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_up",
			Help:      "1 while the broker session is connected.",
		}),
		LinkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_up",
			Help:      "1 while the network link is connected.",
		}),
		ActuatorOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actuator_on",
			Help:      "Last applied actuator state, 1 for on or servo open.",
		}, []string{"actuator"}),
		TelemetryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_writes_total",
			Help:      "InfluxDB point writes by result (ok, error, rejected).",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.Publishes, m.Commands, m.ConnectAttempts, m.InboxDropped, m.Samples,
		m.SessionUp, m.LinkUp, m.ActuatorOn, m.TelemetryWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

func (m *Metrics) SetSession(up bool) { boolGauge(m.SessionUp, up) }
func (m *Metrics) SetLink(up bool)    { boolGauge(m.LinkUp, up) }

func (m *Metrics) SetActuator(name string, on bool) {
	boolGauge(m.ActuatorOn.WithLabelValues(name), on)
}
