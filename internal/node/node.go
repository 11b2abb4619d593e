// Package node runs the sense/publish/command loop of one ThinkIOT node.
package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LeonardoBeccarini/thinkiot/internal/actuators"
	"github.com/LeonardoBeccarini/thinkiot/internal/command"
	"github.com/LeonardoBeccarini/thinkiot/internal/messaging"
	"github.com/LeonardoBeccarini/thinkiot/internal/netlink"
	"github.com/LeonardoBeccarini/thinkiot/internal/observability"
	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
	"github.com/LeonardoBeccarini/thinkiot/internal/telemetry"
)

const (
	DefaultInterval = 2000 * time.Millisecond
	DefaultTick     = 10 * time.Millisecond
)

// Link is the network association the session runs over.
type Link interface {
	Connect(ctx context.Context) error
	Check(ctx context.Context) netlink.State
	State() netlink.State
}

// Session is the broker session.
type Session interface {
	EnsureConnected(ctx context.Context) error
	PumpEvents(ctx context.Context, wait time.Duration) (messaging.Message, bool)
	Publish(topic, value string)
	Connected() bool
	Close()
}

// Deps is everything a Node drives. Sink, Metrics, Status and Logger are
// optional.
type Deps struct {
	Reader  *sensors.Reader
	Bank    *actuators.Bank
	Link    Link
	Session Session
	Topics  command.Topics
	Sink    telemetry.Sink
	Metrics *observability.Metrics
	Status  *observability.Status
	Logger  *slog.Logger

	// Interval between sample bursts; Tick is the longest a step waits for
	// an inbound message.
	Interval time.Duration
	Tick     time.Duration
	// Now is the monotonic clock; nil means time.Now.
	Now func() time.Time
}

type Node struct {
	reader   *sensors.Reader
	bank     *actuators.Bank
	link     Link
	session  Session
	topics   command.Topics
	sink     telemetry.Sink
	metrics  *observability.Metrics
	status   *observability.Status
	logger   *slog.Logger
	interval time.Duration
	tick     time.Duration
	now      func() time.Time

	lastSample time.Time
}

func New(d Deps) *Node {
	n := &Node{
		reader:   d.Reader,
		bank:     d.Bank,
		link:     d.Link,
		session:  d.Session,
		topics:   d.Topics,
		sink:     d.Sink,
		metrics:  d.Metrics,
		status:   d.Status,
		logger:   d.Logger,
		interval: d.Interval,
		tick:     d.Tick,
		now:      d.Now,
	}
	if n.sink == nil {
		n.sink = telemetry.NopSink{}
	}
	if n.metrics == nil {
		n.metrics = observability.NewMetrics()
	}
	if n.status == nil {
		n.status = observability.NewStatus()
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.interval <= 0 {
		n.interval = DefaultInterval
	}
	if n.tick <= 0 {
		n.tick = DefaultTick
	}
	if n.now == nil {
		n.now = time.Now
	}
	n.lastSample = n.now()
	n.status.WatchActuators(n.bank.State)
	return n
}

// Start brings the link up. The sample gate counts from construction, so the
// first burst goes out one interval after boot.
func (n *Node) Start(ctx context.Context) error {
	err := n.link.Connect(ctx)
	n.observeLink()
	return err
}

// Step runs one loop iteration: make sure link and session are up, handle at
// most one inbound message, and publish a sample burst when the interval has
// elapsed.
func (n *Node) Step(ctx context.Context) error {
	if !n.session.Connected() {
		n.status.SetSession(false)
		if n.link.Check(ctx) != netlink.Connected {
			n.logger.Warn("wifi link down, reconnecting")
			err := n.link.Connect(ctx)
			n.observeLink()
			if err != nil {
				return err
			}
		}
		n.observeLink()
		if err := n.session.EnsureConnected(ctx); err != nil {
			return err
		}
	}
	n.status.SetSession(true)

	if msg, ok := n.session.PumpEvents(ctx, n.tick); ok {
		n.dispatch(msg)
	}

	now := n.now()
	if now.Sub(n.lastSample) >= n.interval {
		n.lastSample = now
		n.sampleAndPublish(ctx, now)
	}
	return nil
}

// Run steps until ctx ends or a reconnect budget runs out. It closes the
// session and the sink on the way out.
func (n *Node) Run(ctx context.Context) error {
	defer n.sink.Close()
	defer n.session.Close()

	if err := n.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for {
		if ctx.Err() != nil {
			n.logger.Info("node loop stopped")
			return nil
		}
		if err := n.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (n *Node) dispatch(msg messaging.Message) {
	n.logger.Info("message arrived", "topic", msg.Topic, "payload", string(msg.Payload))
	cmd, err := n.topics.Parse(msg.Topic, msg.Payload)
	if err != nil {
		n.metrics.Commands.WithLabelValues(cmd.Actuator.String(), "ignored").Inc()
		n.logger.Debug("message ignored", "topic", msg.Topic, "error", err)
		return
	}
	if err := n.bank.Apply(cmd); err != nil {
		n.metrics.Commands.WithLabelValues(cmd.Actuator.String(), "failed").Inc()
		n.logger.Warn("command not applied", "command", cmd.String(), "error", err)
		return
	}
	n.metrics.Commands.WithLabelValues(cmd.Actuator.String(), "applied").Inc()
	n.metrics.SetActuator(cmd.Actuator.String(), cmd.On)
}

func (n *Node) sampleAndPublish(ctx context.Context, now time.Time) {
	s := n.reader.Read()
	n.session.Publish(n.topics.Temperature(), sensors.FormatTemperature(s.TemperatureC))
	n.session.Publish(n.topics.Humidity(), sensors.FormatHumidity(s.HumidityPct))
	n.session.Publish(n.topics.Soil(), sensors.FormatRaw(s.Soil))
	n.session.Publish(n.topics.Light(), sensors.FormatRaw(s.Light))
	n.logger.Info("readings published",
		"temperature_c", s.TemperatureC,
		"humidity_pct", s.HumidityPct,
		"soil", s.Soil,
		"light", s.Light)

	n.metrics.Samples.Inc()
	n.status.MarkSample(now)
	if err := n.sink.Write(ctx, s); err != nil {
		n.logger.Warn("telemetry write failed", "error", err)
	}
}

func (n *Node) observeLink() {
	up := n.link.State() == netlink.Connected
	n.status.SetLink(up)
	n.metrics.SetLink(up)
}
