// Package messaging keeps the node's single broker session: connect and
// reconnect, the Welcome announcement, the command subscriptions and the
// inbox that hands inbound messages to the loop goroutine.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/thinkiot/internal/command"
	"github.com/LeonardoBeccarini/thinkiot/internal/observability"
	"github.com/LeonardoBeccarini/thinkiot/internal/retry"
	"github.com/LeonardoBeccarini/thinkiot/pkg/broker"
)

const (
	WelcomePayload = "Welcome"

	DefaultClientIDPrefix = "ESP32Client-"
	DefaultInboxSize      = 16
	DefaultRetryDelay     = 5 * time.Second
)

// Message is one inbound publish as received from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

type Options struct {
	ClientIDPrefix string
	Retry          retry.Policy
	InboxSize      int
	PublishTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ClientIDPrefix: DefaultClientIDPrefix,
		Retry:          retry.Fixed(DefaultRetryDelay),
		InboxSize:      DefaultInboxSize,
		PublishTimeout: 2 * time.Second,
	}
}

type Session struct {
	dialer   broker.Dialer
	topics   command.Topics
	opts     Options
	consumer *broker.MultiConsumer
	inbox    chan Message
	runner   *retry.Runner
	newID    func() string
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
	pub    broker.IPublisher
}

func New(d broker.Dialer, topics command.Topics, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry = retry.Fixed(DefaultRetryDelay)
	}
	prefix := opts.ClientIDPrefix
	s := &Session{
		dialer:  d,
		topics:  topics,
		opts:    opts,
		inbox:   make(chan Message, opts.InboxSize),
		newID:   func() string { return fmt.Sprintf("%s%x", prefix, rand.IntN(0xffff)) },
		metrics: metrics,
		logger:  logger,
	}
	s.consumer = broker.NewMultiConsumer(topics.Commands(), s.enqueue)
	s.runner = &retry.Runner{
		Policy: opts.Retry,
		Notify: func(attempt int, err error, delay time.Duration) {
			s.logger.Warn("mqtt connection failed, retrying", "attempt", attempt, "error", err, "retry_in", delay)
		},
	}
	return s
}

// SetTimer swaps the reconnect wait timer.
func (s *Session) SetTimer(t backoff.Timer) { s.runner.Timer = t }

// SetClientIDs swaps the client identifier generator.
func (s *Session) SetClientIDs(fn func() string) { s.newID = fn }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// EnsureConnected returns at once when the session is up. Otherwise it dials
// with a fresh client id until a connection sticks, announces itself on the
// welcome topic and subscribes the command topics. It fails only when ctx
// ends or the retry policy gives up.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	s.drop()
	err := s.runner.Do(ctx, s.connect)
	s.metrics.SetSession(err == nil)
	if err != nil {
		return fmt.Errorf("mqtt session: %w", err)
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	id := s.newID()
	s.logger.Info("attempting mqtt connection", "client_id", id)
	client, err := s.dialer.Dial(ctx, id, s.onMessage, s.onLost)
	if err != nil {
		s.metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return err
	}
	s.metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	s.logger.Info("mqtt connected", "client_id", id)

	pub := broker.NewPublisher(client, s.opts.PublishTimeout)
	s.mu.Lock()
	s.client, s.pub = client, pub
	s.mu.Unlock()

	if err := s.consumer.Subscribe(client); err != nil {
		s.drop()
		return err
	}
	s.Publish(s.topics.Welcome(), WelcomePayload)
	return nil
}

// PumpEvents returns at most one inbound message, waiting up to wait for one.
// A message already queued is always returned.
func (s *Session) PumpEvents(ctx context.Context, wait time.Duration) (Message, bool) {
	select {
	case m := <-s.inbox:
		return m, true
	default:
	}
	if wait <= 0 {
		return Message{}, false
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case m := <-s.inbox:
		return m, true
	case <-t.C:
	case <-ctx.Done():
	}
	return Message{}, false
}

// Publish sends value to topic at QoS 0. Failures are logged and counted.
func (s *Session) Publish(topic, value string) {
	s.mu.Lock()
	pub := s.pub
	s.mu.Unlock()
	if pub == nil {
		s.metrics.Publishes.WithLabelValues(topic, "error").Inc()
		s.logger.Warn("publish skipped, no session", "topic", topic)
		return
	}
	if err := pub.Publish(topic, value); err != nil {
		s.metrics.Publishes.WithLabelValues(topic, "error").Inc()
		s.logger.Warn("publish failed", "topic", topic, "error", err)
		return
	}
	s.metrics.Publishes.WithLabelValues(topic, "ok").Inc()
}

func (s *Session) Close() {
	s.drop()
	s.metrics.SetSession(false)
}

func (s *Session) drop() {
	s.mu.Lock()
	client := s.client
	s.client, s.pub = nil, nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	s.consumer.Unsubscribe(client)
	broker.Close(client, s.logger)
}

// enqueue runs on paho's goroutines. A full inbox drops the message.
func (s *Session) enqueue(topic string, payload []byte) {
	m := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	select {
	case s.inbox <- m:
	default:
		s.metrics.InboxDropped.Inc()
		s.logger.Warn("inbox full, message dropped", "topic", topic)
	}
}

func (s *Session) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.enqueue(m.Topic(), m.Payload())
}

func (s *Session) onLost(_ mqtt.Client, err error) {
	s.metrics.SetSession(false)
	s.logger.Warn("mqtt connection lost", "error", err)
}
