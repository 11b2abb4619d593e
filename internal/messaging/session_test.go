package messaging

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeonardoBeccarini/thinkiot/internal/command"
	"github.com/LeonardoBeccarini/thinkiot/internal/observability"
	"github.com/LeonardoBeccarini/thinkiot/internal/retry"
	"github.com/LeonardoBeccarini/thinkiot/pkg/broker/brokertest"
)

type instantTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func newInstantTimer() *instantTimer { return &instantTimer{c: make(chan time.Time, 1)} }

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Time{}
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func newSession(t *testing.T, d *brokertest.Dialer, opts Options) (*Session, *instantTimer, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics()
	s := New(d, command.NewTopics("/ThinkIOT"), opts, m, nil)
	timer := newInstantTimer()
	s.SetTimer(timer)
	return s, timer, m
}

func TestReconnectAfterThreeFailures(t *testing.T) {
	d := &brokertest.Dialer{Failures: 3}
	s, timer, m := newSession(t, d, DefaultOptions())

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	want := []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(timer.waits, want) {
		t.Fatalf("waits = %v, want %v", timer.waits, want)
	}
	if n := len(d.Dials()); n != 4 {
		t.Fatalf("dial attempts = %d, want 4", n)
	}
	c := d.Last()
	pubs := c.Publishes()
	if len(pubs) != 1 || pubs[0].Topic != "/ThinkIOT/Publish" || pubs[0].Payload != WelcomePayload {
		t.Fatalf("publishes = %+v, want one Welcome", pubs)
	}
	if got := testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("failed")); got != 3 {
		t.Fatalf("failed attempts = %v", got)
	}
	if got := testutil.ToFloat64(m.SessionUp); got != 1 {
		t.Fatalf("session_up = %v", got)
	}

	// already connected: no new dial, no second Welcome
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if n := len(d.Dials()); n != 4 {
		t.Fatalf("dial attempts = %d after second call", n)
	}
	if got := c.PublishesTo("/ThinkIOT/Publish"); len(got) != 1 {
		t.Fatalf("Welcome published %d times", len(got))
	}
}

func TestSubscribesCommandTopics(t *testing.T) {
	d := &brokertest.Dialer{}
	s, _, _ := newSession(t, d, DefaultOptions())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	got := d.Last().Subscriptions()
	sort.Strings(got)
	want := []string{"/ThinkIOT/Fan", "/ThinkIOT/Light", "/ThinkIOT/Pump", "/ThinkIOT/Servo"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("subscriptions = %v, want %v", got, want)
	}
}

func TestClientIDsArePrefixedHex(t *testing.T) {
	d := &brokertest.Dialer{Failures: 2}
	s, _, _ := newSession(t, d, DefaultOptions())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	for _, id := range d.Dials() {
		hex, ok := strings.CutPrefix(id, DefaultClientIDPrefix)
		if !ok || hex == "" || strings.Trim(hex, "0123456789abcdef") != "" {
			t.Fatalf("bad client id %q", id)
		}
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	d := &brokertest.Dialer{Failures: 10}
	opts := DefaultOptions()
	opts.Retry = retry.Policy{Initial: time.Second, Multiplier: 2, MaxAttempts: 3}
	s, timer, _ := newSession(t, d, opts)

	err := s.EnsureConnected(context.Background())
	if !errors.Is(err, retry.ErrBudgetExhausted) || !errors.Is(err, brokertest.ErrRefused) {
		t.Fatalf("expected budget error wrapping refusal, got %v", err)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(timer.waits, want) {
		t.Fatalf("waits = %v, want %v", timer.waits, want)
	}
	if s.Connected() {
		t.Fatalf("session reported connected")
	}
}

func TestSubscribeFailureDropsClient(t *testing.T) {
	d := &brokertest.Dialer{}
	opts := DefaultOptions()
	opts.Retry = retry.Policy{Initial: time.Second, MaxAttempts: 1}
	s, _, _ := newSession(t, d, opts)
	s.dialer = &subFailDialer{inner: d, failures: -1}
	if err := s.EnsureConnected(context.Background()); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if s.Connected() {
		t.Fatalf("session kept a half-open client")
	}
}

func TestWelcomeOnlyAfterSubscribeSucceeds(t *testing.T) {
	d := &brokertest.Dialer{}
	s, _, _ := newSession(t, d, DefaultOptions())
	s.dialer = &subFailDialer{inner: d, failures: 1}
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if n := len(d.Dials()); n != 2 {
		t.Fatalf("dial attempts = %d, want 2", n)
	}
	welcomes := 0
	for _, c := range d.Clients() {
		welcomes += len(c.PublishesTo("/ThinkIOT/Publish"))
	}
	if welcomes != 1 {
		t.Fatalf("Welcome published %d times across clients, want 1", welcomes)
	}
}

func TestPumpEventsNeverMissesQueuedMessage(t *testing.T) {
	d := &brokertest.Dialer{}
	s, _, _ := newSession(t, d, DefaultOptions())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	c := d.Last()
	missed := 0
	for i := 0; i < 1000; i++ {
		c.Deliver("/ThinkIOT/Pump", "true")
		if _, ok := s.PumpEvents(context.Background(), time.Nanosecond); !ok {
			missed++
			s.PumpEvents(context.Background(), 0)
		}
	}
	if missed != 0 {
		t.Fatalf("queued message not returned in %d/1000 calls", missed)
	}
}

func TestPumpEventsDeliversOneAtATime(t *testing.T) {
	d := &brokertest.Dialer{}
	s, _, _ := newSession(t, d, DefaultOptions())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	c := d.Last()
	c.Deliver("/ThinkIOT/Pump", "true")
	c.Deliver("/ThinkIOT/Fan", "false")

	m, ok := s.PumpEvents(context.Background(), 0)
	if !ok || m.Topic != "/ThinkIOT/Pump" || string(m.Payload) != "true" {
		t.Fatalf("first = %+v, %v", m, ok)
	}
	m, ok = s.PumpEvents(context.Background(), 10*time.Millisecond)
	if !ok || m.Topic != "/ThinkIOT/Fan" {
		t.Fatalf("second = %+v, %v", m, ok)
	}
	if _, ok := s.PumpEvents(context.Background(), time.Millisecond); ok {
		t.Fatalf("inbox should be empty")
	}
}

func TestInboxOverflowDrops(t *testing.T) {
	d := &brokertest.Dialer{}
	opts := DefaultOptions()
	opts.InboxSize = 2
	s, _, m := newSession(t, d, opts)
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	c := d.Last()
	for i := 0; i < 5; i++ {
		c.Deliver("/ThinkIOT/Light", "true")
	}
	if got := testutil.ToFloat64(m.InboxDropped); got != 3 {
		t.Fatalf("dropped = %v, want 3", got)
	}
}

func TestPublishFailureIsCounted(t *testing.T) {
	d := &brokertest.Dialer{}
	s, _, m := newSession(t, d, DefaultOptions())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	d.Last().PublishErr = errors.New("socket closed")
	s.Publish("/ThinkIOT/temp", "21.50")
	if got := testutil.ToFloat64(m.Publishes.WithLabelValues("/ThinkIOT/temp", "error")); got != 1 {
		t.Fatalf("error publishes = %v", got)
	}
}

func TestLostConnectionReconnects(t *testing.T) {
	d := &brokertest.Dialer{}
	s, _, m := newSession(t, d, DefaultOptions())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	first := d.Last()
	first.Drop()
	if s.Connected() {
		t.Fatalf("session still connected after drop")
	}
	if got := testutil.ToFloat64(m.SessionUp); got != 0 {
		t.Fatalf("session_up = %v after drop", got)
	}
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	second := d.Last()
	if second == first {
		t.Fatalf("expected a new client")
	}
	if got := second.PublishesTo("/ThinkIOT/Publish"); len(got) != 1 {
		t.Fatalf("Welcome on new session = %v", got)
	}
}

// subFailDialer denies the subscriptions of the first failures clients.
type subFailDialer struct {
	inner    *brokertest.Dialer
	failures int
}

func (d *subFailDialer) Dial(ctx context.Context, id string, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	c, err := d.inner.Dial(ctx, id, onMessage, onLost)
	if err != nil {
		return nil, err
	}
	if d.failures != 0 {
		d.failures--
		c.(*brokertest.Client).SubErr = errors.New("not authorized")
	}
	return c, nil
}
