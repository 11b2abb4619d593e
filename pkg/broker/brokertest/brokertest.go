// Package brokertest provides an in-memory paho client and dialer for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrRefused is returned by Dialer for scripted connect failures.
var ErrRefused = errors.New("brokertest: connection refused")

type Publish struct {
	Topic   string
	Payload string
}

// Client is a connected in-memory mqtt.Client. Published messages are recorded,
// subscriptions keep their handlers so tests can Deliver messages.
type Client struct {
	mu         sync.Mutex
	connected  bool
	publishes  []Publish
	subs       map[string]mqtt.MessageHandler
	defaultH   mqtt.MessageHandler
	onLost     mqtt.ConnectionLostHandler
	PublishErr error
	SubErr     error
}

var _ mqtt.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{connected: true, subs: map[string]mqtt.MessageHandler{}}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Drop simulates a broken connection and fires the lost handler.
func (c *Client) Drop() {
	c.mu.Lock()
	c.connected = false
	lost := c.onLost
	c.mu.Unlock()
	if lost != nil {
		lost(c, errors.New("brokertest: connection dropped"))
	}
}

func (c *Client) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return doneToken(c.PublishErr)
	}
	var body string
	switch p := payload.(type) {
	case string:
		body = p
	case []byte:
		body = string(p)
	default:
		body = fmt.Sprint(p)
	}
	c.publishes = append(c.publishes, Publish{Topic: topic, Payload: body})
	return doneToken(nil)
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubErr != nil {
		return doneToken(c.SubErr)
	}
	c.subs[topic] = callback
	return doneToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return doneToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return doneToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver routes a message as the broker would: exact subscription first, then
// the default handler.
func (c *Client) Deliver(topic, payload string) {
	c.mu.Lock()
	h, ok := c.subs[topic]
	if !ok {
		h = c.defaultH
	}
	c.mu.Unlock()
	if h != nil {
		h(c, &Message{topic: topic, payload: []byte(payload)})
	}
}

func (c *Client) Publishes() []Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Publish, len(c.publishes))
	copy(out, c.publishes)
	return out
}

// PublishesTo filters the recorded publishes by topic.
func (c *Client) PublishesTo(topic string) []string {
	var out []string
	for _, p := range c.Publishes() {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// Dialer hands out Clients. The first Failures dials fail with ErrRefused.
type Dialer struct {
	mu       sync.Mutex
	Failures int
	dials    []string
	clients  []*Client
}

func (d *Dialer) Dial(ctx context.Context, clientID string, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, clientID)
	if d.Failures > 0 {
		d.Failures--
		return nil, ErrRefused
	}
	c := NewClient()
	c.defaultH = onMessage
	c.onLost = onLost
	d.clients = append(d.clients, c)
	return c, nil
}

// Dials returns the client IDs of every attempt, failed ones included.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dials))
	copy(out, d.dials)
	return out
}

// Clients returns every connected client in dial order.
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Client, len(d.clients))
	copy(out, d.clients)
	return out
}

// Last returns the most recently connected client, or nil.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// Message implements mqtt.Message.
type Message struct {
	topic   string
	payload []byte
}

func NewMessage(topic, payload string) *Message {
	return &Message{topic: topic, payload: []byte(payload)}
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }
