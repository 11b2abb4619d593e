package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Addr returns the paho broker URL.
func (c Config) Addr() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// Dialer opens one connected MQTT client per call. Every message arriving on a
// subscription without its own handler goes to onMessage.
type Dialer interface {
	Dial(ctx context.Context, clientID string, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error)
}

// PahoDialer dials the broker with paho. Auto reconnect is off: the caller owns
// the reconnect loop.
type PahoDialer struct {
	cfg    Config
	logger *slog.Logger
}

func NewPahoDialer(cfg Config, logger *slog.Logger) *PahoDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &PahoDialer{cfg: cfg, logger: logger}
}

func (d *PahoDialer) options(clientID string, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.cfg.Addr())
	if d.cfg.User != "" {
		opts.SetUsername(d.cfg.User)
		opts.SetPassword(d.cfg.Password)
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(d.cfg.KeepAlive)
	opts.SetConnectTimeout(d.cfg.ConnectTimeout)
	opts.SetDefaultPublishHandler(onMessage)
	opts.SetConnectionLostHandler(onLost)
	return opts
}

func (d *PahoDialer) Dial(ctx context.Context, clientID string, onMessage mqtt.MessageHandler, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	client := mqtt.NewClient(d.options(clientID, onMessage, onLost))
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s as %s: %w", d.cfg.Addr(), clientID, err)
	}
	d.logger.Debug("mqtt client connected", "broker", d.cfg.Addr(), "client_id", clientID)
	return client, nil
}

// Close disconnects the client if the connection is still open.
func Close(client mqtt.Client, logger *slog.Logger) {
	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Disconnect(250)
		if logger != nil {
			logger.Info("mqtt connection closed")
		}
	}
}
