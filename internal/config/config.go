// Package config loads the node configuration: compiled-in defaults, an
// optional YAML file, then THINKIOT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/thinkiot/internal/hardware/board"
	"github.com/LeonardoBeccarini/thinkiot/internal/retry"
)

const (
	BackendSim   = "sim"
	BackendBoard = "board"
)

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Network  NetworkConfig  `yaml:"network"`
	Broker   BrokerConfig   `yaml:"broker"`
	Hardware HardwareConfig `yaml:"hardware"`
	Influx   InfluxConfig   `yaml:"influx"`
	Serve    ServeConfig    `yaml:"serve"`
	LogLevel string         `yaml:"log_level"`
}

type NodeConfig struct {
	// ID tags telemetry points. Empty means a random UUID per process.
	ID             string        `yaml:"id"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	Tick           time.Duration `yaml:"tick"`
}

type NetworkConfig struct {
	SSID      string       `yaml:"ssid"`
	Password  string       `yaml:"password"`
	Interface string       `yaml:"interface"`
	Poll      retry.Policy `yaml:"poll"`
}

type BrokerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	InboxSize      int           `yaml:"inbox_size"`
	Retry          retry.Policy  `yaml:"retry"`
}

type HardwareConfig struct {
	// Backend is "sim" or "board".
	Backend    string     `yaml:"backend"`
	SerialPort string     `yaml:"serial_port"`
	Pins       board.Pins `yaml:"pins"`
	DHTModel   string     `yaml:"dht_model"`
	// DHTPin is a GPIO of the host, not of the Firmata board.
	DHTPin     int        `yaml:"dht_pin"`
	Seed       uint64     `yaml:"seed"`
}

// InfluxConfig enables the telemetry sink when URL is set.
type InfluxConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Org     string        `yaml:"org"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

type ServeConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			SampleInterval: 2000 * time.Millisecond,
			Tick:           10 * time.Millisecond,
		},
		Network: NetworkConfig{
			SSID:      "ThinkIOT-AP",
			Password:  "changeme",
			Interface: "wlan0",
			Poll:      retry.Fixed(500 * time.Millisecond),
		},
		Broker: BrokerConfig{
			Host:           "test.mosquitto.org",
			Port:           1883,
			TopicPrefix:    "/ThinkIOT",
			ClientIDPrefix: "ESP32Client-",
			KeepAlive:      15 * time.Second,
			InboxSize:      16,
			Retry:          retry.Fixed(5 * time.Second),
		},
		Hardware: HardwareConfig{
			Backend:    BackendSim,
			SerialPort: "/dev/ttyUSB0",
			Pins:       board.DefaultPins(),
			DHTModel:   "dht11",
			DHTPin:     4,
			Seed:       1,
		},
		Influx: InfluxConfig{
			Org:     "thinkiot",
			Bucket:  "environment",
			Timeout: 2 * time.Second,
		},
		Serve: ServeConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		LogLevel: "info",
	}
}

// Load starts from Default, overlays the YAML file at path (skipped when path
// is empty), then the environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	return time.Duration(envInt(key, int(def.Milliseconds()))) * time.Millisecond
}

// ApplyEnv overrides fields from THINKIOT_* variables.
func (c *Config) ApplyEnv() {
	c.Node.ID = envStr("THINKIOT_NODE_ID", c.Node.ID)
	c.Node.SampleInterval = envMillis("THINKIOT_SAMPLE_INTERVAL_MS", c.Node.SampleInterval)

	c.Network.SSID = envStr("THINKIOT_WIFI_SSID", c.Network.SSID)
	c.Network.Password = envStr("THINKIOT_WIFI_PASSWORD", c.Network.Password)
	c.Network.Interface = envStr("THINKIOT_WIFI_IFACE", c.Network.Interface)

	c.Broker.Host = envStr("THINKIOT_BROKER_HOST", c.Broker.Host)
	c.Broker.Port = envInt("THINKIOT_BROKER_PORT", c.Broker.Port)
	c.Broker.User = envStr("THINKIOT_BROKER_USER", c.Broker.User)
	c.Broker.Password = envStr("THINKIOT_BROKER_PASSWORD", c.Broker.Password)
	c.Broker.TopicPrefix = envStr("THINKIOT_TOPIC_PREFIX", c.Broker.TopicPrefix)
	c.Broker.Retry.Initial = envMillis("THINKIOT_RECONNECT_DELAY_MS", c.Broker.Retry.Initial)
	c.Broker.Retry.MaxAttempts = envInt("THINKIOT_RECONNECT_MAX_ATTEMPTS", c.Broker.Retry.MaxAttempts)

	c.Hardware.Backend = envStr("THINKIOT_BACKEND", c.Hardware.Backend)
	c.Hardware.SerialPort = envStr("THINKIOT_SERIAL_PORT", c.Hardware.SerialPort)
	c.Hardware.DHTPin = envInt("THINKIOT_DHT_PIN", c.Hardware.DHTPin)

	c.Influx.URL = envStr("THINKIOT_INFLUX_URL", c.Influx.URL)
	c.Influx.Token = envStr("THINKIOT_INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = envStr("THINKIOT_INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = envStr("THINKIOT_INFLUX_BUCKET", c.Influx.Bucket)

	c.Serve.HTTPAddr = envStr("THINKIOT_HTTP_ADDR", c.Serve.HTTPAddr)
	c.Serve.GRPCAddr = envStr("THINKIOT_GRPC_ADDR", c.Serve.GRPCAddr)

	c.LogLevel = envStr("THINKIOT_LOG_LEVEL", c.LogLevel)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Node.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("node.sample_interval must be positive, got %s", c.Node.SampleInterval))
	}
	if c.Node.Tick <= 0 {
		errs = append(errs, fmt.Errorf("node.tick must be positive, got %s", c.Node.Tick))
	}
	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port out of range: %d", c.Broker.Port))
	}
	if c.Broker.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("broker.inbox_size must be positive, got %d", c.Broker.InboxSize))
	}
	if err := c.Broker.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("broker.retry: %w", err))
	}
	if err := c.Network.Poll.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("network.poll: %w", err))
	}
	switch c.Hardware.Backend {
	case BackendSim:
	case BackendBoard:
		if c.Hardware.SerialPort == "" {
			errs = append(errs, errors.New("hardware.serial_port is required for the board backend"))
		}
		if c.Hardware.DHTPin < 0 {
			errs = append(errs, fmt.Errorf("hardware.dht_pin must be a host GPIO number, got %d", c.Hardware.DHTPin))
		}
		if c.Network.SSID == "" {
			errs = append(errs, errors.New("network.ssid is required for the board backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("hardware.backend must be %q or %q, got %q", BackendSim, BackendBoard, c.Hardware.Backend))
	}
	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		errs = append(errs, errors.New("influx.bucket is required when influx.url is set"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
