package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/thinkiot/internal/actuators"
	"github.com/LeonardoBeccarini/thinkiot/internal/command"
	"github.com/LeonardoBeccarini/thinkiot/internal/config"
	"github.com/LeonardoBeccarini/thinkiot/internal/hardware/board"
	"github.com/LeonardoBeccarini/thinkiot/internal/hardware/dht"
	"github.com/LeonardoBeccarini/thinkiot/internal/hardware/sim"
	"github.com/LeonardoBeccarini/thinkiot/internal/messaging"
	"github.com/LeonardoBeccarini/thinkiot/internal/netlink"
	"github.com/LeonardoBeccarini/thinkiot/internal/node"
	"github.com/LeonardoBeccarini/thinkiot/internal/observability"
	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
	"github.com/LeonardoBeccarini/thinkiot/internal/telemetry"
	"github.com/LeonardoBeccarini/thinkiot/pkg/broker"
)

// hardware is what a backend hands to the node.
type hardware struct {
	reader *sensors.Reader
	bank   *actuators.Bank
	link   *netlink.Link
	close  func() error
}

// openHW is swapped in tests.
var openHW = openHardware

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code. Deferred cleanup runs before main exits.
func run(args []string) int {
	fs := flag.NewFlagSet("thinkiot-node", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	backend := fs.String("backend", "", "hardware backend: sim or board (overrides config)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *backend != "" {
		cfg.Hardware.Backend = *backend
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hw, err := openHW(cfg, logger)
	if err != nil {
		logger.Error("hardware setup failed", "backend", cfg.Hardware.Backend, "error", err)
		return 1
	}
	defer func() {
		if err := hw.close(); err != nil {
			logger.Warn("hardware close", "error", err)
		}
	}()

	metrics := observability.NewMetrics()
	status := observability.NewStatus()

	// === MQTT ===
	topics := command.NewTopics(cfg.Broker.TopicPrefix)
	dialer := broker.NewPahoDialer(broker.Config{
		Host:      cfg.Broker.Host,
		Port:      cfg.Broker.Port,
		User:      cfg.Broker.User,
		Password:  cfg.Broker.Password,
		KeepAlive: cfg.Broker.KeepAlive,
	}, logger)
	session := messaging.New(dialer, topics, messaging.Options{
		ClientIDPrefix: cfg.Broker.ClientIDPrefix,
		Retry:          cfg.Broker.Retry,
		InboxSize:      cfg.Broker.InboxSize,
	}, metrics, logger)

	// === InfluxDB ===
	var sink telemetry.Sink = telemetry.NopSink{}
	if cfg.Influx.URL != "" {
		sink = telemetry.Open(telemetry.Options{
			URL:     cfg.Influx.URL,
			Token:   cfg.Influx.Token,
			Org:     cfg.Influx.Org,
			Bucket:  cfg.Influx.Bucket,
			Timeout: cfg.Influx.Timeout,
		}, cfg.Node.ID, metrics, logger)
		logger.Info("telemetry enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	// === HTTP + gRPC ===
	hs := &http.Server{
		Addr:              cfg.Serve.HTTPAddr,
		Handler:           observability.NewRouter(metrics, status, 3*cfg.Node.SampleInterval),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.Serve.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	gs := observability.NewGRPCServer(status)
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shCtx)
		gs.GracefulStop()
	}()
	if cfg.Serve.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Serve.GRPCAddr)
		if err != nil {
			logger.Error("grpc listen failed", "addr", cfg.Serve.GRPCAddr, "error", err)
			return 1
		}
		go func() {
			logger.Info("grpc health listening", "addr", cfg.Serve.GRPCAddr)
			if err := gs.Serve(lis); err != nil {
				logger.Error("grpc server error", "error", err)
			}
		}()
	}

	n := node.New(node.Deps{
		Reader:   hw.reader,
		Bank:     hw.bank,
		Link:     hw.link,
		Session:  session,
		Topics:   topics,
		Sink:     sink,
		Metrics:  metrics,
		Status:   status,
		Logger:   logger,
		Interval: cfg.Node.SampleInterval,
		Tick:     cfg.Node.Tick,
	})
	logger.Info("node starting",
		"node_id", cfg.Node.ID,
		"backend", cfg.Hardware.Backend,
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"topic_prefix", topics.Prefix)
	if err := n.Run(ctx); err != nil {
		logger.Error("node stopped", "error", err)
		return 1
	}
	logger.Info("node shut down")
	return 0
}

func openHardware(cfg *config.Config, logger *slog.Logger) (*hardware, error) {
	switch cfg.Hardware.Backend {
	case config.BackendBoard:
		model, err := dht.ParseModel(cfg.Hardware.DHTModel)
		if err != nil {
			return nil, err
		}
		b, err := board.Open(cfg.Hardware.SerialPort, cfg.Hardware.Pins, logger)
		if err != nil {
			return nil, err
		}
		link := netlink.New(cfg.Network.SSID, cfg.Network.Password,
			netlink.NMCLI{Iface: cfg.Network.Interface},
			netlink.InterfaceProbe{Name: cfg.Network.Interface},
			cfg.Network.Poll, logger)
		return &hardware{
			reader: sensors.NewReader(dht.NewProbe(model, cfg.Hardware.DHTPin), b.SoilInput(), b.LightInput(), logger),
			bank:   actuators.NewBank(b.Lamp, b.Pump, b.Fan, b.Servo, logger),
			link:   link,
			close:  b.Close,
		}, nil
	default:
		b := sim.NewBoard(cfg.Hardware.Seed)
		link := netlink.New(cfg.Network.SSID, cfg.Network.Password, netlink.Always{}, netlink.Always{}, cfg.Network.Poll, logger)
		return &hardware{
			reader: sensors.NewReader(b, b.SoilInput(), b.LightInput(), logger),
			bank:   actuators.NewBank(b.Light, b.Pump, b.Fan, b.Servo, logger),
			link:   link,
			close:  func() error { return nil },
		}, nil
	}
}
