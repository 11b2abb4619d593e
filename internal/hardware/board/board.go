// Package board drives a microcontroller running Firmata (ESP32, Arduino)
// through gobot: relays and the servo on digital pins, the soil and light
// probes on analog pins.
//
// Firmata has no DHT support, so the DHT probe is not wired to the board. It
// sits on a GPIO pin of the host running the node (a Raspberry Pi, say) and
// is read by package dht; see config.HardwareConfig.DHTPin.
package board

import (
	"fmt"
	"log/slog"
	"strconv"

	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/platforms/firmata"

	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
)

type Pins struct {
	Soil  int `yaml:"soil"`
	Light int `yaml:"ldr"`
	Lamp  int `yaml:"light"`
	Pump  int `yaml:"pump"`
	Fan   int `yaml:"fan"`
	Servo int `yaml:"servo"`
}

// DefaultPins is the ESP32 wiring of the ThinkIOT kit.
func DefaultPins() Pins {
	return Pins{Soil: 35, Light: 34, Lamp: 2, Pump: 4, Fan: 5, Servo: 13}
}

type analogReader interface {
	AnalogRead(pin string) (int, error)
}

// Board owns the Firmata connection and the drivers built on it.
type Board struct {
	adaptor *firmata.Adaptor
	pins    Pins
	logger  *slog.Logger

	Lamp  *gpio.RelayDriver
	Pump  *gpio.RelayDriver
	Fan   *gpio.RelayDriver
	Servo *gpio.ServoDriver
}

// Open connects to the board on a serial port (e.g. /dev/ttyUSB0) and starts
// the output drivers. Outputs start low.
func Open(port string, pins Pins, logger *slog.Logger) (*Board, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := firmata.NewAdaptor(port)
	if err := a.Connect(); err != nil {
		return nil, fmt.Errorf("firmata connect %s: %w", port, err)
	}
	b := &Board{
		adaptor: a,
		pins:    pins,
		logger:  logger,
		Lamp:    gpio.NewRelayDriver(a, pinName(pins.Lamp)),
		Pump:    gpio.NewRelayDriver(a, pinName(pins.Pump)),
		Fan:     gpio.NewRelayDriver(a, pinName(pins.Fan)),
		Servo:   gpio.NewServoDriver(a, pinName(pins.Servo)),
	}
	for name, start := range map[string]func() error{
		"light": b.Lamp.Start,
		"pump":  b.Pump.Start,
		"fan":   b.Fan.Start,
		"servo": b.Servo.Start,
	} {
		if err := start(); err != nil {
			_ = a.Finalize()
			return nil, fmt.Errorf("start %s driver: %w", name, err)
		}
	}
	for name, r := range map[string]*gpio.RelayDriver{"light": b.Lamp, "pump": b.Pump, "fan": b.Fan} {
		if err := r.Off(); err != nil {
			logger.Warn("initial relay state not applied", "output", name, "error", err)
		}
	}
	logger.Info("firmata board connected", "port", port)
	return b, nil
}

func (b *Board) SoilInput() sensors.AnalogInput {
	return analogPin{r: b.adaptor, pin: pinName(b.pins.Soil)}
}

func (b *Board) LightInput() sensors.AnalogInput {
	return analogPin{r: b.adaptor, pin: pinName(b.pins.Light)}
}

func (b *Board) Close() error {
	return b.adaptor.Finalize()
}

type analogPin struct {
	r   analogReader
	pin string
}

func (p analogPin) Read() (int, error) {
	v, err := p.r.AnalogRead(p.pin)
	if err != nil {
		return 0, fmt.Errorf("analog read pin %s: %w", p.pin, err)
	}
	return v, nil
}

func pinName(n int) string {
	return strconv.Itoa(n)
}
