// Package dht reads DHT11/DHT22 temperature and humidity probes wired to a
// GPIO pin of the host, numbered as the host's kernel GPIO (BCM on a
// Raspberry Pi). Reading needs Linux with cgo; other builds return
// ErrUnsupported from every read.
package dht

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
)

var ErrUnsupported = errors.New("dht probe not supported on this build")

type Model string

const (
	DHT11 Model = "DHT11"
	DHT22 Model = "DHT22"
)

func ParseModel(s string) (Model, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DHT11":
		return DHT11, nil
	case "DHT22", "AM2302":
		return DHT22, nil
	default:
		return "", fmt.Errorf("unknown dht model %q", s)
	}
}

// Probe implements sensors.ClimateProbe for one DHT sensor.
type Probe struct {
	model Model
	pin   int
	read  func(model Model, pin int) (float32, float32, error)
}

var _ sensors.ClimateProbe = (*Probe)(nil)

func NewProbe(model Model, pin int) *Probe {
	return &Probe{model: model, pin: pin, read: readDHT}
}

func (p *Probe) ReadClimate() (sensors.Climate, error) {
	t, h, err := p.read(p.model, p.pin)
	if err != nil {
		return sensors.Climate{}, fmt.Errorf("%s on pin %d: %w", p.model, p.pin, err)
	}
	return sensors.Climate{TemperatureC: float64(t), HumidityPct: float64(h)}, nil
}
