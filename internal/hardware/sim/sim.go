// Package sim simulates the node's probes and outputs. Soil moisture reacts to
// the pump, light to the lamp and temperature to the fan, so a running node
// produces readings that follow the commands it receives.
package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/thinkiot/internal/sensors"
)

const (
	// gainPerMin: moisture gained per minute while the pump runs, in [0..1].
	gainPerMin = 0.05
	// decayPerMin: moisture lost per minute while the pump is off.
	decayPerMin = 0.002

	defaultMoisture = 0.30
	adcMax          = 4095

	baseTempC     = 24.0
	fanCoolingC   = 1.5
	baseHumidity  = 55.0
	baseLightRaw  = 1800
	lampLightRaw  = 1500
	climateNoise  = 0.3
	lightNoiseRaw = 40
)

// Switch is a simulated binary output.
type Switch struct {
	mu sync.Mutex
	on bool
}

func (s *Switch) On() error  { s.set(true); return nil }
func (s *Switch) Off() error { s.set(false); return nil }

func (s *Switch) set(v bool) {
	s.mu.Lock()
	s.on = v
	s.mu.Unlock()
}

func (s *Switch) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Servo is a simulated positional servo.
type Servo struct {
	mu    sync.Mutex
	angle uint8
}

func (s *Servo) Move(angle uint8) error {
	s.mu.Lock()
	s.angle = angle
	s.mu.Unlock()
	return nil
}

func (s *Servo) Angle() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angle
}

// Board bundles the simulated outputs and the environment they act on.
type Board struct {
	Light *Switch
	Pump  *Switch
	Fan   *Switch
	Servo *Servo

	mu       sync.Mutex
	rng      *rand.Rand
	now      func() time.Time
	last     time.Time
	moisture float64 // [0..1]
}

func NewBoard(seed uint64) *Board {
	return &Board{
		Light:    &Switch{},
		Pump:     &Switch{},
		Fan:      &Switch{},
		Servo:    &Servo{},
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      time.Now,
		moisture: defaultMoisture,
	}
}

// SetClock replaces the time source; used by tests to advance time.
func (b *Board) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.last = time.Time{}
	b.mu.Unlock()
}

// advance integrates moisture since the previous read. Caller holds b.mu.
func (b *Board) advance() {
	now := b.now()
	if b.last.IsZero() {
		b.last = now
		return
	}
	dtMin := now.Sub(b.last).Minutes()
	if dtMin < 0 {
		dtMin = 0
	}
	if b.Pump.IsOn() {
		b.moisture = clamp01(b.moisture + gainPerMin*dtMin)
	} else {
		b.moisture = clamp01(b.moisture - decayPerMin*dtMin)
	}
	b.last = now
}

func (b *Board) noise(scale float64) float64 {
	return (b.rng.Float64()*2 - 1) * scale
}

// ReadClimate implements sensors.ClimateProbe.
func (b *Board) ReadClimate() (sensors.Climate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := baseTempC + b.noise(climateNoise)
	if b.Fan.IsOn() {
		t -= fanCoolingC
	}
	h := baseHumidity + 10*(b.moisture-defaultMoisture) + b.noise(climateNoise*3)
	return sensors.Climate{
		TemperatureC: math.Round(t*10) / 10,
		HumidityPct:  math.Round(clamp(h, 0, 100)),
	}, nil
}

// Moisture returns the simulated soil moisture in [0..1].
func (b *Board) Moisture() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.moisture
}

// SoilInput returns an analog input reading capacitive-probe style raw
// values: wetter soil reads lower.
func (b *Board) SoilInput() sensors.AnalogInput {
	return analogFunc(func() (int, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.advance()
		return int(math.Round((1 - b.moisture) * adcMax)), nil
	})
}

// LightInput returns an analog input for the light-dependent resistor.
func (b *Board) LightInput() sensors.AnalogInput {
	return analogFunc(func() (int, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		v := float64(baseLightRaw) + b.noise(lightNoiseRaw)
		if b.Light.IsOn() {
			v += lampLightRaw
		}
		return int(clamp(math.Round(v), 0, adcMax)), nil
	})
}

type analogFunc func() (int, error)

func (f analogFunc) Read() (int, error) { return f() }

func clamp01(x float64) float64 {
	return clamp(x, 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
