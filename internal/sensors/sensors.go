package sensors

import (
	"log/slog"
	"math"
	"strconv"
	"time"
)

// SentinelRaw is reported for an analog probe whose read failed.
const SentinelRaw = -1

// Climate is one reading of the combined temperature/humidity probe.
type Climate struct {
	TemperatureC float64
	HumidityPct  float64
}

// ClimateProbe reads a temperature/humidity sensor such as a DHT11.
type ClimateProbe interface {
	ReadClimate() (Climate, error)
}

// AnalogInput reads a raw ADC value.
type AnalogInput interface {
	Read() (int, error)
}

// Sample holds one read of every probe.
type Sample struct {
	TemperatureC float64
	HumidityPct  float64
	Soil         int
	Light        int
	Timestamp    time.Time
}

// Reader reads the three probes on demand. Failures are never returned:
// climate values become NaN and analog values SentinelRaw.
type Reader struct {
	climate ClimateProbe
	soil    AnalogInput
	light   AnalogInput
	logger  *slog.Logger
	now     func() time.Time
}

func NewReader(climate ClimateProbe, soil, light AnalogInput, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{climate: climate, soil: soil, light: light, logger: logger, now: time.Now}
}

func (r *Reader) ReadClimate() Climate {
	c, err := r.climate.ReadClimate()
	if err != nil {
		r.logger.Warn("climate probe read failed", "error", err)
		return Climate{TemperatureC: math.NaN(), HumidityPct: math.NaN()}
	}
	return c
}

func (r *Reader) ReadSoil() int {
	return r.readAnalog("soil", r.soil)
}

func (r *Reader) ReadLight() int {
	return r.readAnalog("light", r.light)
}

func (r *Reader) readAnalog(name string, in AnalogInput) int {
	v, err := in.Read()
	if err != nil {
		r.logger.Warn("analog probe read failed", "probe", name, "error", err)
		return SentinelRaw
	}
	return v
}

// Read samples every probe once.
func (r *Reader) Read() Sample {
	c := r.ReadClimate()
	return Sample{
		TemperatureC: c.TemperatureC,
		HumidityPct:  c.HumidityPct,
		Soil:         r.ReadSoil(),
		Light:        r.ReadLight(),
		Timestamp:    r.now(),
	}
}

// FormatTemperature renders °C with two fractional digits.
func FormatTemperature(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// FormatHumidity renders %RH with one fractional digit.
func FormatHumidity(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func FormatRaw(v int) string {
	return strconv.Itoa(v)
}
