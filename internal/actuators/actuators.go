package actuators

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/LeonardoBeccarini/thinkiot/internal/command"
)

const (
	ServoClosed uint8 = 0
	ServoOpen   uint8 = 90
)

// Switch is a binary output. gobot's gpio.RelayDriver satisfies it.
type Switch interface {
	On() error
	Off() error
}

// Positioner moves a servo to an angle in degrees. gobot's gpio.ServoDriver
// satisfies it.
type Positioner interface {
	Move(angle uint8) error
}

// Position is the last applied state of one actuator. Known is false until the
// first successful write.
type Position struct {
	Known bool  `json:"known"`
	On    bool  `json:"on"`
	Angle uint8 `json:"angle,omitempty"`
}

// Bank drives the light, pump and fan switches and the servo.
type Bank struct {
	mu       sync.RWMutex
	switches map[command.Actuator]Switch
	servo    Positioner
	state    map[command.Actuator]Position
	logger   *slog.Logger
}

func NewBank(light, pump, fan Switch, servo Positioner, logger *slog.Logger) *Bank {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bank{
		switches: map[command.Actuator]Switch{
			command.Light: light,
			command.Pump:  pump,
			command.Fan:   fan,
		},
		servo:  servo,
		state:  make(map[command.Actuator]Position, len(command.Actuators)),
		logger: logger,
	}
}

// Apply writes the command to the hardware. Writing the same command twice
// leaves the output where it was.
func (b *Bank) Apply(cmd command.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch cmd.Actuator {
	case command.Servo:
		angle := ServoClosed
		if cmd.On {
			angle = ServoOpen
		}
		if err := b.servo.Move(angle); err != nil {
			return fmt.Errorf("servo move to %d: %w", angle, err)
		}
		b.state[cmd.Actuator] = Position{Known: true, On: cmd.On, Angle: angle}
		b.logger.Info("servo rotated", "angle", angle)
		return nil
	case command.Light, command.Pump, command.Fan:
		sw := b.switches[cmd.Actuator]
		var err error
		if cmd.On {
			err = sw.On()
		} else {
			err = sw.Off()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		b.state[cmd.Actuator] = Position{Known: true, On: cmd.On}
		b.logger.Info("output switched", "actuator", cmd.Actuator.String(), "on", cmd.On)
		return nil
	default:
		return fmt.Errorf("%w: %s", command.ErrUnknownTopic, cmd.Actuator)
	}
}

// Position returns the last applied state of a.
func (b *Bank) Position(a command.Actuator) Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state[a]
}

// State returns a copy of every applied position keyed by actuator name.
func (b *Bank) State() map[string]Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Position, len(command.Actuators))
	for _, a := range command.Actuators {
		out[a.String()] = b.state[a]
	}
	return out
}

// IsOn reports whether a was last switched on.
func (b *Bank) IsOn(a command.Actuator) bool {
	return b.Position(a).On
}
