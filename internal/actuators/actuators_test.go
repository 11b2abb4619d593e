package actuators

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/LeonardoBeccarini/thinkiot/internal/command"
)

type recSwitch struct {
	writes []bool
	err    error
}

func (s *recSwitch) On() error  { s.writes = append(s.writes, true); return s.err }
func (s *recSwitch) Off() error { s.writes = append(s.writes, false); return s.err }

type recServo struct {
	angles []uint8
	err    error
}

func (s *recServo) Move(angle uint8) error {
	s.angles = append(s.angles, angle)
	return s.err
}

func newTestBank() (*Bank, *recSwitch, *recSwitch, *recSwitch, *recServo) {
	light, pump, fan, servo := &recSwitch{}, &recSwitch{}, &recSwitch{}, &recServo{}
	b := NewBank(light, pump, fan, servo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return b, light, pump, fan, servo
}

func TestApplySwitches(t *testing.T) {
	b, light, pump, fan, _ := newTestBank()
	cases := []struct {
		a   command.Actuator
		rec *recSwitch
	}{
		{command.Light, light},
		{command.Pump, pump},
		{command.Fan, fan},
	}
	for _, tc := range cases {
		if err := b.Apply(command.Command{Actuator: tc.a, On: true}); err != nil {
			t.Fatalf("%s on: %v", tc.a, err)
		}
		if !b.IsOn(tc.a) {
			t.Fatalf("%s expected on", tc.a)
		}
		if err := b.Apply(command.Command{Actuator: tc.a, On: false}); err != nil {
			t.Fatalf("%s off: %v", tc.a, err)
		}
		if b.IsOn(tc.a) {
			t.Fatalf("%s expected off", tc.a)
		}
		if len(tc.rec.writes) != 2 || !tc.rec.writes[0] || tc.rec.writes[1] {
			t.Fatalf("%s unexpected writes %v", tc.a, tc.rec.writes)
		}
	}
}

func TestApplyServoAngles(t *testing.T) {
	b, _, _, _, servo := newTestBank()
	_ = b.Apply(command.Command{Actuator: command.Servo, On: true})
	if p := b.Position(command.Servo); p.Angle != ServoOpen || !p.On || !p.Known {
		t.Fatalf("unexpected servo position %+v", p)
	}
	_ = b.Apply(command.Command{Actuator: command.Servo, On: false})
	if p := b.Position(command.Servo); p.Angle != ServoClosed || p.On {
		t.Fatalf("unexpected servo position %+v", p)
	}
	if len(servo.angles) != 2 || servo.angles[0] != 90 || servo.angles[1] != 0 {
		t.Fatalf("unexpected servo writes %v", servo.angles)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	b, _, pump, _, _ := newTestBank()
	for i := 0; i < 3; i++ {
		if err := b.Apply(command.Command{Actuator: command.Pump, On: true}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if !b.IsOn(command.Pump) {
		t.Fatalf("expected pump on")
	}
	for _, w := range pump.writes {
		if !w {
			t.Fatalf("expected only on writes, got %v", pump.writes)
		}
	}
}

func TestApplyFailureKeepsPreviousState(t *testing.T) {
	b, light, _, _, _ := newTestBank()
	_ = b.Apply(command.Command{Actuator: command.Light, On: true})
	light.err = errors.New("gpio busy")
	if err := b.Apply(command.Command{Actuator: command.Light, On: false}); err == nil {
		t.Fatalf("expected error")
	}
	if !b.IsOn(command.Light) {
		t.Fatalf("state must not change on a failed write")
	}
}

func TestApplyUnknownActuator(t *testing.T) {
	b, _, _, _, _ := newTestBank()
	err := b.Apply(command.Command{Actuator: command.Unknown, On: true})
	if !errors.Is(err, command.ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestStateCoversAllActuators(t *testing.T) {
	b, _, _, _, _ := newTestBank()
	st := b.State()
	for _, name := range []string{"servo", "light", "pump", "fan"} {
		p, ok := st[name]
		if !ok {
			t.Fatalf("missing %s in state", name)
		}
		if p.Known {
			t.Fatalf("%s should be unknown before any write", name)
		}
	}
}
