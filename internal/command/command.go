// Package command maps inbound command topics and payloads to actuator
// commands.
package command

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTopic   = errors.New("unknown command topic")
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Actuator names one of the four outputs.
type Actuator int

const (
	Unknown Actuator = iota
	Servo
	Light
	Pump
	Fan
)

// Actuators lists every real actuator in subscription order.
var Actuators = []Actuator{Servo, Light, Pump, Fan}

func (a Actuator) String() string {
	switch a {
	case Servo:
		return "servo"
	case Light:
		return "light"
	case Pump:
		return "pump"
	case Fan:
		return "fan"
	default:
		return "unknown"
	}
}

// topicSuffix is the last topic segment the broker uses for the actuator.
func (a Actuator) topicSuffix() string {
	switch a {
	case Servo:
		return "Servo"
	case Light:
		return "Light"
	case Pump:
		return "Pump"
	case Fan:
		return "Fan"
	default:
		return ""
	}
}

// Command is a parsed request to switch an actuator.
type Command struct {
	Actuator Actuator
	On       bool
}

func (c Command) String() string {
	state := "off"
	if c.On {
		state = "on"
	}
	return c.Actuator.String() + "=" + state
}

// Topics holds the fixed topic strings under one prefix.
type Topics struct {
	Prefix string
}

func NewTopics(prefix string) Topics {
	return Topics{Prefix: strings.TrimRight(prefix, "/")}
}

func (t Topics) join(leaf string) string {
	return t.Prefix + "/" + leaf
}

func (t Topics) Welcome() string     { return t.join("Publish") }
func (t Topics) Temperature() string { return t.join("temp") }
func (t Topics) Humidity() string    { return t.join("hum") }
func (t Topics) Soil() string        { return t.join("soil") }
func (t Topics) Light() string       { return t.join("ldr") }

// Command returns the subscribe topic of a.
func (t Topics) Command(a Actuator) string {
	return t.join(a.topicSuffix())
}

// Commands lists the four subscribe topics.
func (t Topics) Commands() []string {
	out := make([]string, 0, len(Actuators))
	for _, a := range Actuators {
		out = append(out, t.Command(a))
	}
	return out
}

// ParseTopic matches topic exactly against the command topics.
func (t Topics) ParseTopic(topic string) Actuator {
	for _, a := range Actuators {
		if topic == t.Command(a) {
			return a
		}
	}
	return Unknown
}

// ParsePayload accepts exactly "true" or "false".
func ParsePayload(payload string) (bool, error) {
	switch payload {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}
}

// Parse turns a raw message into a Command.
func (t Topics) Parse(topic string, payload []byte) (Command, error) {
	a := t.ParseTopic(topic)
	if a == Unknown {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	on, err := ParsePayload(string(payload))
	if err != nil {
		return Command{Actuator: a}, err
	}
	return Command{Actuator: a, On: on}, nil
}
