// Package netlink brings up and watches the node's wireless station link.
package netlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/thinkiot/internal/retry"
)

type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// Associator asks the OS to join an access point. It returns once the request
// is issued; Prober tells when the link is actually up.
type Associator interface {
	Associate(ctx context.Context, ssid, secret string) error
}

// Prober reports the link address when the link is up.
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

type Link struct {
	ssid   string
	secret string
	assoc  Associator
	probe  Prober
	runner *retry.Runner
	state  atomic.Int32
	addr   atomic.Value
	logger *slog.Logger
}

// PollInterval is how often Connect checks the link while waiting.
const PollInterval = 500 * time.Millisecond

// New builds a link. policy governs the status poll during Connect; pass
// retry.Fixed(PollInterval) to wait forever.
func New(ssid, secret string, assoc Associator, probe Prober, policy retry.Policy, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		ssid:   ssid,
		secret: secret,
		assoc:  assoc,
		probe:  probe,
		runner: &retry.Runner{Policy: policy},
		logger: logger,
	}
	l.addr.Store("")
	return l
}

// SetTimer swaps the wait timer of the status poll.
func (l *Link) SetTimer(t backoff.Timer) {
	l.runner.Timer = t
}

// Connect requests association once, then polls until the link is up, the
// poll budget runs out or ctx ends.
func (l *Link) Connect(ctx context.Context) error {
	l.logger.Info("connecting to access point", "ssid", l.ssid)
	if err := l.assoc.Associate(ctx, l.ssid, l.secret); err != nil {
		l.logger.Warn("association request failed, waiting for link anyway", "ssid", l.ssid, "error", err)
	}
	err := l.runner.Do(ctx, func(ctx context.Context) error {
		addr, err := l.probe.Probe(ctx)
		if err != nil {
			return err
		}
		l.addr.Store(addr)
		return nil
	})
	if err != nil {
		l.state.Store(int32(Disconnected))
		return fmt.Errorf("link %s: %w", l.ssid, err)
	}
	l.state.Store(int32(Connected))
	l.logger.Info("wifi connected", "ssid", l.ssid, "ip", l.Addr())
	return nil
}

// Check probes the link once and records the result.
func (l *Link) Check(ctx context.Context) State {
	addr, err := l.probe.Probe(ctx)
	if err != nil {
		if l.State() == Connected {
			l.logger.Warn("wifi link lost", "ssid", l.ssid, "error", err)
		}
		l.state.Store(int32(Disconnected))
		return Disconnected
	}
	l.addr.Store(addr)
	l.state.Store(int32(Connected))
	return Connected
}

func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) Addr() string {
	return l.addr.Load().(string)
}
