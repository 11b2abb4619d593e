package netlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

var ErrLinkDown = errors.New("link down")

// NMCLI requests association through NetworkManager.
type NMCLI struct {
	Iface string
	// Run executes the command; nil uses os/exec.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (n NMCLI) args(ssid, secret string) []string {
	args := []string{"device", "wifi", "connect", ssid}
	if secret != "" {
		args = append(args, "password", secret)
	}
	if n.Iface != "" {
		args = append(args, "ifname", n.Iface)
	}
	return args
}

func (n NMCLI) Associate(ctx context.Context, ssid, secret string) error {
	run := n.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}
	out, err := run(ctx, "nmcli", n.args(ssid, secret)...)
	if err != nil {
		return fmt.Errorf("nmcli connect %s: %w: %s", ssid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// InterfaceProbe reports the link up when the interface is up and holds a
// non-loopback address.
type InterfaceProbe struct {
	Name string
	// Lookup resolves the interface; nil uses net.InterfaceByName.
	Lookup func(name string) (Iface, error)
}

// Iface is the part of net.Interface the probe looks at.
type Iface interface {
	Up() bool
	Addrs() ([]net.Addr, error)
}

type osIface struct{ *net.Interface }

func (i osIface) Up() bool { return i.Flags&net.FlagUp != 0 }

func (p InterfaceProbe) Probe(context.Context) (string, error) {
	lookup := p.Lookup
	if lookup == nil {
		lookup = func(name string) (Iface, error) {
			ifi, err := net.InterfaceByName(name)
			if err != nil {
				return nil, err
			}
			return osIface{ifi}, nil
		}
	}
	ifi, err := lookup(p.Name)
	if err != nil {
		return "", fmt.Errorf("interface %s: %w", p.Name, err)
	}
	if !ifi.Up() {
		return "", fmt.Errorf("interface %s: %w", p.Name, ErrLinkDown)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", fmt.Errorf("interface %s addrs: %w", p.Name, err)
	}
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a.String())
		if err != nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("interface %s has no address: %w", p.Name, ErrLinkDown)
}

// Always is a link that is always up; used by the simulator backend.
type Always struct{ Addr string }

func (Always) Associate(context.Context, string, string) error { return nil }

func (a Always) Probe(context.Context) (string, error) {
	if a.Addr == "" {
		return "127.0.0.1", nil
	}
	return a.Addr, nil
}
