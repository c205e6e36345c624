// Package tun opens the TUN device the tunnel reads IP packets from.
package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
)

// ErrUnsupported is returned on platforms without TUN support.
var ErrUnsupported = errors.New("tun devices are not supported on this platform")

// Commander runs external network tools.
type Commander interface {
	CombinedOutput(name string, args ...string) ([]byte, error)
}

type execCommander struct{}

func (execCommander) CombinedOutput(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// DefaultCommander runs commands with os/exec.
var DefaultCommander Commander = execCommander{}

// AddrAdd assigns prefix to the named interface using iproute2. A valid
// peer makes the address point-to-point.
func AddrAdd(c Commander, dev string, prefix netip.Prefix, peer netip.Addr) error {
	if c == nil {
		c = DefaultCommander
	}
	args := []string{"addr", "add", prefix.String()}
	if peer.IsValid() {
		args = append(args, "peer", peer.String())
	}
	args = append(args, "dev", dev)

	out, err := c.CombinedOutput("ip", args...)
	if err != nil {
		return fmt.Errorf("failed to assign %s to %s: %v, output: %s", prefix, dev, err, out)
	}
	return nil
}
