// Package node derives the identifier a scheduler process claims server
// leases with.
package node

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrNoIdentity = errors.New("no network interface with a hardware address")

// interfaces is swapped in tests.
var interfaces = net.Interfaces

// Identity returns "<interface>:<mac without separators>" for the first
// interface carrying a non-zero hardware address.
func Identity() (string, error) {
	ifaces, err := interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list network interfaces: %w", err)
	}
	return fromInterfaces(ifaces)
}

func fromInterfaces(ifaces []net.Interface) (string, error) {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 || isZero(iface.HardwareAddr) {
			continue
		}
		mac := strings.ReplaceAll(iface.HardwareAddr.String(), ":", "")
		return iface.Name + ":" + mac, nil
	}
	return "", ErrNoIdentity
}

func isZero(addr net.HardwareAddr) bool {
	return bytes.Equal(addr, make(net.HardwareAddr, len(addr)))
}

// Resolve picks the identity for this process. A configured override wins.
// When nothing can be derived and allowMissing is set, degraded is true and
// server ownership can no longer be arbitrated across nodes.
func Resolve(override string, allowMissing bool) (id string, degraded bool, err error) {
	if override != "" {
		return override, false, nil
	}

	id, err = Identity()
	if err == nil {
		return id, false, nil
	}
	if allowMissing {
		return "", true, nil
	}
	return "", false, fmt.Errorf("%w: set node.id or node.allow_missing_identity", err)
}
