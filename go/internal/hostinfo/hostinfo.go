// Package hostinfo reads the identity of the machine the room runs on.
package hostinfo

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// UnknownIP is reported when none of the preferred interfaces has an IPv4 address.
const UnknownIP = "Unknown IP"

// ErrNoInterface is returned when none of the preferred interfaces exist.
var ErrNoInterface = errors.New("no usable network interface")

// DefaultInterfaces is the lookup order: wired first, then wireless.
var DefaultInterfaces = []string{"eth0", "wlan0"}

// Host resolves addresses from a fixed interface preference list.
type Host struct {
	Interfaces []string

	// lookup is swapped in tests.
	lookup func(name string) (*net.Interface, error)
}

// New returns a Host preferring the given interfaces, or DefaultInterfaces when empty.
func New(interfaces []string) *Host {
	if len(interfaces) == 0 {
		interfaces = DefaultInterfaces
	}
	return &Host{Interfaces: interfaces, lookup: net.InterfaceByName}
}

// MAC returns the hardware address of the first preferred interface that has one.
func (h *Host) MAC() (string, error) {
	for _, name := range h.Interfaces {
		iface, err := h.lookup(name)
		if err != nil || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("lookup mac on %v: %w", h.Interfaces, ErrNoInterface)
}

// IPv4 returns the first IPv4 address of the preferred interfaces, or UnknownIP.
// Addresses from interfaces other than the first are tagged with the interface name.
func (h *Host) IPv4() string {
	for i, name := range h.Interfaces {
		iface, err := h.lookup(name)
		if err != nil {
			continue
		}
		ip := firstIPv4(iface)
		if ip == "" {
			continue
		}
		if i > 0 {
			return fmt.Sprintf("%s (%s)", ip, name)
		}
		return ip
	}
	return UnknownIP
}

// NetworkReady reports whether any preferred interface has an IPv4 address yet.
func (h *Host) NetworkReady() bool {
	return h.IPv4() != UnknownIP
}

// Hostname returns the kernel host name, or "unknown".
func (h *Host) Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func firstIPv4(iface *net.Interface) string {
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String()
		}
	}
	return ""
}
