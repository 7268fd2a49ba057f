package cmdline

import (
	"fmt"
	"strings"
)

// NetworkConfig is the static guest IPv4 configuration passed via ip=.
type NetworkConfig struct {
	IP      string
	Gateway string
	Netmask string
	DNS     []string
}

// Config holds the parameters the VMM always passes to the guest kernel.
type Config struct {
	// Console device (e.g., "ttyS0"); empty disables the serial console.
	Console string

	// Quiet boot (reduces kernel messages)
	Quiet bool

	// Log level (0-7, lower is more verbose)
	LogLevel int

	// Network is optional.
	Network *NetworkConfig

	// Extra is appended verbatim, typically the user supplied command line.
	Extra string
}

// DefaultConfig returns the configuration used when the user passes nothing.
func DefaultConfig() Config {
	return Config{
		Console:  "ttyS0",
		Quiet:    true,
		LogLevel: 3,
	}
}

// Build constructs a command line of the given capacity from cfg.
func Build(cfg Config, capacity int) (*Cmdline, error) {
	c := New(capacity)

	var parts []string
	if cfg.Console != "" {
		parts = append(parts, fmt.Sprintf("console=%s", cfg.Console))
	}
	if cfg.Quiet {
		parts = append(parts, "quiet")
	}
	parts = append(parts, fmt.Sprintf("loglevel=%d", cfg.LogLevel))

	// The VMM exits when the guest reboots: reboot through the keyboard
	// controller and turn panics into an immediate reboot.
	parts = append(parts, "reboot=k", "panic=1", "pci=off", "nomodule")

	if netParam := buildNetworkParam(cfg.Network); netParam != "" {
		parts = append(parts, netParam)
	}

	for _, p := range parts {
		if err := c.InsertStr(p); err != nil {
			return nil, err
		}
	}
	if err := c.InsertStr(cfg.Extra); err != nil {
		return nil, err
	}
	return c, nil
}

// buildNetworkParam builds the ip= kernel parameter:
// ip=<client-ip>:<server-ip>:<gw-ip>:<netmask>:<hostname>:<device>:<autoconf>:<dns0-ip>:<dns1-ip>
func buildNetworkParam(netCfg *NetworkConfig) string {
	if netCfg == nil || netCfg.IP == "" {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ip=%s::%s:%s::eth0:off", netCfg.IP, netCfg.Gateway, netCfg.Netmask)

	// The kernel accepts at most two DNS servers.
	for i, dns := range netCfg.DNS {
		if i >= 2 {
			break
		}
		b.WriteString(":")
		b.WriteString(dns)
	}
	return b.String()
}
