package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// maxFsTagLen is the size of the tag field in the virtio-fs config space.
const maxFsTagLen = 36

// maxVcpus mirrors the MP table limit enforced at boot.
const maxVcpus = 254

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateMachine(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := c.validateDevices(); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	return ensureDirWritable(c.Paths.LogDir, "log_dir")
}

func (c *Config) validateMachine() error {
	m := &c.Machine
	if m.Vcpus < 1 || m.Vcpus > maxVcpus {
		return fmt.Errorf("vcpus: must be 1-%d, got %d", maxVcpus, m.Vcpus)
	}
	if m.MemoryMiB < 16 {
		return fmt.Errorf("memory_mib: must be at least 16, got %d", m.MemoryMiB)
	}
	if m.Kernel == "" {
		return fmt.Errorf("kernel cannot be empty")
	}
	if err := validateFileExists(m.Kernel, "kernel"); err != nil {
		return err
	}
	if m.Initrd != "" {
		if err := validateFileExists(m.Initrd, "initrd"); err != nil {
			return err
		}
	}
	if m.LogLevel < 0 || m.LogLevel > 8 {
		return fmt.Errorf("kernel_log_level: must be 0-8, got %d", m.LogLevel)
	}
	return nil
}

func (c *Config) validateDevices() error {
	d := &c.Devices
	switch d.Serial.Output {
	case SerialStdout, SerialNone:
	default:
		if !filepath.IsAbs(d.Serial.Output) {
			return fmt.Errorf("serial.output: must be %q, %q or an absolute fifo path, got %q",
				SerialStdout, SerialNone, d.Serial.Output)
		}
	}

	ids := make(map[string]struct{})
	unique := func(kind, id string) error {
		key := kind + "/" + id
		if _, ok := ids[key]; ok {
			return fmt.Errorf("%s: duplicate id %q", kind, id)
		}
		ids[key] = struct{}{}
		return nil
	}

	roots := 0
	for i, b := range d.Block {
		if b.ID == "" {
			return fmt.Errorf("block[%d].id cannot be empty", i)
		}
		if err := unique("block", b.ID); err != nil {
			return err
		}
		if err := validateFileExists(b.Path, fmt.Sprintf("block[%d].path", i)); err != nil {
			return err
		}
		if b.Root {
			roots++
		}
	}
	if roots > 1 {
		return fmt.Errorf("block: at most one root drive, got %d", roots)
	}

	for i, n := range d.Net {
		if n.ID == "" {
			return fmt.Errorf("net[%d].id cannot be empty", i)
		}
		if err := unique("net", n.ID); err != nil {
			return err
		}
		if n.Tap == "" {
			return fmt.Errorf("net[%d].tap cannot be empty", i)
		}
		if n.MAC != "" {
			if _, err := net.ParseMAC(n.MAC); err != nil {
				return fmt.Errorf("net[%d].mac: %w", i, err)
			}
		}
		for name, val := range map[string]string{"ip": n.IP, "gateway": n.Gateway, "netmask": n.Netmask} {
			if val != "" && net.ParseIP(val) == nil {
				return fmt.Errorf("net[%d].%s: invalid address %q", i, name, val)
			}
		}
		for j, dns := range n.DNS {
			if net.ParseIP(dns) == nil {
				return fmt.Errorf("net[%d].dns[%d]: invalid address %q", i, j, dns)
			}
		}
	}

	for i, f := range d.Fs {
		if len(f.Tag) == 0 || len(f.Tag) > maxFsTagLen {
			return fmt.Errorf("fs[%d].tag: must be 1-%d bytes, got %d", i, maxFsTagLen, len(f.Tag))
		}
		if err := unique("fs", f.Tag); err != nil {
			return err
		}
		if err := validateDirExists(f.SharedDir, fmt.Sprintf("fs[%d].shared_dir", i)); err != nil {
			return err
		}
	}

	v := &d.Vsock
	if v.Enabled {
		if v.MinCID < 3 {
			return fmt.Errorf("vsock.min_cid: must be >= 3, got %d", v.MinCID)
		}
		if v.MinCID > v.MaxCID {
			return fmt.Errorf("vsock: min_cid (%d) must be <= max_cid (%d)", v.MinCID, v.MaxCID)
		}
		if v.Port == 0 {
			return fmt.Errorf("vsock.port cannot be 0")
		}
	}
	if d, err := time.ParseDuration(v.CIDCooldown); err != nil {
		return fmt.Errorf("vsock.cid_cooldown: invalid duration %q", v.CIDCooldown)
	} else if d < 0 {
		return fmt.Errorf("vsock.cid_cooldown: must not be negative, got %s", d)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"vcpu_resume": c.Timeouts.VcpuResume,
		"vcpu_pause":  c.Timeouts.VcpuPause,
		"vcpu_exit":   c.Timeouts.VcpuExit,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		return nil
	}
	return fmt.Errorf("level: unknown log level %q", c.Logging.Level)
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func validateDirExists(path, name string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: directory does not exist: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}
	return nil
}

func validateFileExists(path, name string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory: %s", name, canonical)
	}
	return nil
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}
