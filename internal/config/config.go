// Package config loads the microvmm configuration. The configuration is a
// JSON file at /etc/microvmm/config.json, overridable with the
// MICROVMM_CONFIG environment variable or the --config flag.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location of the config file.
	DefaultConfigPath = "/etc/microvmm/config.json"

	// ConfigEnvVar overrides the config file location.
	ConfigEnvVar = "MICROVMM_CONFIG"
)

// Serial output modes.
const (
	SerialStdout = "stdout"
	SerialNone   = "none"
)

// Config is the root configuration structure.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Machine  MachineConfig  `json:"machine"`
	Devices  DevicesConfig  `json:"devices"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Logging  LoggingConfig  `json:"logging"`
}

// PathsConfig defines where microvmm keeps its files.
type PathsConfig struct {
	StateDir string `json:"state_dir"` // boot log and vsock CID leases
	LogDir   string `json:"log_dir"`
}

// MachineConfig describes the guest.
type MachineConfig struct {
	Vcpus     int    `json:"vcpus"`
	MemoryMiB uint64 `json:"memory_mib"`
	Kernel    string `json:"kernel"`
	Initrd    string `json:"initrd,omitempty"`
	// Cmdline is appended to the generated kernel command line.
	Cmdline  string `json:"cmdline,omitempty"`
	LogLevel int    `json:"kernel_log_level,omitempty"`
}

// DevicesConfig lists the emulated devices.
type DevicesConfig struct {
	Serial SerialConfig  `json:"serial"`
	Block  []BlockConfig `json:"block,omitempty"`
	Net    []NetConfig   `json:"net,omitempty"`
	Fs     []FsConfig    `json:"fs,omitempty"`
	Vsock  VsockConfig   `json:"vsock"`
}

// SerialConfig selects where the guest console goes: "stdout", "none" or
// the path of a FIFO.
type SerialConfig struct {
	Output string `json:"output"`
	// Input forwards stdin to the guest console.
	Input bool `json:"input"`
}

// BlockConfig is a virtio-blk drive.
type BlockConfig struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only"`
	Root     bool   `json:"root"`
}

// NetConfig is a virtio-net interface backed by an existing TAP.
type NetConfig struct {
	ID    string `json:"id"`
	Tap   string `json:"tap"`
	Netns string `json:"netns,omitempty"`
	MAC   string `json:"mac,omitempty"`

	// Static guest addressing passed on the kernel command line.
	IP      string   `json:"ip,omitempty"`
	Gateway string   `json:"gateway,omitempty"`
	Netmask string   `json:"netmask,omitempty"`
	DNS     []string `json:"dns,omitempty"`
}

// FsConfig is a virtio-fs share.
type FsConfig struct {
	Tag       string `json:"tag"`
	SharedDir string `json:"shared_dir"`
}

// VsockConfig enables the virtio-vsock device.
type VsockConfig struct {
	Enabled     bool   `json:"enabled"`
	Port        uint32 `json:"port"`
	MinCID      uint32 `json:"min_cid"`
	MaxCID      uint32 `json:"max_cid"`
	CIDCooldown string `json:"cid_cooldown"`
}

// GetCIDCooldown returns the CID reuse cooldown.
func (v *VsockConfig) GetCIDCooldown() time.Duration {
	return mustParseDuration(v.CIDCooldown)
}

// TimeoutsConfig holds duration strings such as "500ms" or "2s".
type TimeoutsConfig struct {
	// VcpuResume bounds the wait for each vCPU to acknowledge a resume.
	VcpuResume string `json:"vcpu_resume"`
	// VcpuPause bounds the wait for each vCPU to acknowledge a pause.
	VcpuPause string `json:"vcpu_pause"`
	// VcpuExit bounds the wait for vCPU goroutines to finish on rollback.
	VcpuExit string `json:"vcpu_exit"`
}

// GetVcpuResume returns the resume timeout.
func (t *TimeoutsConfig) GetVcpuResume() time.Duration {
	return mustParseDuration(t.VcpuResume)
}

// GetVcpuPause returns the pause timeout.
func (t *TimeoutsConfig) GetVcpuPause() time.Duration {
	return mustParseDuration(t.VcpuPause)
}

// GetVcpuExit returns the exit timeout.
func (t *TimeoutsConfig) GetVcpuExit() time.Duration {
	return mustParseDuration(t.VcpuExit)
}

// LoggingConfig sets the log level: trace, debug, info, warn or error.
type LoggingConfig struct {
	Level string `json:"level"`
}

// mustParseDuration panics on strings Validate would have rejected.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config so the next Get reloads it.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads the config from MICROVMM_CONFIG or DefaultConfigPath.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFrom(path)
}

// LoadFrom loads, defaults and validates the config at path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (set %s or --config): %w", path, ConfigEnvVar, err)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the defaults applied to empty fields.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "/var/lib/microvmm",
			LogDir:   "/var/log/microvmm",
		},
		Machine: MachineConfig{
			Vcpus:     1,
			MemoryMiB: 128,
			LogLevel:  3,
		},
		Devices: DevicesConfig{
			Serial: SerialConfig{Output: SerialStdout},
			Vsock: VsockConfig{
				Port:        1025,
				MinCID:      3,
				MaxCID:      65535,
				CIDCooldown: "10s",
			},
		},
		Timeouts: TimeoutsConfig{
			VcpuResume: "1000ms",
			VcpuPause:  "1000ms",
			VcpuExit:   "2s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyMachineDefaults(defaults)
	c.applyDeviceDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyLoggingDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
}

func (c *Config) applyMachineDefaults(defaults *Config) {
	if c.Machine.Vcpus == 0 {
		c.Machine.Vcpus = defaults.Machine.Vcpus
	}
	if c.Machine.MemoryMiB == 0 {
		c.Machine.MemoryMiB = defaults.Machine.MemoryMiB
	}
	if c.Machine.LogLevel == 0 {
		c.Machine.LogLevel = defaults.Machine.LogLevel
	}
}

func (c *Config) applyDeviceDefaults(defaults *Config) {
	if c.Devices.Serial.Output == "" {
		c.Devices.Serial.Output = defaults.Devices.Serial.Output
	}
	v := &c.Devices.Vsock
	if v.Port == 0 {
		v.Port = defaults.Devices.Vsock.Port
	}
	if v.MinCID == 0 {
		v.MinCID = defaults.Devices.Vsock.MinCID
	}
	if v.MaxCID == 0 {
		v.MaxCID = defaults.Devices.Vsock.MaxCID
	}
	if v.CIDCooldown == "" {
		v.CIDCooldown = defaults.Devices.Vsock.CIDCooldown
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.VcpuResume == "" {
		c.Timeouts.VcpuResume = defaults.Timeouts.VcpuResume
	}
	if c.Timeouts.VcpuPause == "" {
		c.Timeouts.VcpuPause = defaults.Timeouts.VcpuPause
	}
	if c.Timeouts.VcpuExit == "" {
		c.Timeouts.VcpuExit = defaults.Timeouts.VcpuExit
	}
}

func (c *Config) applyLoggingDefaults(defaults *Config) {
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}
