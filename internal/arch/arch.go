// Package arch holds the architecture specific guest layout and the
// capability that prepares guest memory for boot.
package arch

import (
	"errors"
	"fmt"
	"io"

	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/memory"
	"github.com/aledbf/microvmm/internal/vstate"
)

const (
	// MMIOLen is the size of the MMIO window of one device.
	MMIOLen = 0x1000

	pageSize = 0x1000

	// MaxVcpus is the most vCPUs a guest can be configured with.
	MaxVcpus = 254
)

var (
	// ErrNoVcpus is returned when configuring a guest without vCPUs.
	ErrNoVcpus = errors.New("at least one vcpu is required")

	// ErrTooManyVcpus is returned above MaxVcpus.
	ErrTooManyVcpus = errors.New("too many vcpus")

	// ErrCmdlineTooLarge is returned when the command line does not fit its guest slot.
	ErrCmdlineTooLarge = errors.New("kernel command line too large")

	// ErrInitrdPlacement is returned when the initrd does not fit in guest memory.
	ErrInitrdPlacement = errors.New("initrd does not fit in guest memory")

	// ErrKernelTooLarge is returned when the kernel image does not fit in guest memory.
	ErrKernelTooLarge = errors.New("kernel image does not fit in guest memory")
)

// MemoryInfo describes the guest physical layout.
type MemoryInfo struct {
	RAMStart    uint64
	RAMLastAddr uint64
	MMIOBase    uint64
	KernelStart uint64
	KernelEnd   uint64
}

// InitrdConfig locates the initial ramdisk in guest memory.
type InitrdConfig struct {
	Address uint64
	Size    uint64
}

// DeviceInfo is the placement of an MMIO device, as exposed to the guest.
type DeviceInfo struct {
	Type devices.DeviceType
	ID   string
	Addr uint64
	Len  uint64
	IRQ  uint32
}

// SystemConfig carries everything the configurator needs to prepare the guest.
type SystemConfig struct {
	Memory     *memory.GuestMemory
	MemoryInfo MemoryInfo
	Cmdline    string
	// CmdlineLen includes the trailing NUL.
	CmdlineLen int
	VcpuCount  uint8
	VcpuMpidrs []uint64
	Devices    []DeviceInfo
	IrqChip    *vstate.IrqChip
	Initrd     *InitrdConfig
	OemStrings []string
}

// Configurator prepares guest memory so the kernel can boot.
type Configurator interface {
	ConfigureSystem(cfg *SystemConfig) error
}

// BootConfigurator is the portable part of system configuration: it
// validates the configuration and writes the NUL terminated command line
// at CmdlineStart.
type BootConfigurator struct{}

func (BootConfigurator) ConfigureSystem(cfg *SystemConfig) error {
	if cfg.VcpuCount == 0 {
		return ErrNoVcpus
	}
	if cfg.VcpuCount > MaxVcpus {
		return fmt.Errorf("%d: %w", cfg.VcpuCount, ErrTooManyVcpus)
	}
	if cfg.CmdlineLen > CmdlineMaxSize || len(cfg.Cmdline)+1 > cfg.CmdlineLen {
		return fmt.Errorf("%d bytes: %w", cfg.CmdlineLen, ErrCmdlineTooLarge)
	}
	if cfg.Initrd != nil {
		end := cfg.Initrd.Address + cfg.Initrd.Size
		if end-1 > cfg.MemoryInfo.RAMLastAddr || cfg.Initrd.Address < cfg.MemoryInfo.KernelEnd {
			return fmt.Errorf("initrd at 0x%x: %w", cfg.Initrd.Address, ErrInitrdPlacement)
		}
	}

	buf := make([]byte, cfg.CmdlineLen)
	copy(buf, cfg.Cmdline)
	if _, err := cfg.Memory.WriteAt(buf, CmdlineStart); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}
	return nil
}

// NewMemoryInfo derives the layout facts for a guest memory map.
func NewMemoryInfo(mem *memory.GuestMemory) MemoryInfo {
	return MemoryInfo{
		RAMStart:    RAMStart,
		RAMLastAddr: mem.LastAddr(),
		MMIOBase:    MMIOBase,
		KernelStart: KernelStart,
	}
}

// LoadKernel copies a raw kernel image to KernelStart and records its end
// in info.
func LoadKernel(mem *memory.GuestMemory, info *MemoryInfo, r io.Reader, size int64) error {
	dst, err := mem.Slice(KernelStart, uint64(size))
	if err != nil {
		return fmt.Errorf("%d bytes: %w: %w", size, ErrKernelTooLarge, err)
	}
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}
	info.KernelEnd = KernelStart + uint64(size)
	return nil
}

// LoadInitrd copies the initrd page aligned at the end of the first RAM
// region that can hold it past the kernel.
func LoadInitrd(mem *memory.GuestMemory, info MemoryInfo, r io.Reader, size int64) (*InitrdConfig, error) {
	if size <= 0 {
		return nil, fmt.Errorf("empty image: %w", ErrInitrdPlacement)
	}
	usize := uint64(size)
	for _, region := range mem.Regions() {
		if region.Size < usize {
			continue
		}
		addr := (region.End() - usize) &^ (pageSize - 1)
		if addr < region.Start || addr < info.KernelEnd {
			continue
		}
		dst, err := mem.Slice(addr, usize)
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, fmt.Errorf("read initrd: %w", err)
		}
		return &InitrdConfig{Address: addr, Size: usize}, nil
	}
	return nil, fmt.Errorf("%d bytes: %w", size, ErrInitrdPlacement)
}
