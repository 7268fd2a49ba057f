package arch

import "github.com/aledbf/microvmm/internal/memory"

const (
	// RAMStart is where guest DRAM begins.
	RAMStart = 0x8000_0000

	// KernelStart is where a raw kernel Image is loaded, 2 MiB aligned.
	KernelStart = RAMStart + 0x20_0000

	// CmdlineStart is the first DRAM page, below the kernel; the device
	// tree references it.
	CmdlineStart = RAMStart

	// CmdlineMaxSize is the kernel command line limit, including the NUL.
	CmdlineMaxSize = 2048

	// MMIOBase is the start of the device MMIO window below DRAM.
	MMIOBase = 0x4000_0000

	// IRQBase and IRQMax bound the SPIs handed to MMIO devices.
	IRQBase = 32
	IRQMax  = 128

	// SerialIRQ and KeyboardIRQ are unused without port I/O.
	SerialIRQ   = 0
	KeyboardIRQ = 0

	// HasPortIO reports whether the architecture has a port I/O space.
	HasPortIO = false

	// MMIODevicesOnCmdline reports whether the guest learns about virtio-mmio devices
	// from virtio_mmio.device= command line parameters.
	MMIODevicesOnCmdline = false
)

// MemoryRanges returns a single DRAM range of size bytes.
func MemoryRanges(size uint64) []memory.Range {
	return []memory.Range{{Start: RAMStart, Size: size}}
}
