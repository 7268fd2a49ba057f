package arch

import "github.com/aledbf/microvmm/internal/memory"

const (
	// RAMStart is where guest RAM begins.
	RAMStart = 0

	// KernelStart is where a raw kernel image is loaded (HIMEM_START).
	KernelStart = 0x10_0000

	// CmdlineStart is where the kernel command line is written.
	CmdlineStart = 0x2_0000

	// CmdlineMaxSize is the kernel command line limit, including the NUL.
	CmdlineMaxSize = 2048

	// MMIOBase is the start of the 32-bit MMIO gap below 4 GiB.
	MMIOBase = 0xd000_0000

	// IRQBase and IRQMax bound the legacy IRQs handed to MMIO devices.
	IRQBase = 5
	IRQMax  = 23

	// SerialIRQ and KeyboardIRQ are the legacy ISA lines of COM1 and the i8042.
	SerialIRQ   = 4
	KeyboardIRQ = 1

	// HasPortIO reports whether the architecture has a port I/O space.
	HasPortIO = true

	// MMIODevicesOnCmdline reports whether the guest learns about virtio-mmio devices
	// from virtio_mmio.device= command line parameters.
	MMIODevicesOnCmdline = true

	firstAddrPast32Bits = 1 << 32
)

// MemoryRanges splits size bytes of guest RAM around the MMIO gap.
func MemoryRanges(size uint64) []memory.Range {
	if size <= MMIOBase {
		return []memory.Range{{Start: RAMStart, Size: size}}
	}
	return []memory.Range{
		{Start: RAMStart, Size: MMIOBase},
		{Start: firstAddrPast32Bits, Size: size - MMIOBase},
	}
}
