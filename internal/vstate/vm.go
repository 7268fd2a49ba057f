package vstate

import "github.com/aledbf/microvmm/internal/exitcode"

// VcpuExitReason tells the vCPU loop why guest execution stopped.
type VcpuExitReason uint8

const (
	ExitUnknown VcpuExitReason = iota
	// ExitInterrupted is returned after a Kick or a signal; no work is pending.
	ExitInterrupted
	ExitIoIn
	ExitIoOut
	ExitMmioRead
	ExitMmioWrite
	// ExitHalt, ExitShutdown and ExitSystemReset end the vCPU with VcpuExit.Code.
	ExitHalt
	ExitShutdown
	ExitSystemReset
)

func (r VcpuExitReason) String() string {
	switch r {
	case ExitInterrupted:
		return "interrupted"
	case ExitIoIn:
		return "io_in"
	case ExitIoOut:
		return "io_out"
	case ExitMmioRead:
		return "mmio_read"
	case ExitMmioWrite:
		return "mmio_write"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitSystemReset:
		return "system_reset"
	default:
		return "unknown"
	}
}

// VcpuExit describes a single guest exit. Addr is the port number for I/O
// exits and the guest physical address for MMIO exits. Data aliases the
// runner's exchange buffer; for reads the bus fills it in place.
type VcpuExit struct {
	Reason VcpuExitReason
	Addr   uint64
	Data   []byte
	// Code is the status reported with ExitHalt, ExitShutdown and
	// ExitSystemReset. Runners leave it zero (exitcode.OK) unless the
	// guest supplied one.
	Code exitcode.Code
}

// Runner runs guest code for one vCPU. Run is only ever called from the
// vCPU's own locked OS thread.
type Runner interface {
	Run() (VcpuExit, error)
	// Mpidr returns the multiprocessor affinity register value. Platforms
	// without one return the vCPU index.
	Mpidr() uint64
}

// Kicker is implemented by runners that can be forced out of Run from
// another goroutine.
type Kicker interface {
	Kick()
}

// ThreadInitializer is implemented by runners that need per-thread setup
// on the vCPU's OS thread before the first Run.
type ThreadInitializer interface {
	InitThread() error
}

// IrqChipRegion is a guest physical range owned by the interrupt controller.
type IrqChipRegion struct {
	Name string
	Base uint64
	Size uint64
}

// IrqChip describes the in-kernel interrupt controller the guest sees.
type IrqChip struct {
	Version string
	Regions []IrqChipRegion
}

// Capabilities lists optional behaviour of the hypervisor backend.
type Capabilities struct {
	// CooperativePause reports whether vCPUs honour Resume/Pause commands.
	// Backends without it run vCPUs as soon as they start.
	CooperativePause bool
}

// Vm is the hypervisor VM capability consumed by the VMM.
type Vm interface {
	// IrqChip returns the interrupt controller, or nil if there is none.
	IrqChip() *IrqChip
	Capabilities() Capabilities
}
