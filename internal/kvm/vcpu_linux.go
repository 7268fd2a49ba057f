package kvm

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/vstate"
)

// Exit reasons reported in kvm_run.
const (
	exitUnknown       = 0
	exitIO            = 2
	exitHlt           = 5
	exitMMIO          = 6
	exitShutdown      = 8
	exitFailEntry     = 9
	exitIntr          = 10
	exitInternalError = 17
	exitSystemEvent   = 24
)

const (
	systemEventShutdown = 1
	systemEventReset    = 2
	systemEventCrash    = 3

	ioDirectionOut = 1
)

// Offsets into struct kvm_run.
const (
	runImmediateExit = 1
	runExitReason    = 8
	runExitUnion     = 32
)

// KickSignal interrupts a vCPU thread blocked in KVM_RUN.
var KickSignal = unix.SIGUSR1

var installKickHandler sync.Once

// Vcpu runs one KVM vCPU. Run must only be called from the thread that
// called InitThread.
type Vcpu struct {
	index int
	fd    int
	run   []byte
	mpidr uint64
	tid   atomic.Int32
}

var (
	_ vstate.Runner            = (*Vcpu)(nil)
	_ vstate.Kicker            = (*Vcpu)(nil)
	_ vstate.ThreadInitializer = (*Vcpu)(nil)
)

// InitThread records the OS thread so Kick can signal it. The Go runtime
// must have a handler for KickSignal so the signal interrupts KVM_RUN
// instead of terminating the process.
func (v *Vcpu) InitThread() error {
	installKickHandler.Do(func() {
		// The channel is never read; Notify only replaces the default action.
		signal.Notify(make(chan os.Signal, 1), KickSignal)
	})
	v.tid.Store(int32(unix.Gettid()))
	return nil
}

// Mpidr returns the affinity value set by the arch configurator.
func (v *Vcpu) Mpidr() uint64 { return v.mpidr }

// SetMpidr records the affinity value.
func (v *Vcpu) SetMpidr(mpidr uint64) { v.mpidr = mpidr }

// Kick makes a running or about to run KVM_RUN return to userspace.
func (v *Vcpu) Kick() {
	v.run[runImmediateExit] = 1
	if tid := v.tid.Load(); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), KickSignal)
	}
}

// Run enters the guest until the next exit that needs the VMM.
func (v *Vcpu) Run() (vstate.VcpuExit, error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmRun, 0)
	v.run[runImmediateExit] = 0
	switch errno {
	case 0:
	case unix.EINTR, unix.EAGAIN:
		return vstate.VcpuExit{Reason: vstate.ExitInterrupted}, nil
	default:
		return vstate.VcpuExit{}, fmt.Errorf("kvm: vcpu %d run: %w", v.index, errno)
	}
	return decodeExit(v.run)
}

// decodeExit translates the exit recorded in a kvm_run area. The Data of
// I/O and MMIO exits aliases the run area so device reads are seen by KVM.
func decodeExit(run []byte) (vstate.VcpuExit, error) {
	reason := binary.NativeEndian.Uint32(run[runExitReason:])
	u := run[runExitUnion:]

	switch reason {
	case exitIO:
		dir := u[0]
		size := uint64(u[1])
		port := uint64(binary.NativeEndian.Uint16(u[2:]))
		count := uint64(binary.NativeEndian.Uint32(u[4:]))
		off := binary.NativeEndian.Uint64(u[8:])
		if off+size*count > uint64(len(run)) {
			return vstate.VcpuExit{}, fmt.Errorf("kvm: io data offset 0x%x out of range", off)
		}
		exit := vstate.VcpuExit{Reason: vstate.ExitIoIn, Addr: port, Data: run[off : off+size*count]}
		if dir == ioDirectionOut {
			exit.Reason = vstate.ExitIoOut
		}
		return exit, nil
	case exitMMIO:
		addr := binary.NativeEndian.Uint64(u[0:])
		n := binary.NativeEndian.Uint32(u[16:])
		if n > 8 {
			return vstate.VcpuExit{}, fmt.Errorf("kvm: mmio access of %d bytes", n)
		}
		exit := vstate.VcpuExit{Reason: vstate.ExitMmioRead, Addr: addr, Data: u[8 : 8+n]}
		if u[20] != 0 {
			exit.Reason = vstate.ExitMmioWrite
		}
		return exit, nil
	case exitHlt:
		return vstate.VcpuExit{Reason: vstate.ExitHalt}, nil
	case exitShutdown:
		return vstate.VcpuExit{Reason: vstate.ExitShutdown}, nil
	case exitIntr:
		return vstate.VcpuExit{Reason: vstate.ExitInterrupted}, nil
	case exitSystemEvent:
		switch binary.NativeEndian.Uint32(u[0:]) {
		case systemEventShutdown:
			return vstate.VcpuExit{Reason: vstate.ExitShutdown}, nil
		case systemEventReset:
			return vstate.VcpuExit{Reason: vstate.ExitSystemReset}, nil
		default:
			return vstate.VcpuExit{}, fmt.Errorf("kvm: system event %d", binary.NativeEndian.Uint32(u[0:]))
		}
	case exitFailEntry:
		return vstate.VcpuExit{}, fmt.Errorf("kvm: entry failed, hardware reason 0x%x", binary.NativeEndian.Uint64(u[0:]))
	case exitInternalError:
		return vstate.VcpuExit{}, fmt.Errorf("kvm: internal error, suberror %d", binary.NativeEndian.Uint32(u[0:]))
	default:
		return vstate.VcpuExit{Reason: vstate.ExitUnknown}, nil
	}
}

// Close unmaps the run area and closes the vCPU.
func (v *Vcpu) Close() error {
	if err := unix.Munmap(v.run); err != nil {
		return err
	}
	return unix.Close(v.fd)
}
