// Package vmm orchestrates a single guest: it starts and synchronizes the
// vCPUs, configures the platform for boot, exposes the device registries
// and tears everything down when the guest exits.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/aledbf/microvmm/internal/arch"
	"github.com/aledbf/microvmm/internal/devicemanager"
	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/kernel/cmdline"
	"github.com/aledbf/microvmm/internal/memory"
	"github.com/aledbf/microvmm/internal/terminal"
	"github.com/aledbf/microvmm/internal/vstate"
)

const (
	// DefaultResumeTimeout bounds the wait for each vCPU to acknowledge Resume.
	DefaultResumeTimeout = 1000 * time.Millisecond
	// DefaultPauseTimeout bounds the wait for each vCPU to acknowledge Pause.
	DefaultPauseTimeout = 1000 * time.Millisecond
	// DefaultExitTimeout bounds the wait for vCPU goroutines in ExitVcpus.
	DefaultExitTimeout = 2 * time.Second
)

// ExitEvent is the descriptor vCPUs and devices signal when the guest
// stops on its own.
type ExitEvent interface {
	Fd() int
	Read() (uint64, error)
}

// Options configures a Vmm.
type Options struct {
	GuestMemory   *memory.GuestMemory
	MemoryInfo    arch.MemoryInfo
	KernelCmdline *cmdline.Cmdline
	ExitEvt       ExitEvent
	Vm            vstate.Vm

	MMIODeviceManager *devicemanager.MMIODeviceManager
	// PIODeviceManager is nil on architectures without port I/O.
	PIODeviceManager *devicemanager.PortIODeviceManager

	// Configurator defaults to arch.BootConfigurator.
	Configurator arch.Configurator
	// Terminal is optional.
	Terminal terminal.Terminal
	// Terminator defaults to ProcessTerminator.
	Terminator Terminator

	ResumeTimeout time.Duration
	PauseTimeout  time.Duration
	ExitTimeout   time.Duration
}

// Vmm owns the vCPU handles, the device registries and the exit observers
// of one guest.
type Vmm struct {
	mu sync.Mutex

	guestMemory    *memory.GuestMemory
	archMemoryInfo arch.MemoryInfo
	kernelCmdline  *cmdline.Cmdline
	vcpuHandles    []*vstate.VcpuHandle
	exitEvt        ExitEvent
	vm             vstate.Vm
	exitObservers  []devices.ExitObserver

	mmio *devicemanager.MMIODeviceManager
	pio  *devicemanager.PortIODeviceManager

	configurator arch.Configurator
	terminal     terminal.Terminal
	terminator   Terminator

	resumeTimeout time.Duration
	pauseTimeout  time.Duration
	exitTimeout   time.Duration

	state stateMachine
}

// New validates opts and returns a Vmm in the Constructed state.
func New(opts Options) (*Vmm, error) {
	if opts.ExitEvt == nil {
		return nil, fmt.Errorf("vmm: exit event is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.MMIODeviceManager == nil {
		return nil, fmt.Errorf("vmm: mmio device manager is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.Vm == nil {
		return nil, fmt.Errorf("vmm: vm is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.KernelCmdline == nil {
		return nil, fmt.Errorf("vmm: kernel command line is required: %w", errdefs.ErrInvalidArgument)
	}

	v := &Vmm{
		guestMemory:    opts.GuestMemory,
		archMemoryInfo: opts.MemoryInfo,
		kernelCmdline:  opts.KernelCmdline,
		exitEvt:        opts.ExitEvt,
		vm:             opts.Vm,
		mmio:           opts.MMIODeviceManager,
		pio:            opts.PIODeviceManager,
		configurator:   opts.Configurator,
		terminal:       opts.Terminal,
		terminator:     opts.Terminator,
		resumeTimeout:  opts.ResumeTimeout,
		pauseTimeout:   opts.PauseTimeout,
		exitTimeout:    opts.ExitTimeout,
	}
	if v.configurator == nil {
		v.configurator = arch.BootConfigurator{}
	}
	if v.terminator == nil {
		v.terminator = ProcessTerminator{}
	}
	if v.resumeTimeout <= 0 {
		v.resumeTimeout = DefaultResumeTimeout
	}
	if v.pauseTimeout <= 0 {
		v.pauseTimeout = DefaultPauseTimeout
	}
	if v.exitTimeout <= 0 {
		v.exitTimeout = DefaultExitTimeout
	}
	return v, nil
}

// State returns the current lifecycle state.
func (v *Vmm) State() State {
	return v.state.State()
}

// GuestMemory returns the guest memory map.
func (v *Vmm) GuestMemory() *memory.GuestMemory {
	return v.guestMemory
}

// KvmVM returns the hypervisor VM.
func (v *Vmm) KvmVM() vstate.Vm {
	return v.vm
}

// AddExitObserver registers o to be torn down on Stop. Observers run in
// registration order.
func (v *Vmm) AddExitObserver(o devices.ExitObserver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exitObservers = append(v.exitObservers, o)
}

// VcpuCount returns the number of started vCPUs.
func (v *Vmm) VcpuCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.vcpuHandles)
}

func (v *Vmm) handles() []*vstate.VcpuHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*vstate.VcpuHandle(nil), v.vcpuHandles...)
}

// StartVcpus attaches the device buses to each vCPU, spawns their
// goroutines and resumes them. Handles of vCPUs started before a failure
// are kept; callers may use ExitVcpus to stop them. Only one call may
// spawn vCPUs, so a retry after a partial failure is rejected.
func (v *Vmm) StartVcpus(ctx context.Context, vcpus []*vstate.Vcpu) error {
	if v.State() != StateConstructed {
		return &StateTransitionError{From: StateConstructed, To: StateVcpusStarted, Current: v.State()}
	}
	if n := v.VcpuCount(); n > 0 {
		return fmt.Errorf("%w: %d vcpus already spawned: %w", ErrVcpuHandle, n, errdefs.ErrFailedPrecondition)
	}

	log.G(ctx).WithField("count", len(vcpus)).Debug("vmm: starting vcpus")

	for _, vcpu := range vcpus {
		vcpu.SetMmioBus(v.mmio.Bus())
		if v.pio != nil {
			vcpu.SetPioBus(v.pio.Bus())
		}

		h, err := vcpu.StartThreaded()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrVcpuHandle, err)
		}

		v.mu.Lock()
		v.vcpuHandles = append(v.vcpuHandles, h)
		v.mu.Unlock()
	}

	if err := v.state.Transition(StateConstructed, StateVcpusStarted); err != nil {
		return err
	}
	return v.ResumeVcpus(ctx)
}

// ResumeVcpus sends Resume to every vCPU and waits for each to acknowledge
// within the resume timeout. It fails on the first vCPU that does not.
// Backends without cooperative pause start their vCPUs running, so this is
// a no-op for them.
func (v *Vmm) ResumeVcpus(ctx context.Context) error {
	if !v.vm.Capabilities().CooperativePause {
		if v.State() == StateVcpusStarted {
			return v.state.Transition(StateVcpusStarted, StateRunning)
		}
		return nil
	}

	from := v.State()
	if from != StateVcpusStarted && from != StatePaused {
		return &StateTransitionError{From: from, To: StateRunning, Current: from}
	}

	if err := v.broadcast(ctx, vstate.EventResume, vstate.ResponseResumed, v.resumeTimeout, ErrVcpuResume); err != nil {
		return err
	}
	return v.state.Transition(from, StateRunning)
}

// PauseVcpus sends Pause to every vCPU and waits for each to acknowledge
// within the pause timeout.
func (v *Vmm) PauseVcpus(ctx context.Context) error {
	if v.State() != StateRunning {
		return &StateTransitionError{From: StateRunning, To: StatePaused, Current: v.State()}
	}
	if !v.vm.Capabilities().CooperativePause {
		return fmt.Errorf("%w: backend cannot pause vcpus: %w", ErrVcpuPause, errdefs.ErrNotImplemented)
	}

	if err := v.broadcast(ctx, vstate.EventPause, vstate.ResponsePaused, v.pauseTimeout, ErrVcpuPause); err != nil {
		return err
	}
	return v.state.Transition(StateRunning, StatePaused)
}

// broadcast sends ev to every vCPU, then waits for want from each one in
// order.
func (v *Vmm) broadcast(ctx context.Context, ev vstate.VcpuEvent, want vstate.ResponseKind, timeout time.Duration, errKind error) error {
	handles := v.handles()

	for _, h := range handles {
		if err := h.SendEvent(ev); err != nil {
			return fmt.Errorf("%w: %w", ErrVcpuEvent, err)
		}
	}

	for _, h := range handles {
		resp, err := h.ResponseReceiver().RecvTimeout(timeout)
		if err != nil {
			return fmt.Errorf("%w: vcpu %d: %w", errKind, h.Index(), err)
		}
		if resp.Kind != want {
			return fmt.Errorf("%w: vcpu %d: unexpected response %s", errKind, h.Index(), resp)
		}
	}

	log.G(ctx).WithField("event", ev.String()).WithField("count", len(handles)).Debug("vmm: vcpus acknowledged")
	return nil
}

// ExitVcpus asks every live vCPU to exit and waits for their goroutines.
// vCPUs that already terminated are skipped.
func (v *Vmm) ExitVcpus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.exitTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range v.handles() {
		g.Go(func() error {
			if err := h.SendEvent(vstate.EventExit); err != nil {
				if errors.Is(err, vstate.ErrChannelClosed) {
					return nil
				}
				return fmt.Errorf("%w: %w", ErrVcpuEvent, err)
			}
			if err := h.Wait(ctx); err != nil {
				return fmt.Errorf("%w: vcpu %d did not exit: %w", ErrVcpu, h.Index(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ConfigureSystem prepares the guest for boot through the architecture
// configurator. The VMM state is not changed.
func (v *Vmm) ConfigureSystem(vcpus []*vstate.Vcpu, initrd *arch.InitrdConfig, oemStrings []string) error {
	if len(vcpus) > arch.MaxVcpus {
		return fmt.Errorf("%w: %w", ErrConfigureSystem, arch.ErrTooManyVcpus)
	}

	mpidrs := make([]uint64, 0, len(vcpus))
	for _, vcpu := range vcpus {
		mpidrs = append(mpidrs, vcpu.Mpidr())
	}

	cmdline := v.kernelCmdline.String()
	cfg := &arch.SystemConfig{
		Memory:     v.guestMemory,
		MemoryInfo: v.archMemoryInfo,
		Cmdline:    cmdline,
		CmdlineLen: len(cmdline) + 1,
		VcpuCount:  uint8(len(vcpus)),
		VcpuMpidrs: mpidrs,
		Devices:    v.mmio.DeviceInfo(),
		IrqChip:    v.vm.IrqChip(),
		Initrd:     initrd,
		OemStrings: oemStrings,
	}

	if err := v.configurator.ConfigureSystem(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigureSystem, err)
	}
	return nil
}

// GetBusDevice returns the device registered under (typ, id), looking at
// the MMIO registry before the port I/O registry. It returns nil if absent.
func (v *Vmm) GetBusDevice(typ devices.DeviceType, id string) *devices.SharedDevice {
	if dev := v.mmio.GetDevice(typ, id); dev != nil {
		return dev
	}
	if v.pio != nil {
		return v.pio.GetDevice(typ, id)
	}
	return nil
}

type ctrlAltDelTrigger interface {
	TriggerCtrlAltDel() error
}

// SendCtrlAltDel injects the Ctrl+Alt+Del key sequence through the i8042
// controller so the guest can shut down gracefully.
func (v *Vmm) SendCtrlAltDel() error {
	if v.pio == nil || v.pio.I8042() == nil {
		return fmt.Errorf("%w: no i8042 device: %w", ErrI8042, errdefs.ErrNotFound)
	}

	err := v.pio.I8042().With(func(dev devices.BusDevice) error {
		trigger, ok := dev.(ctrlAltDelTrigger)
		if !ok {
			return fmt.Errorf("device %T cannot send key sequences: %w", dev, errdefs.ErrNotImplemented)
		}
		return trigger.TriggerCtrlAltDel()
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrI8042, err)
	}
	return nil
}
