// Package builder assembles a running microVM from a configuration: guest
// memory, kernel image, legacy and virtio devices, exit observers and vCPUs.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/arch"
	"github.com/aledbf/microvmm/internal/bootlog"
	"github.com/aledbf/microvmm/internal/boltstore"
	"github.com/aledbf/microvmm/internal/config"
	"github.com/aledbf/microvmm/internal/devicemanager"
	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/devices/virtio"
	"github.com/aledbf/microvmm/internal/eventfd"
	"github.com/aledbf/microvmm/internal/kernel/cmdline"
	"github.com/aledbf/microvmm/internal/memory"
	"github.com/aledbf/microvmm/internal/paths"
	"github.com/aledbf/microvmm/internal/terminal"
	"github.com/aledbf/microvmm/internal/vmm"
	"github.com/aledbf/microvmm/internal/vstate"
)

// Hypervisor validates host support and creates VMs.
type Hypervisor interface {
	Check(ctx context.Context) error
	CreateVM(ctx context.Context) (VM, error)
}

// VM is a hypervisor VM as seen by the builder.
type VM interface {
	vstate.Vm
	RegisterMemory(mem *memory.GuestMemory) error
	RegisterIrqfd(eventFd int, gsi uint32) error
	CreateVcpu(index int) (vstate.Runner, error)
	Close() error
}

// TapOpener returns an open TAP device, entering netns first when set.
type TapOpener func(ctx context.Context, tap, netns string) (*os.File, error)

// Options configures Build.
type Options struct {
	Config     *config.Config
	Hypervisor Hypervisor

	// Stdout receives guest console output when serial.output is "stdout".
	Stdout io.Writer
	// Terminal is restored to canonical mode on exit. Optional.
	Terminal terminal.Terminal
	// Terminator defaults to exiting the process.
	Terminator vmm.Terminator

	// BootStore defaults to the bolt database under the state directory.
	BootStore boltstore.Store[bootlog.Record]

	// OpenTap defaults to virtio.OpenTap.
	OpenTap TapOpener
	// VsockListen defaults to listening on AF_VSOCK.
	VsockListen virtio.ListenFunc
	// VsockHandler serves guest connections. Connections are closed if nil.
	VsockHandler virtio.ConnHandler
}

// MicroVM is a built and running guest.
type MicroVM struct {
	*vmm.Vmm

	InstanceID string
	ExitEvt    *eventfd.EventFd
	// VsockCID is the leased guest CID, zero without vsock.
	VsockCID uint32
	// Cmdline is the kernel command line the guest boots with.
	Cmdline string
}

// Serial returns the console device, or nil on architectures without port I/O.
func (m *MicroVM) Serial() *devices.SharedDevice {
	return m.GetBusDevice(devices.DeviceTypeSerial, devicemanager.SerialID)
}

type builder struct {
	opts       Options
	cfg        *config.Config
	instanceID string

	mem     *memory.GuestMemory
	memInfo arch.MemoryInfo
	initrd  *arch.InitrdConfig
	cmdline *cmdline.Cmdline
	exitEvt *eventfd.EventFd
	vm      VM

	pio  *devicemanager.PortIODeviceManager
	mmio *devicemanager.MMIODeviceManager

	// observers are torn down in order, on rollback or by the VMM on exit.
	observers []devices.ExitObserver
	booters   []devices.BootObserver
	closers   []io.Closer
	deviceIDs []string
	vsockCID  uint32

	vmm     *vmm.Vmm
	runners []vstate.Runner
	started bool
}

// Build creates the guest described by opts.Config and starts its vCPUs.
// On failure every resource acquired so far is released.
func Build(ctx context.Context, opts Options) (*MicroVM, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("builder: config is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.Hypervisor == nil {
		return nil, fmt.Errorf("builder: hypervisor is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.OpenTap == nil {
		opts.OpenTap = virtio.OpenTap
	}

	b := &builder{
		opts:       opts,
		cfg:        opts.Config,
		instanceID: uuid.NewString(),
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("instance", b.instanceID))

	success := false
	defer b.rollback(ctx, &success)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"check hypervisor", b.checkHypervisor},
		{"guest memory", b.setupMemory},
		{"kernel", b.loadKernel},
		{"command line", b.buildCmdline},
		{"exit event", b.createExitEvt},
		{"vm", b.createVM},
		{"legacy devices", b.attachLegacyDevices},
		{"virtio devices", b.attachVirtioDevices},
		{"vmm", b.createVmm},
		{"boot observers", b.bootObservers},
		{"vcpus", b.createVcpus},
		{"start", b.start},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("step", s.name).Error("builder: failed to build microvm")
			return nil, err
		}
	}

	success = true
	log.G(ctx).WithFields(log.Fields{
		"vcpus":      b.cfg.Machine.Vcpus,
		"memory_mib": b.cfg.Machine.MemoryMiB,
		"devices":    b.deviceIDs,
		"cmdline":    b.cmdline.String(),
	}).Info("builder: microvm started")

	return &MicroVM{
		Vmm:        b.vmm,
		InstanceID: b.instanceID,
		ExitEvt:    b.exitEvt,
		VsockCID:   b.vsockCID,
		Cmdline:    b.cmdline.String(),
	}, nil
}

func (b *builder) rollback(ctx context.Context, success *bool) {
	if *success {
		return
	}
	if b.started {
		if err := b.vmm.ExitVcpus(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("builder: vcpus did not exit during rollback")
		}
	} else {
		for _, r := range b.runners {
			if c, ok := r.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}
	for _, o := range b.observers {
		if err := o.OnVmmExit(ctx); err != nil {
			log.G(ctx).WithError(err).Debug("builder: observer cleanup failed")
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func (b *builder) checkHypervisor(ctx context.Context) error {
	if err := b.opts.Hypervisor.Check(ctx); err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrKvmContext, err)
	}
	return nil
}

func (b *builder) setupMemory(_ context.Context) error {
	mem, err := memory.New(arch.MemoryRanges(b.cfg.Machine.MemoryMiB << 20))
	if err != nil {
		return fmt.Errorf("%w: guest memory: %w", vmm.ErrVm, err)
	}
	b.mem = mem
	b.closers = append(b.closers, mem)
	b.memInfo = arch.NewMemoryInfo(mem)
	return nil
}

func (b *builder) loadKernel(ctx context.Context) error {
	if err := loadImage(b.cfg.Machine.Kernel, func(f *os.File, size int64) error {
		return arch.LoadKernel(b.mem, &b.memInfo, f, size)
	}); err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrKernelFile, err)
	}

	if b.cfg.Machine.Initrd != "" {
		if err := loadImage(b.cfg.Machine.Initrd, func(f *os.File, size int64) error {
			initrd, err := arch.LoadInitrd(b.mem, b.memInfo, f, size)
			b.initrd = initrd
			return err
		}); err != nil {
			return fmt.Errorf("%w: initrd: %w", vmm.ErrKernelFile, err)
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"kernel":     b.cfg.Machine.Kernel,
		"kernel_end": fmt.Sprintf("0x%x", b.memInfo.KernelEnd),
	}).Debug("builder: kernel loaded")
	return nil
}

func loadImage(path string, load func(f *os.File, size int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return load(f, info.Size())
}

func (b *builder) buildCmdline(_ context.Context) error {
	m := b.cfg.Machine
	cc := cmdline.DefaultConfig()
	cc.LogLevel = m.LogLevel
	cc.Extra = m.Cmdline
	if b.cfg.Devices.Serial.Output == config.SerialNone || !arch.HasPortIO {
		cc.Console = ""
	}
	for _, n := range b.cfg.Devices.Net {
		if n.IP != "" {
			cc.Network = &cmdline.NetworkConfig{IP: n.IP, Gateway: n.Gateway, Netmask: n.Netmask, DNS: n.DNS}
			break
		}
	}

	cl, err := cmdline.Build(cc, arch.CmdlineMaxSize)
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrLoadCommandline, err)
	}

	// virtio-blk drives are probed in registration order: vda, vdb, ...
	for i, blk := range b.cfg.Devices.Block {
		if !blk.Root {
			continue
		}
		mode := "rw"
		if blk.ReadOnly {
			mode = "ro"
		}
		if err := cl.Insert("root", fmt.Sprintf("/dev/vd%c", 'a'+i)); err != nil {
			return fmt.Errorf("%w: %w", vmm.ErrLoadCommandline, err)
		}
		if err := cl.InsertStr(mode); err != nil {
			return fmt.Errorf("%w: %w", vmm.ErrLoadCommandline, err)
		}
	}
	b.cmdline = cl
	return nil
}

func (b *builder) createExitEvt(_ context.Context) error {
	evt, err := eventfd.New(unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrEventFd, err)
	}
	b.exitEvt = evt
	b.closers = append(b.closers, evt)
	return nil
}

func (b *builder) createVM(ctx context.Context) error {
	vm, err := b.opts.Hypervisor.CreateVM(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrVm, err)
	}
	b.vm = vm
	b.closers = append(b.closers, vm)

	if err := vm.RegisterMemory(b.mem); err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrVm, err)
	}
	return nil
}

func (b *builder) createVmm(_ context.Context) error {
	t := b.cfg.Timeouts
	v, err := vmm.New(vmm.Options{
		GuestMemory:       b.mem,
		MemoryInfo:        b.memInfo,
		KernelCmdline:     b.cmdline,
		ExitEvt:           b.exitEvt,
		Vm:                b.vm,
		MMIODeviceManager: b.mmio,
		PIODeviceManager:  b.pio,
		Terminal:          b.opts.Terminal,
		Terminator:        b.opts.Terminator,
		ResumeTimeout:     t.GetVcpuResume(),
		PauseTimeout:      t.GetVcpuPause(),
		ExitTimeout:       t.GetVcpuExit(),
	})
	if err != nil {
		return err
	}
	b.vmm = v

	store := b.opts.BootStore
	if store == nil {
		store, err = boltstore.OpenBolt[bootlog.Record](paths.BootLogDBPath(b.cfg.Paths), bootlog.Bucket)
		if err != nil {
			return fmt.Errorf("%w: boot log: %w", vmm.ErrVmmObserverInit, err)
		}
	}
	recorder := bootlog.NewRecorder(store, bootlog.Record{
		InstanceID: b.instanceID,
		PID:        os.Getpid(),
		Kernel:     b.cfg.Machine.Kernel,
		Vcpus:      b.cfg.Machine.Vcpus,
		MemoryMiB:  b.cfg.Machine.MemoryMiB,
		Devices:    b.deviceIDs,
	})
	b.booters = append(b.booters, recorder)
	// The recorder goes last so the record is only closed once every
	// device has been released.
	b.observers = append(b.observers, recorder)

	for _, o := range b.observers {
		v.AddExitObserver(o)
	}
	return nil
}

func (b *builder) bootObservers(ctx context.Context) error {
	for _, o := range b.booters {
		if err := o.OnVmmBoot(ctx); err != nil {
			return fmt.Errorf("%w: %w", vmm.ErrVmmObserverInit, err)
		}
	}
	return nil
}

func (b *builder) createVcpus(_ context.Context) error {
	for i := 0; i < b.cfg.Machine.Vcpus; i++ {
		runner, err := b.vm.CreateVcpu(i)
		if err != nil {
			return fmt.Errorf("%w: %w", vmm.ErrVcpu, err)
		}
		b.runners = append(b.runners, runner)
	}
	return nil
}

func (b *builder) start(ctx context.Context) error {
	// Backends that cannot pause run guest code as soon as the vCPU
	// goroutine starts.
	autoStart := !b.vm.Capabilities().CooperativePause

	vcpus := make([]*vstate.Vcpu, 0, len(b.runners))
	for i, r := range b.runners {
		v := vstate.NewVcpu(i, r, b.exitEvt)
		v.SetAutoStart(autoStart)
		vcpus = append(vcpus, v)
	}

	if err := b.vmm.ConfigureSystem(vcpus, b.initrd, nil); err != nil {
		return err
	}

	b.started = true
	return b.vmm.StartVcpus(ctx, vcpus)
}
