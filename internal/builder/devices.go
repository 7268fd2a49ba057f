package builder

import (
	"context"
	"fmt"
	"io"
	"syscall"

	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/arch"
	"github.com/aledbf/microvmm/internal/config"
	"github.com/aledbf/microvmm/internal/devicemanager"
	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/devices/legacy"
	"github.com/aledbf/microvmm/internal/devices/virtio"
	"github.com/aledbf/microvmm/internal/eventfd"
	"github.com/aledbf/microvmm/internal/paths"
	"github.com/aledbf/microvmm/internal/vmm"
	"github.com/aledbf/microvmm/internal/vsock"
)

// irqEventFd creates an eventfd the device signals to raise gsi in the guest.
func (b *builder) irqEventFd(gsi uint32) (*eventfd.EventFd, error) {
	evt, err := eventfd.New(unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vmm.ErrEventFd, err)
	}
	b.closers = append(b.closers, evt)
	if err := b.vm.RegisterIrqfd(evt.Fd(), gsi); err != nil {
		return nil, err
	}
	return evt, nil
}

// serialOutput opens where guest console output goes. A FIFO is opened
// asynchronously and guest writes block until a reader attaches.
func (b *builder) serialOutput(ctx context.Context) (io.Writer, error) {
	switch out := b.cfg.Devices.Serial.Output; out {
	case config.SerialStdout:
		return b.opts.Stdout, nil
	case config.SerialNone:
		return io.Discard, nil
	default:
		f, err := fifo.OpenFifo(context.WithoutCancel(ctx), out, syscall.O_WRONLY|syscall.O_CREAT, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open console fifo %s: %w", out, err)
		}
		return f, nil
	}
}

func (b *builder) attachLegacyDevices(ctx context.Context) error {
	if !arch.HasPortIO {
		return nil
	}

	serialEvt, err := b.irqEventFd(arch.SerialIRQ)
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrSerial, err)
	}
	kbdEvt, err := b.irqEventFd(arch.KeyboardIRQ)
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrCreateLegacyDevice, err)
	}
	i8042 := legacy.NewI8042Device(b.exitEvt, kbdEvt)

	out, err := b.serialOutput(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrSerial, err)
	}
	serial := legacy.NewSerial(serialEvt, out)

	pio := devicemanager.NewPortIODeviceManager(serial, i8042)
	b.observers = append(b.observers, exitObserving(pio.Serial(), pio.I8042())...)
	if err := pio.RegisterDevices(); err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrLegacyIOBus, err)
	}
	b.pio = pio
	b.deviceIDs = append(b.deviceIDs, devicemanager.SerialID, devicemanager.I8042ID)
	return nil
}

func (b *builder) attachVirtioDevices(ctx context.Context) error {
	b.mmio = devicemanager.NewMMIODeviceManager(arch.MMIOBase, arch.IRQBase, arch.IRQMax)
	d := b.cfg.Devices

	for _, blk := range d.Block {
		dev, err := virtio.NewBlock(blk.ID, blk.Path, blk.ReadOnly)
		if err != nil {
			return fmt.Errorf("%w: block %s: %w", vmm.ErrRegisterMMIODevice, blk.ID, err)
		}
		if err := b.registerVirtio(ctx, blk.ID, dev); err != nil {
			return err
		}
	}

	for _, n := range d.Net {
		tapFile, err := b.opts.OpenTap(ctx, n.Tap, n.Netns)
		if err != nil {
			return fmt.Errorf("%w: net %s: %w", vmm.ErrRegisterMMIODevice, n.ID, err)
		}
		dev, err := virtio.NewNet(n.ID, n.Tap, tapFile, n.MAC)
		if err != nil {
			_ = tapFile.Close()
			return fmt.Errorf("%w: net %s: %w", vmm.ErrRegisterMMIODevice, n.ID, err)
		}
		if err := b.registerVirtio(ctx, n.ID, dev); err != nil {
			return err
		}
	}

	for _, f := range d.Fs {
		dev, err := virtio.NewFs(f.Tag, f.SharedDir)
		if err != nil {
			return fmt.Errorf("%w: fs %s: %w", vmm.ErrRegisterMMIODevice, f.Tag, err)
		}
		if err := b.registerVirtio(ctx, f.Tag, dev); err != nil {
			return err
		}
	}

	if d.Vsock.Enabled {
		return b.attachVsock(ctx)
	}
	return nil
}

func (b *builder) attachVsock(ctx context.Context) error {
	v := b.cfg.Devices.Vsock
	alloc := vsock.NewAllocator(paths.CIDLockDir(b.cfg.Paths), v.MinCID, v.MaxCID, v.GetCIDCooldown())
	lease, err := alloc.Allocate(b.instanceID)
	if err != nil {
		return fmt.Errorf("%w: vsock: %w", vmm.ErrRegisterMMIODevice, err)
	}

	dev, err := virtio.NewVsock(virtio.VsockConfig{
		Lease:   lease,
		Port:    v.Port,
		Listen:  b.opts.VsockListen,
		Handler: b.opts.VsockHandler,
	})
	if err != nil {
		_ = lease.Release()
		return fmt.Errorf("%w: vsock: %w", vmm.ErrRegisterMMIODevice, err)
	}
	b.vsockCID = lease.CID
	return b.registerVirtio(ctx, "vsock", dev)
}

// registerVirtio places backend behind a virtio-mmio transport and
// describes it on the command line where the architecture needs it.
func (b *builder) registerVirtio(ctx context.Context, id string, backend virtio.Backend) error {
	transport := virtio.NewTransport(backend)
	typ := devices.Virtio(backend.DeviceID())

	shared, info, err := b.mmio.RegisterDevice(typ, id, transport)
	if err != nil {
		// The transport owns the backend's resources from here on.
		if cerr := transport.OnVmmExit(ctx); cerr != nil {
			log.G(ctx).WithError(cerr).Debug("builder: failed to release device")
		}
		return fmt.Errorf("%w: %w", vmm.ErrRegisterMMIODevice, err)
	}
	b.observers = append(b.observers, shared)
	b.booters = append(b.booters, shared)
	b.deviceIDs = append(b.deviceIDs, fmt.Sprintf("%s/%s", typ, id))

	if arch.MMIODevicesOnCmdline {
		if err := devicemanager.AddDeviceToCmdline(b.cmdline, info); err != nil {
			return fmt.Errorf("%w: %w", vmm.ErrLoadCommandline, err)
		}
	}
	return nil
}

// exitObserving keeps the devices that want to be told about VMM exit.
func exitObserving(devs ...*devices.SharedDevice) []devices.ExitObserver {
	var out []devices.ExitObserver
	for _, dev := range devs {
		if dev != nil && dev.ObservesExit() {
			out = append(out, dev)
		}
	}
	return out
}
