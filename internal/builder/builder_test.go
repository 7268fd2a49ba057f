package builder

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/arch"
	"github.com/aledbf/microvmm/internal/bootlog"
	"github.com/aledbf/microvmm/internal/boltstore"
	"github.com/aledbf/microvmm/internal/config"
	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/devices/legacy"
	"github.com/aledbf/microvmm/internal/devices/virtio"
	"github.com/aledbf/microvmm/internal/eventmanager"
	"github.com/aledbf/microvmm/internal/exitcode"
	"github.com/aledbf/microvmm/internal/memory"
	"github.com/aledbf/microvmm/internal/paths"
	"github.com/aledbf/microvmm/internal/vmm"
	"github.com/aledbf/microvmm/internal/vsock"
	"github.com/aledbf/microvmm/internal/vstate"
)

type fakeRunner struct {
	steps chan vstate.VcpuExit
	kick  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		steps: make(chan vstate.VcpuExit, 1),
		kick:  make(chan struct{}, 1),
	}
}

func (r *fakeRunner) Run() (vstate.VcpuExit, error) {
	select {
	case e := <-r.steps:
		return e, nil
	case <-r.kick:
		return vstate.VcpuExit{Reason: vstate.ExitInterrupted}, nil
	}
}

func (r *fakeRunner) Mpidr() uint64 { return 0 }

func (r *fakeRunner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

type fakeVM struct {
	cooperative bool
	failVcpu    int

	mu         sync.Mutex
	memory     *memory.GuestMemory
	irqfds     []uint32
	runners    []*fakeRunner
	closed     atomic.Bool
	preloadRun *vstate.VcpuExit
}

func (v *fakeVM) IrqChip() *vstate.IrqChip { return nil }

func (v *fakeVM) Capabilities() vstate.Capabilities {
	return vstate.Capabilities{CooperativePause: v.cooperative}
}

func (v *fakeVM) RegisterMemory(mem *memory.GuestMemory) error {
	v.memory = mem
	return nil
}

func (v *fakeVM) RegisterIrqfd(_ int, gsi uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.irqfds = append(v.irqfds, gsi)
	return nil
}

func (v *fakeVM) CreateVcpu(index int) (vstate.Runner, error) {
	if v.failVcpu > 0 && index == v.failVcpu {
		return nil, errors.New("vcpu limit reached")
	}
	r := newFakeRunner()
	if v.preloadRun != nil {
		r.steps <- *v.preloadRun
	}
	v.mu.Lock()
	v.runners = append(v.runners, r)
	v.mu.Unlock()
	return r, nil
}

func (v *fakeVM) Close() error {
	v.closed.Store(true)
	return nil
}

type fakeHypervisor struct {
	checkErr error
	vm       *fakeVM
}

func (h *fakeHypervisor) Check(context.Context) error { return h.checkErr }

func (h *fakeHypervisor) CreateVM(context.Context) (VM, error) { return h.vm, nil }

type recordingTerminator struct {
	codes chan exitcode.Code
}

func (r *recordingTerminator) Terminate(code exitcode.Code) { r.codes <- code }

type harness struct {
	cfg        *config.Config
	hv         *fakeHypervisor
	store      *boltstore.MemoryStore[bootlog.Record]
	terminator *recordingTerminator
	stdout     *bytes.Buffer
}

func newHarness(t *testing.T, cooperative bool) *harness {
	t.Helper()
	dir := t.TempDir()

	kernel := filepath.Join(dir, "vmlinux")
	require.NoError(t, os.WriteFile(kernel, bytes.Repeat([]byte{0x90}, 4096), 0o644))
	disk := filepath.Join(dir, "rootfs.img")
	require.NoError(t, os.WriteFile(disk, make([]byte, 8192), 0o644))
	shared := filepath.Join(dir, "shared")
	require.NoError(t, os.Mkdir(shared, 0o755))

	cfg := config.DefaultConfig()
	cfg.Paths.StateDir = filepath.Join(dir, "state")
	cfg.Paths.LogDir = filepath.Join(dir, "log")
	cfg.Machine.Vcpus = 2
	cfg.Machine.MemoryMiB = 32
	cfg.Machine.Kernel = kernel
	cfg.Machine.Cmdline = "init=/sbin/init"
	cfg.Devices.Block = []config.BlockConfig{{ID: "rootfs", Path: disk, Root: true}}
	cfg.Devices.Fs = []config.FsConfig{{Tag: "share", SharedDir: shared}}
	cfg.Devices.Vsock.Enabled = true
	cfg.Devices.Vsock.CIDCooldown = "0s"

	return &harness{
		cfg:        cfg,
		hv:         &fakeHypervisor{vm: &fakeVM{cooperative: cooperative}},
		store:      boltstore.NewMemoryStore[bootlog.Record](),
		terminator: &recordingTerminator{codes: make(chan exitcode.Code, 1)},
		stdout:     &bytes.Buffer{},
	}
}

func (h *harness) options() Options {
	return Options{
		Config:     h.cfg,
		Hypervisor: h.hv,
		Stdout:     h.stdout,
		Terminator: h.terminator,
		BootStore:  h.store,
		OpenTap: func(context.Context, string, string) (*os.File, error) {
			return nil, errors.New("no tap in tests")
		},
		VsockListen: func(uint32) (net.Listener, error) {
			return net.Listen("tcp", "127.0.0.1:0")
		},
	}
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 2000)
	require.NoError(t, err)
	require.Equal(t, 1, n, "exit event was not signalled")
}

func TestBuild_BootsAndStops(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	mvm, err := Build(ctx, h.options())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mvm.ExitVcpus(ctx) })

	assert.Equal(t, vmm.StateRunning, mvm.State())
	assert.Equal(t, 2, mvm.VcpuCount())
	assert.Equal(t, uint32(vsock.DefaultMinCID), mvm.VsockCID)
	assert.NotEmpty(t, mvm.InstanceID)
	assert.Same(t, mvm.GuestMemory(), h.hv.vm.memory)

	assert.Contains(t, mvm.Cmdline, "root=/dev/vda rw")
	assert.Contains(t, mvm.Cmdline, "init=/sbin/init")
	if arch.MMIODevicesOnCmdline {
		assert.Contains(t, mvm.Cmdline, "virtio_mmio.device=4K@0x")
	}
	if arch.HasPortIO {
		assert.Equal(t, []uint32{arch.SerialIRQ, arch.KeyboardIRQ}, h.hv.vm.irqfds)
		assert.NotNil(t, mvm.Serial())
	}

	assert.NotNil(t, mvm.GetBusDevice(devices.Virtio(virtio.IDBlock), "rootfs"))
	assert.NotNil(t, mvm.GetBusDevice(devices.Virtio(virtio.IDFs), "share"))
	assert.NotNil(t, mvm.GetBusDevice(devices.Virtio(virtio.IDVsock), "vsock"))

	rec, err := h.store.Get(ctx, mvm.InstanceID)
	require.NoError(t, err)
	assert.False(t, rec.BootedAt.IsZero())
	assert.Nil(t, rec.ExitedAt)
	assert.Equal(t, 2, rec.Vcpus)
	assert.Contains(t, rec.Devices, "virtio(2)/rootfs")

	h.hv.vm.runners[0].steps <- vstate.VcpuExit{Reason: vstate.ExitHalt}
	waitReadable(t, mvm.ExitEvt.Fd())

	mvm.Process(ctx, eventmanager.Event{Fd: mvm.ExitEvt.Fd(), Events: eventmanager.EventIn}, nil)

	select {
	case code := <-h.terminator.codes:
		assert.Equal(t, exitcode.OK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("vmm did not terminate")
	}
	assert.Equal(t, vmm.StateTerminated, mvm.State())

	rec, err = h.store.Get(ctx, mvm.InstanceID)
	require.NoError(t, err)
	assert.NotNil(t, rec.ExitedAt)

	// The CID lease was released on exit.
	alloc := vsock.NewAllocator(paths.CIDLockDir(h.cfg.Paths), vsock.DefaultMinCID, vsock.DefaultMinCID, 0)
	lease, err := alloc.Allocate("next")
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestBuild_NonCooperativeBackendAutoStarts(t *testing.T) {
	h := newHarness(t, false)
	h.cfg.Machine.Vcpus = 1
	h.cfg.Devices.Vsock.Enabled = false
	h.hv.vm.preloadRun = &vstate.VcpuExit{Reason: vstate.ExitShutdown}
	ctx := context.Background()

	mvm, err := Build(ctx, h.options())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mvm.ExitVcpus(ctx) })
	assert.Equal(t, vmm.StateRunning, mvm.State())

	// The vCPU ran without a Resume and reached the shutdown exit.
	waitReadable(t, mvm.ExitEvt.Fd())
	mvm.Process(ctx, eventmanager.Event{Fd: mvm.ExitEvt.Fd(), Events: eventmanager.EventIn}, nil)
	assert.Equal(t, exitcode.OK, <-h.terminator.codes)
}

func TestBuild_RollsBackOnVcpuFailure(t *testing.T) {
	h := newHarness(t, true)
	h.hv.vm.failVcpu = 1
	ctx := context.Background()

	_, err := Build(ctx, h.options())
	require.Error(t, err)
	assert.ErrorIs(t, err, vmm.ErrVcpu)
	assert.True(t, h.hv.vm.closed.Load())

	var records []bootlog.Record
	records, err = bootlog.List(ctx, h.store)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].ExitedAt)

	alloc := vsock.NewAllocator(paths.CIDLockDir(h.cfg.Paths), vsock.DefaultMinCID, vsock.DefaultMinCID, 0)
	lease, err := alloc.Allocate("next")
	require.NoError(t, err, "cid lease must be released on rollback")
	require.NoError(t, lease.Release())
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing config", func(t *testing.T) {
		_, err := Build(ctx, Options{Hypervisor: &fakeHypervisor{}})
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
	})

	t.Run("missing hypervisor", func(t *testing.T) {
		_, err := Build(ctx, Options{Config: config.DefaultConfig()})
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
	})

	t.Run("hypervisor check fails", func(t *testing.T) {
		h := newHarness(t, true)
		cause := errors.New("no kvm")
		h.hv.checkErr = cause
		_, err := Build(ctx, h.options())
		assert.ErrorIs(t, err, vmm.ErrKvmContext)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("kernel missing", func(t *testing.T) {
		h := newHarness(t, true)
		h.cfg.Machine.Kernel = filepath.Join(t.TempDir(), "missing")
		_, err := Build(ctx, h.options())
		assert.ErrorIs(t, err, vmm.ErrKernelFile)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("tap cannot be opened", func(t *testing.T) {
		h := newHarness(t, true)
		h.cfg.Devices.Net = []config.NetConfig{{ID: "eth0", Tap: "tap0"}}
		_, err := Build(ctx, h.options())
		assert.ErrorIs(t, err, vmm.ErrRegisterMMIODevice)
		assert.True(t, h.hv.vm.closed.Load())
	})
}

type nopNotifier struct{}

func (nopNotifier) Write(uint64) error { return nil }

func TestExitObserving(t *testing.T) {
	serial := devices.NewShared(legacy.NewSerial(nopNotifier{}, &bytes.Buffer{}))
	i8042 := devices.NewShared(legacy.NewI8042Device(nopNotifier{}, nopNotifier{}))

	observers := exitObserving(serial, i8042, nil)
	require.Len(t, observers, 1)
	assert.Same(t, serial, observers[0])
	assert.Empty(t, exitObserving(i8042))
}
