package vmm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aledbf/microvmm/internal/arch"
	"github.com/aledbf/microvmm/internal/devicemanager"
	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/devices/legacy"
	"github.com/aledbf/microvmm/internal/eventmanager"
	"github.com/aledbf/microvmm/internal/exitcode"
	"github.com/aledbf/microvmm/internal/kernel/cmdline"
	"github.com/aledbf/microvmm/internal/vstate"
)

const (
	testTimeout = 5 * time.Second
	testExitFd  = 42
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runStep struct {
	exit vstate.VcpuExit
	err  error
}

type testRunner struct {
	steps      chan runStep
	kick       chan struct{}
	runs       atomic.Int32
	ignoreKick bool
	mpidr      uint64
}

func newTestRunner() *testRunner {
	return &testRunner{
		steps: make(chan runStep, 4),
		kick:  make(chan struct{}, 1),
	}
}

func (r *testRunner) Run() (vstate.VcpuExit, error) {
	r.runs.Add(1)
	select {
	case s := <-r.steps:
		return s.exit, s.err
	case <-r.kick:
		return vstate.VcpuExit{Reason: vstate.ExitInterrupted}, nil
	}
}

func (r *testRunner) Mpidr() uint64 { return r.mpidr }

func (r *testRunner) Kick() {
	if r.ignoreKick {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

type fakeExitEvt struct {
	count atomic.Uint64
	reads atomic.Int32
}

func (e *fakeExitEvt) Fd() int { return testExitFd }

func (e *fakeExitEvt) Write(v uint64) error {
	e.count.Add(v)
	return nil
}

func (e *fakeExitEvt) Read() (uint64, error) {
	e.reads.Add(1)
	return e.count.Swap(0), nil
}

type fakeVm struct {
	caps    vstate.Capabilities
	irqChip *vstate.IrqChip
}

func (f *fakeVm) IrqChip() *vstate.IrqChip           { return f.irqChip }
func (f *fakeVm) Capabilities() vstate.Capabilities { return f.caps }

type recordingConfigurator struct {
	cfg *arch.SystemConfig
	err error
}

func (c *recordingConfigurator) ConfigureSystem(cfg *arch.SystemConfig) error {
	c.cfg = cfg
	return c.err
}

type fakeTerminal struct {
	calls atomic.Int32
	err   error
}

func (t *fakeTerminal) SetCanonicalMode() error {
	t.calls.Add(1)
	return t.err
}

type recordingTerminator struct {
	mu    sync.Mutex
	codes []exitcode.Code
}

func (r *recordingTerminator) Terminate(code exitcode.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *recordingTerminator) Codes() []exitcode.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]exitcode.Code(nil), r.codes...)
}

// orderObserver appends its name to a shared log when torn down.
type orderObserver struct {
	name  string
	err   error
	order *[]string
}

func (o *orderObserver) OnVmmExit(context.Context) error {
	*o.order = append(*o.order, o.name)
	return o.err
}

type countingNotifier struct {
	writes atomic.Int32
}

func (n *countingNotifier) Write(uint64) error {
	n.writes.Add(1)
	return nil
}

type nopDevice struct{}

func (nopDevice) Read(uint64, uint64, []byte)  {}
func (nopDevice) Write(uint64, uint64, []byte) {}

type harness struct {
	vmm          *Vmm
	exitEvt      *fakeExitEvt
	vm           *fakeVm
	configurator *recordingConfigurator
	terminal     *fakeTerminal
	terminator   *recordingTerminator
	kbdEvt       *countingNotifier
}

func newHarness(t *testing.T, cooperative bool) *harness {
	t.Helper()

	h := &harness{
		exitEvt:      &fakeExitEvt{},
		vm:           &fakeVm{caps: vstate.Capabilities{CooperativePause: cooperative}, irqChip: &vstate.IrqChip{Version: "test"}},
		configurator: &recordingConfigurator{},
		terminal:     &fakeTerminal{},
		terminator:   &recordingTerminator{},
		kbdEvt:       &countingNotifier{},
	}

	cl := cmdline.New(arch.CmdlineMaxSize)
	require.NoError(t, cl.InsertStr("console=ttyS0 reboot=k"))

	pio := devicemanager.NewPortIODeviceManager(nopDevice{}, legacy.NewI8042Device(h.exitEvt, h.kbdEvt))
	require.NoError(t, pio.RegisterDevices())

	v, err := New(Options{
		KernelCmdline:     cl,
		ExitEvt:           h.exitEvt,
		Vm:                h.vm,
		MMIODeviceManager: devicemanager.NewMMIODeviceManager(arch.MMIOBase, arch.IRQBase, arch.IRQMax),
		PIODeviceManager:  pio,
		Configurator:      h.configurator,
		Terminal:          h.terminal,
		Terminator:        h.terminator,
		ResumeTimeout:     testTimeout,
		PauseTimeout:      testTimeout,
		ExitTimeout:       testTimeout,
	})
	require.NoError(t, err)
	h.vmm = v

	t.Cleanup(func() {
		assert.NoError(t, v.ExitVcpus(context.Background()))
	})
	return h
}

func (h *harness) vcpus(runners ...*testRunner) []*vstate.Vcpu {
	vcpus := make([]*vstate.Vcpu, 0, len(runners))
	for i, r := range runners {
		vcpus = append(vcpus, vstate.NewVcpu(i, r, h.exitEvt))
	}
	return vcpus
}

func waitDone(t *testing.T, handles []*vstate.VcpuHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}
}

func waitRuns(t *testing.T, r *testRunner, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return r.runs.Load() >= n }, testTimeout, time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	mmio := devicemanager.NewMMIODeviceManager(arch.MMIOBase, arch.IRQBase, arch.IRQMax)
	valid := Options{
		KernelCmdline:     cmdline.New(64),
		ExitEvt:           &fakeExitEvt{},
		Vm:                &fakeVm{},
		MMIODeviceManager: mmio,
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing exit event", func(o *Options) { o.ExitEvt = nil }},
		{"missing mmio manager", func(o *Options) { o.MMIODeviceManager = nil }},
		{"missing vm", func(o *Options) { o.Vm = nil }},
		{"missing cmdline", func(o *Options) { o.KernelCmdline = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := New(opts)
			assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
		})
	}

	v, err := New(valid)
	require.NoError(t, err)
	assert.Equal(t, StateConstructed, v.State())
	assert.Equal(t, DefaultResumeTimeout, v.resumeTimeout)
	assert.IsType(t, arch.BootConfigurator{}, v.configurator)
	assert.IsType(t, ProcessTerminator{}, v.terminator)
	assert.Nil(t, v.GuestMemory())
	assert.Same(t, valid.Vm, v.KvmVM())
}

func TestStartVcpus_ResumesAll(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(newTestRunner(), newTestRunner())))

	assert.Equal(t, StateRunning, h.vmm.State())
	assert.Equal(t, 2, h.vmm.VcpuCount())
	for _, handle := range h.vmm.handles() {
		_, ok := handle.ResponseReceiver().TryRecv()
		assert.False(t, ok, "Resumed must have been consumed by the handshake")
	}

	err := h.vmm.StartVcpus(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestStartVcpus_NonCooperativeBackend(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(newTestRunner())))
	assert.Equal(t, StateRunning, h.vmm.State())

	// No command is sent, so nothing is acknowledged.
	_, ok := h.vmm.handles()[0].ResponseReceiver().TryRecv()
	assert.False(t, ok)

	err := h.vmm.PauseVcpus(context.Background())
	assert.ErrorIs(t, err, ErrVcpuPause)
	assert.True(t, errdefs.IsNotImplemented(err))
}

func TestStartVcpus_SpawnFailure(t *testing.T) {
	h := newHarness(t, true)
	vcpu := vstate.NewVcpu(0, newTestRunner(), h.exitEvt)
	good, err := vcpu.StartThreaded()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, good.SendEvent(vstate.EventExit))
		waitDone(t, []*vstate.VcpuHandle{good})
	})

	err = h.vmm.StartVcpus(context.Background(), []*vstate.Vcpu{vcpu})
	assert.ErrorIs(t, err, ErrVcpuHandle)
	assert.ErrorIs(t, err, vstate.ErrAlreadyStarted)
	assert.Equal(t, StateConstructed, h.vmm.State())
}

func TestStartVcpus_RejectsRetryAfterPartialSpawn(t *testing.T) {
	h := newHarness(t, true)

	started := vstate.NewVcpu(1, newTestRunner(), h.exitEvt)
	other, err := started.StartThreaded()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, other.SendEvent(vstate.EventExit))
		waitDone(t, []*vstate.VcpuHandle{other})
	})

	fresh := vstate.NewVcpu(0, newTestRunner(), h.exitEvt)
	err = h.vmm.StartVcpus(context.Background(), []*vstate.Vcpu{fresh, started})
	assert.ErrorIs(t, err, vstate.ErrAlreadyStarted)
	assert.Equal(t, 1, h.vmm.VcpuCount())
	assert.Equal(t, StateConstructed, h.vmm.State())

	err = h.vmm.StartVcpus(context.Background(), h.vcpus(newTestRunner()))
	assert.ErrorIs(t, err, ErrVcpuHandle)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Equal(t, 1, h.vmm.VcpuCount())
}

func TestResumeVcpus_Timeout(t *testing.T) {
	h := newHarness(t, true)
	h.vmm.resumeTimeout = 20 * time.Millisecond

	// A vCPU stuck in guest code that ignores kicks never acknowledges.
	stuck := newTestRunner()
	stuck.ignoreKick = true
	vcpu := vstate.NewVcpu(0, stuck, h.exitEvt)
	vcpu.SetAutoStart(true)
	handle, err := vcpu.StartThreaded()
	require.NoError(t, err)
	waitRuns(t, stuck, 1)

	h.vmm.vcpuHandles = append(h.vmm.vcpuHandles, handle)
	require.NoError(t, h.vmm.state.Transition(StateConstructed, StateVcpusStarted))

	err = h.vmm.ResumeVcpus(context.Background())
	assert.ErrorIs(t, err, ErrVcpuResume)
	assert.ErrorIs(t, err, vstate.ErrRecvTimeout)
	assert.Equal(t, StateVcpusStarted, h.vmm.State())

	stuck.steps <- runStep{exit: vstate.VcpuExit{Reason: vstate.ExitHalt}}
	waitDone(t, h.vmm.handles())
}

func TestResumeVcpus_StuckVcpuStaysBounded(t *testing.T) {
	h := newHarness(t, true)
	h.vmm.resumeTimeout = 5 * time.Millisecond

	stuck := newTestRunner()
	stuck.ignoreKick = true
	vcpu := vstate.NewVcpu(0, stuck, h.exitEvt)
	vcpu.SetAutoStart(true)
	handle, err := vcpu.StartThreaded()
	require.NoError(t, err)
	waitRuns(t, stuck, 1)

	h.vmm.vcpuHandles = append(h.vmm.vcpuHandles, handle)
	require.NoError(t, h.vmm.state.Transition(StateConstructed, StateVcpusStarted))

	// Each failed attempt leaves a Resume queued. Once the queue is full
	// the send fails instead of blocking.
	queueFull := 0
	for range 24 {
		start := time.Now()
		err := h.vmm.ResumeVcpus(context.Background())
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		if errors.Is(err, vstate.ErrEventQueueFull) {
			assert.ErrorIs(t, err, ErrVcpuEvent)
			queueFull++
			continue
		}
		assert.ErrorIs(t, err, ErrVcpuResume)
	}
	assert.Positive(t, queueFull)
	assert.Equal(t, StateVcpusStarted, h.vmm.State())

	stuck.steps <- runStep{exit: vstate.VcpuExit{Reason: vstate.ExitHalt}}
	waitDone(t, h.vmm.handles())
}

func TestPauseVcpus_Timeout(t *testing.T) {
	h := newHarness(t, true)
	h.vmm.pauseTimeout = 20 * time.Millisecond

	stuck := newTestRunner()
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(stuck)))
	// The first Run returns on the kick left by Resume; the second blocks.
	waitRuns(t, stuck, 2)
	stuck.ignoreKick = true

	err := h.vmm.PauseVcpus(context.Background())
	assert.ErrorIs(t, err, ErrVcpuPause)
	assert.ErrorIs(t, err, vstate.ErrRecvTimeout)
	assert.Equal(t, StateRunning, h.vmm.State())

	stuck.steps <- runStep{exit: vstate.VcpuExit{Reason: vstate.ExitShutdown}}
	waitDone(t, h.vmm.handles())
}

func TestResumeVcpus_FailsFastOnExitedVcpu(t *testing.T) {
	h := newHarness(t, true)
	runners := []*testRunner{newTestRunner(), newTestRunner()}
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(runners...)))
	require.NoError(t, h.vmm.PauseVcpus(context.Background()))

	require.NoError(t, h.vmm.handles()[0].SendEvent(vstate.EventExit))
	waitDone(t, h.vmm.handles()[:1])

	err := h.vmm.ResumeVcpus(context.Background())
	assert.ErrorIs(t, err, ErrVcpuEvent)
	assert.ErrorIs(t, err, vstate.ErrChannelClosed)
	assert.Equal(t, StatePaused, h.vmm.State())
}

func TestPauseResumeCycle(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.vmm.StartVcpus(ctx, h.vcpus(newTestRunner())))

	require.NoError(t, h.vmm.PauseVcpus(ctx))
	assert.Equal(t, StatePaused, h.vmm.State())

	assert.ErrorIs(t, h.vmm.PauseVcpus(ctx), ErrInvalidStateTransition)

	require.NoError(t, h.vmm.ResumeVcpus(ctx))
	assert.Equal(t, StateRunning, h.vmm.State())
}

func TestExitVcpus(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(newTestRunner(), newTestRunner())))

	require.NoError(t, h.vmm.ExitVcpus(context.Background()))
	waitDone(t, h.vmm.handles())

	// Already terminated vCPUs are skipped.
	require.NoError(t, h.vmm.ExitVcpus(context.Background()))
}

func TestConfigureSystem(t *testing.T) {
	h := newHarness(t, true)

	_, info, err := h.vmm.mmio.RegisterDevice(devices.Virtio(2), "rootfs", nopDevice{})
	require.NoError(t, err)

	r0, r1 := newTestRunner(), newTestRunner()
	r0.mpidr, r1.mpidr = 0x8000_0000, 0x8000_0001
	initrd := &arch.InitrdConfig{Address: 0x1000_0000, Size: 0x1000}

	require.NoError(t, h.vmm.ConfigureSystem(h.vcpus(r0, r1), initrd, []string{"oem"}))

	cfg := h.configurator.cfg
	require.NotNil(t, cfg)
	assert.Equal(t, "console=ttyS0 reboot=k", cfg.Cmdline)
	assert.Equal(t, len(cfg.Cmdline)+1, cfg.CmdlineLen)
	assert.Equal(t, uint8(2), cfg.VcpuCount)
	assert.Equal(t, []uint64{0x8000_0000, 0x8000_0001}, cfg.VcpuMpidrs)
	assert.Equal(t, []arch.DeviceInfo{info}, cfg.Devices)
	assert.Same(t, h.vm.irqChip, cfg.IrqChip)
	assert.Same(t, initrd, cfg.Initrd)
	assert.Equal(t, []string{"oem"}, cfg.OemStrings)
	assert.Equal(t, StateConstructed, h.vmm.State())

	h.configurator.err = errors.New("no memory")
	err = h.vmm.ConfigureSystem(h.vcpus(r0), nil, nil)
	assert.ErrorIs(t, err, ErrConfigureSystem)
	assert.ErrorIs(t, err, h.configurator.err)
}

func TestGetBusDevice(t *testing.T) {
	h := newHarness(t, true)
	mmioDev, _, err := h.vmm.mmio.RegisterDevice(devices.Virtio(3), "net0", nopDevice{})
	require.NoError(t, err)

	assert.Same(t, mmioDev, h.vmm.GetBusDevice(devices.Virtio(3), "net0"))
	assert.Same(t, h.vmm.GetBusDevice(devices.Virtio(3), "net0"), h.vmm.GetBusDevice(devices.Virtio(3), "net0"))
	assert.Same(t, h.vmm.pio.I8042(), h.vmm.GetBusDevice(devices.DeviceTypeI8042, devicemanager.I8042ID))
	assert.Same(t, h.vmm.pio.Serial(), h.vmm.GetBusDevice(devices.DeviceTypeSerial, devicemanager.SerialID))
	assert.Nil(t, h.vmm.GetBusDevice(devices.Virtio(2), "missing"))

	h.vmm.pio = nil
	assert.Nil(t, h.vmm.GetBusDevice(devices.DeviceTypeI8042, devicemanager.I8042ID))
}

func TestSendCtrlAltDel(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.vmm.SendCtrlAltDel())
	assert.Equal(t, int32(1), h.kbdEvt.writes.Load())

	// The 16 byte buffer holds four sequences of four bytes.
	for range 3 {
		require.NoError(t, h.vmm.SendCtrlAltDel())
	}
	assert.Equal(t, int32(4), h.kbdEvt.writes.Load())
	err := h.vmm.SendCtrlAltDel()
	assert.ErrorIs(t, err, ErrI8042)
	assert.ErrorIs(t, err, legacy.ErrInternalBufferFull)

	h.vmm.pio = nil
	err = h.vmm.SendCtrlAltDel()
	assert.ErrorIs(t, err, ErrI8042)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStop_TearsDownObserversInOrder(t *testing.T) {
	h := newHarness(t, true)

	var order []string
	failure := errors.New("flush failed")
	h.vmm.AddExitObserver(&orderObserver{name: "serial", order: &order})
	h.vmm.AddExitObserver(&orderObserver{name: "block", err: failure, order: &order})
	h.vmm.AddExitObserver(&orderObserver{name: "net", order: &order})
	h.terminal.err = errors.New("not a tty")

	h.vmm.Stop(context.Background(), exitcode.SIGSEGV)

	assert.Equal(t, []string{"serial", "block", "net"}, order)
	assert.Equal(t, int32(1), h.terminal.calls.Load())
	assert.Equal(t, []exitcode.Code{exitcode.SIGSEGV}, h.terminator.Codes())
	assert.Equal(t, StateTerminated, h.vmm.State())

	h.vmm.Stop(context.Background(), exitcode.OK)
	assert.Equal(t, []string{"serial", "block", "net"}, order, "observers run once")
	assert.Len(t, h.terminator.Codes(), 1)
}

func TestProcess_StopsWithFirstExitCode(t *testing.T) {
	h := newHarness(t, true)
	runners := []*testRunner{newTestRunner(), newTestRunner()}
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(runners...)))

	runners[0].steps <- runStep{err: errors.New("emulation failure")}
	runners[1].steps <- runStep{exit: vstate.VcpuExit{Reason: vstate.ExitHalt}}
	waitDone(t, h.vmm.handles())

	var order []string
	h.vmm.AddExitObserver(&orderObserver{name: "serial", order: &order})

	h.vmm.Process(context.Background(), eventmanager.Event{Fd: testExitFd, Events: eventmanager.EventIn}, nil)

	assert.Equal(t, []exitcode.Code{exitcode.GenericError}, h.terminator.Codes())
	assert.Equal(t, []string{"serial"}, order)
	assert.Equal(t, int32(1), h.exitEvt.reads.Load())
	for _, handle := range h.vmm.handles() {
		_, ok := handle.ResponseReceiver().TryRecv()
		assert.False(t, ok, "responses are drained")
	}
}

func TestProcess_GuestSuppliedExitCode(t *testing.T) {
	h := newHarness(t, true)
	runner := newTestRunner()
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(runner)))

	runner.steps <- runStep{exit: vstate.VcpuExit{Reason: vstate.ExitShutdown, Code: 7}}
	waitDone(t, h.vmm.handles())
	assert.Equal(t, uint64(1), h.exitEvt.count.Load())

	h.vmm.Process(context.Background(), eventmanager.Event{Fd: testExitFd, Events: eventmanager.EventIn}, nil)
	assert.Equal(t, []exitcode.Code{7}, h.terminator.Codes())
}

func TestProcess_DefaultsToOK(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.vmm.StartVcpus(context.Background(), h.vcpus(newTestRunner())))

	h.vmm.Process(context.Background(), eventmanager.Event{Fd: testExitFd, Events: eventmanager.EventIn}, nil)
	assert.Equal(t, []exitcode.Code{exitcode.OK}, h.terminator.Codes())
}

func TestProcess_SpuriousEvent(t *testing.T) {
	h := newHarness(t, true)

	h.vmm.Process(context.Background(), eventmanager.Event{Fd: testExitFd + 1, Events: eventmanager.EventIn}, nil)
	h.vmm.Process(context.Background(), eventmanager.Event{Fd: testExitFd, Events: eventmanager.EventIn | eventmanager.EventHup}, nil)

	assert.Empty(t, h.terminator.Codes())
	assert.Equal(t, int32(0), h.exitEvt.reads.Load())
	assert.Equal(t, StateConstructed, h.vmm.State())
}

func TestInterestList(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, []eventmanager.Event{{Fd: testExitFd, Events: eventmanager.EventIn}}, h.vmm.InterestList())
}
