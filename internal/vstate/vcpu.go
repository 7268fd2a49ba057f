package vstate

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/exitcode"
)

const (
	// eventQueueSize bounds commands queued for a vCPU. SendEvent fails when full.
	eventQueueSize = 16
	// responseQueueSize bounds unread responses. A vCPU emits at most one
	// response per command plus a final Exited.
	responseQueueSize = eventQueueSize + 1
)

var (
	// ErrVcpuSpawn is returned when the vCPU goroutine cannot be set up.
	ErrVcpuSpawn = errors.New("cannot spawn vcpu thread")

	// ErrAlreadyStarted is returned when StartThreaded is called twice.
	ErrAlreadyStarted = errors.New("vcpu already started")
)

// Notifier is signalled when a vCPU exits on its own. In production this
// is the VMM's exit eventfd.
type Notifier interface {
	Write(v uint64) error
}

// Vcpu is a single virtual CPU before and while it runs.
//
// State transitions of the vCPU goroutine:
//
//	paused --Resume--> running --Pause--> paused
//	   |                  |
//	   +------Exit--------+----halt/shutdown/error--> exited
//
// The goroutine starts paused and emits exactly one response per command.
// After Exited it emits nothing else and its OS thread is discarded.
type Vcpu struct {
	index   int
	runner  Runner
	exitEvt Notifier

	mmioBus *devices.Bus
	pioBus  *devices.Bus

	autoStart bool
	started   atomic.Bool
}

// NewVcpu creates a vCPU with the given index. runner executes guest code
// and exitEvt is signalled when the guest stops on its own.
func NewVcpu(index int, runner Runner, exitEvt Notifier) *Vcpu {
	return &Vcpu{
		index:   index,
		runner:  runner,
		exitEvt: exitEvt,
	}
}

// Index returns the vCPU index.
func (v *Vcpu) Index() int {
	return v.index
}

// Mpidr returns the multiprocessor affinity identifier of the vCPU.
func (v *Vcpu) Mpidr() uint64 {
	return v.runner.Mpidr()
}

// SetMmioBus attaches the bus MMIO exits are dispatched to. Must be called before StartThreaded.
func (v *Vcpu) SetMmioBus(bus *devices.Bus) {
	v.mmioBus = bus
}

// SetPioBus attaches the bus port I/O exits are dispatched to. Must be called before StartThreaded.
func (v *Vcpu) SetPioBus(bus *devices.Bus) {
	v.pioBus = bus
}

// SetAutoStart makes the vCPU run guest code as soon as it starts instead
// of waiting for Resume. Used with backends without cooperative pause.
func (v *Vcpu) SetAutoStart(autoStart bool) {
	v.autoStart = autoStart
}

// StartThreaded spawns the vCPU goroutine on its own OS thread and returns
// the handle used to command it. The vCPU starts paused unless auto start
// is set.
func (v *Vcpu) StartThreaded() (*VcpuHandle, error) {
	if !v.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("vcpu %d: %w", v.index, ErrAlreadyStarted)
	}

	events := make(chan VcpuEvent, eventQueueSize)
	responses := make(chan VcpuResponse, responseQueueSize)
	done := make(chan struct{})
	ready := make(chan error, 1)

	go func() {
		// The thread is never unlocked, so it exits with the goroutine
		// and per-thread hypervisor state does not leak to other goroutines.
		runtime.LockOSThread()
		defer close(done)

		if init, ok := v.runner.(ThreadInitializer); ok {
			if err := init.InitThread(); err != nil {
				ready <- err
				return
			}
		}
		ready <- nil

		v.loop(events, responses)
	}()

	if err := <-ready; err != nil {
		<-done
		return nil, fmt.Errorf("vcpu %d: %w: %w", v.index, ErrVcpuSpawn, err)
	}

	h := &VcpuHandle{
		index:  v.index,
		events: events,
		done:   done,
		receiver: &ResponseReceiver{
			ch:   responses,
			done: done,
		},
	}
	if k, ok := v.runner.(Kicker); ok {
		h.kicker = k
	}
	return h, nil
}

func (v *Vcpu) loop(events <-chan VcpuEvent, responses chan<- VcpuResponse) {
	logger := log.L.WithField("vcpu", v.index)
	running := v.autoStart

	for {
		if !running {
			ev := <-events
			if v.handleEvent(ev, &running, responses) {
				return
			}
			continue
		}

		select {
		case ev := <-events:
			if v.handleEvent(ev, &running, responses) {
				return
			}
			continue
		default:
		}

		exit, err := v.runner.Run()
		if err != nil {
			logger.WithError(err).Error("vcpu: run failed")
			v.exit(responses, exitcode.GenericError)
			return
		}

		switch exit.Reason {
		case ExitInterrupted:
		case ExitIoIn:
			v.dispatchRead(v.pioBus, exit)
		case ExitIoOut:
			v.dispatchWrite(v.pioBus, exit)
		case ExitMmioRead:
			v.dispatchRead(v.mmioBus, exit)
		case ExitMmioWrite:
			v.dispatchWrite(v.mmioBus, exit)
		case ExitHalt, ExitShutdown, ExitSystemReset:
			logger.WithField("reason", exit.Reason.String()).WithField("exit_code", exit.Code.String()).Info("vcpu: guest stopped")
			v.exit(responses, exit.Code)
			return
		default:
			logger.WithField("reason", exit.Reason.String()).Error("vcpu: unexpected exit")
			v.exit(responses, exitcode.GenericError)
			return
		}
	}
}

// handleEvent applies a command and reports whether the goroutine must stop.
func (v *Vcpu) handleEvent(ev VcpuEvent, running *bool, responses chan<- VcpuResponse) bool {
	switch ev {
	case EventResume:
		*running = true
		responses <- Resumed()
	case EventPause:
		*running = false
		responses <- Paused()
	case EventExit:
		responses <- Exited(uint8(exitcode.OK))
		return true
	default:
		log.L.WithField("vcpu", v.index).WithField("event", ev.String()).Warn("vcpu: ignoring unknown event")
	}
	return false
}

// exit reports the final exit code and wakes the VMM through the exit eventfd.
func (v *Vcpu) exit(responses chan<- VcpuResponse, code exitcode.Code) {
	responses <- Exited(uint8(code))
	if v.exitEvt == nil {
		return
	}
	if err := v.exitEvt.Write(1); err != nil {
		log.L.WithField("vcpu", v.index).WithError(err).Error("vcpu: failed to signal exit event")
	}
}

func (v *Vcpu) dispatchRead(bus *devices.Bus, exit VcpuExit) {
	if bus == nil || !bus.Read(exit.Addr, exit.Data) {
		// Unmapped reads see all ones, like an empty bus.
		for i := range exit.Data {
			exit.Data[i] = 0xff
		}
		log.L.WithFields(log.Fields{
			"vcpu":   v.index,
			"reason": exit.Reason.String(),
			"addr":   fmt.Sprintf("0x%x", exit.Addr),
		}).Trace("vcpu: read from unmapped address")
	}
}

func (v *Vcpu) dispatchWrite(bus *devices.Bus, exit VcpuExit) {
	if bus == nil || !bus.Write(exit.Addr, exit.Data) {
		log.L.WithFields(log.Fields{
			"vcpu":   v.index,
			"reason": exit.Reason.String(),
			"addr":   fmt.Sprintf("0x%x", exit.Addr),
		}).Trace("vcpu: write to unmapped address")
	}
}
