package vmm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aledbf/microvmm/internal/vstate"
)

// Error kinds reported by the VMM and its builder. Each is combined with
// the underlying cause as fmt.Errorf("%w: %w", ErrKind, cause); use
// errors.Is to classify.
var (
	// ErrConfigureSystem indicates the architecture configurator failed.
	ErrConfigureSystem = errors.New("system configuration error")

	// ErrCreateLegacyDevice indicates a legacy device could not be created.
	ErrCreateLegacyDevice = errors.New("cannot create legacy device")

	// ErrEventFd indicates an eventfd could not be created or used.
	ErrEventFd = errors.New("event fd error")

	// ErrEventManager indicates the event loop failed.
	ErrEventManager = errors.New("event manager error")

	// ErrI8042 indicates the keyboard controller is missing or failed.
	ErrI8042 = errors.New("i8042 error")

	// ErrKernelFile indicates the kernel image cannot be accessed.
	ErrKernelFile = errors.New("cannot access kernel file")

	// ErrKvmContext indicates KVM is unavailable or unsupported.
	ErrKvmContext = errors.New("failed to validate KVM support")

	// ErrLegacyIOBus indicates legacy devices could not be placed on the port I/O bus.
	ErrLegacyIOBus = errors.New("cannot add devices to the legacy I/O bus")

	// ErrLoadCommandline indicates the kernel command line could not be built or loaded.
	ErrLoadCommandline = errors.New("cannot load command line")

	// ErrRegisterMMIODevice indicates a device could not be added to the MMIO bus.
	ErrRegisterMMIODevice = errors.New("cannot add a device to the MMIO bus")

	// ErrSerial indicates the serial console could not be created.
	ErrSerial = errors.New("error creating serial device")

	// ErrTimerFd indicates a timerfd could not be created.
	ErrTimerFd = errors.New("error creating timer fd")

	// ErrVcpu indicates a vCPU could not be created.
	ErrVcpu = errors.New("vcpu error")

	// ErrVcpuEvent indicates a command could not be sent to a vCPU.
	ErrVcpuEvent = errors.New("cannot send event to vcpu")

	// ErrVcpuHandle indicates a vCPU goroutine could not be started.
	ErrVcpuHandle = errors.New("cannot create a vcpu handle")

	// ErrVcpuPause indicates a vCPU did not acknowledge a pause.
	ErrVcpuPause = errors.New("vcpus pause failed")

	// ErrVcpuResume indicates a vCPU did not acknowledge a resume.
	ErrVcpuResume = errors.New("vcpus resume failed")

	// ErrVcpuSpawn indicates the vCPU thread could not be set up.
	ErrVcpuSpawn = vstate.ErrVcpuSpawn

	// ErrVm indicates the hypervisor VM could not be created or configured.
	ErrVm = errors.New("vm error")

	// ErrVmmObserverInit indicates an observer failed on boot.
	ErrVmmObserverInit = errors.New("error thrown by observer object on vmm initialization")

	// ErrVmmObserverTeardown indicates an observer failed on exit.
	ErrVmmObserverTeardown = errors.New("error thrown by observer object on vmm teardown")

	// ErrInvalidStateTransition indicates an operation was attempted in the wrong lifecycle state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// StateTransitionError represents an invalid state transition attempt.
type StateTransitionError struct {
	From    State
	To      State
	Current State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s (current state: %s)", e.From, e.To, e.Current)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// TeardownError is an error returned by one exit observer.
type TeardownError struct {
	Index    int
	Observer string
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("observer %d (%s): %v", e.Index, e.Observer, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// TeardownResult collects the errors of all exit observers.
//
//nolint:errname // TeardownResult is a result container that can be used as an error
type TeardownResult struct {
	Errors []*TeardownError
}

// Add records an observer error. Nil errors are ignored.
func (r *TeardownResult) Add(index int, observer string, err error) {
	if err != nil {
		r.Errors = append(r.Errors, &TeardownError{Index: index, Observer: observer, Err: err})
	}
}

// HasErrors returns true if any observer failed.
func (r *TeardownResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *TeardownResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%s: %s", ErrVmmObserverTeardown, strings.Join(msgs, "; "))
}

// Is matches ErrVmmObserverTeardown.
func (r *TeardownResult) Is(target error) bool {
	return target == ErrVmmObserverTeardown
}

// AsError returns the result as an error, or nil if no observer failed.
func (r *TeardownResult) AsError() error {
	if !r.HasErrors() {
		return nil
	}
	return r
}

// FailedObservers returns the names of the observers that failed.
func (r *TeardownResult) FailedObservers() []string {
	names := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		names = append(names, e.Observer)
	}
	return names
}
