package vmm

import (
	"fmt"
	"sync/atomic"

	"github.com/containerd/log"
)

// State is the lifecycle state of the VMM.
//
//	Constructed -> VcpusStarted -> Running <-> Paused
//	      \              \            \          /
//	       +--------------+------------+--> Stopping -> Terminated
type State int32

const (
	// StateConstructed is the initial state; no vCPU goroutine exists yet.
	StateConstructed State = iota

	// StateVcpusStarted means vCPU goroutines exist but have not resumed.
	StateVcpusStarted

	// StateRunning means every vCPU acknowledged Resume.
	StateRunning

	// StatePaused means every vCPU acknowledged Pause.
	StatePaused

	// StateStopping means Stop is tearing down observers.
	StateStopping

	// StateTerminated means the terminate capability has been invoked.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateVcpusStarted:
		return "vcpus_started"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateMachine enforces valid lifecycle transitions with atomic CAS.
type stateMachine struct {
	state atomic.Int32
}

func (sm *stateMachine) State() State {
	return State(sm.state.Load())
}

// Transition moves from the expected state to the new state.
func (sm *stateMachine) Transition(from, to State) error {
	if !isValidTransition(from, to) || !sm.state.CompareAndSwap(int32(from), int32(to)) {
		return &StateTransitionError{From: from, To: to, Current: sm.State()}
	}
	log.L.WithField("from", from.String()).WithField("to", to.String()).Debug("vmm: state transition")
	return nil
}

// TryStartStopping moves any live state to Stopping. It returns false if
// the VMM is already stopping or terminated.
func (sm *stateMachine) TryStartStopping() bool {
	for {
		cur := sm.State()
		if cur == StateStopping || cur == StateTerminated {
			return false
		}
		if sm.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
			log.L.WithField("from", cur.String()).Debug("vmm: state transition to stopping")
			return true
		}
	}
}

func isValidTransition(from, to State) bool {
	switch from {
	case StateConstructed:
		return to == StateVcpusStarted || to == StateStopping
	case StateVcpusStarted:
		return to == StateRunning || to == StateStopping
	case StateRunning:
		return to == StatePaused || to == StateStopping
	case StatePaused:
		return to == StateRunning || to == StateStopping
	case StateStopping:
		return to == StateTerminated
	default:
		return false
	}
}
