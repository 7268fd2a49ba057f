package vmm

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/exitcode"
)

// Terminator ends the process once the VMM has been torn down.
type Terminator interface {
	Terminate(code exitcode.Code)
}

// ProcessTerminator exits the process with the given code.
type ProcessTerminator struct{}

func (ProcessTerminator) Terminate(code exitcode.Code) {
	os.Exit(int(code))
}

// TerminatorFunc adapts a function to the Terminator interface.
type TerminatorFunc func(code exitcode.Code)

func (f TerminatorFunc) Terminate(code exitcode.Code) {
	f(code)
}

// Stop restores the terminal, tears down every exit observer in
// registration order and terminates with code. Observer errors are logged
// and do not interrupt the teardown. Calls after the first are ignored.
func (v *Vmm) Stop(ctx context.Context, code exitcode.Code) {
	logger := log.G(ctx).WithField("exit_code", code.String())
	logger.Info("vmm: stopping")

	if !v.state.TryStartStopping() {
		logger.WithField("state", v.State().String()).Warn("vmm: stop already in progress")
		return
	}

	if v.terminal != nil {
		if err := v.terminal.SetCanonicalMode(); err != nil {
			logger.WithError(err).Error("vmm: failed to restore terminal to canonical mode")
		}
	}

	v.mu.Lock()
	observers := append(v.exitObservers[:0:0], v.exitObservers...)
	v.mu.Unlock()

	result := &TeardownResult{}
	for i, o := range observers {
		result.Add(i, fmt.Sprintf("%T", o), o.OnVmmExit(ctx))
	}
	if err := result.AsError(); err != nil {
		logger.WithError(err).WithField("failed", result.FailedObservers()).Error("vmm: observer teardown failed")
	}

	if err := v.state.Transition(StateStopping, StateTerminated); err != nil {
		logger.WithError(err).Error("vmm: unexpected state after teardown")
	}

	v.terminator.Terminate(code)
}
