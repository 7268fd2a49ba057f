// Package signals turns host signals into VMM actions: termination
// requests stop the guest through the exit event, and fatal signals end
// the process with a signal specific exit code.
package signals

import (
	"context"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/exitcode"
)

// Notifier is signalled on a graceful stop request.
type Notifier interface {
	Write(v uint64) error
}

var (
	gracefulSignals = []os.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGHUP}
	fatalSignals    = []os.Signal{unix.SIGSYS, unix.SIGBUS, unix.SIGSEGV}
)

// CodeFor returns the exit code for a fatal signal.
func CodeFor(sig os.Signal) (exitcode.Code, bool) {
	switch sig {
	case unix.SIGSYS:
		return exitcode.BadSyscall, true
	case unix.SIGBUS:
		return exitcode.SIGBUS, true
	case unix.SIGSEGV:
		return exitcode.SIGSEGV, true
	default:
		return 0, false
	}
}

// Handler dispatches host signals until its context is cancelled.
type Handler struct {
	// ExitEvt is written when a graceful stop is requested.
	ExitEvt Notifier
	// Fatal is called with the exit code of a fatal signal. It normally
	// stops the VMM and does not return.
	Fatal func(ctx context.Context, code exitcode.Code)
}

// Run installs the handlers and blocks until ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, append(append([]os.Signal{}, gracefulSignals...), fatalSignals...)...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			h.handle(ctx, sig)
		}
	}
}

func (h *Handler) handle(ctx context.Context, sig os.Signal) {
	logger := log.G(ctx).WithField("signal", sig.String())

	if code, ok := CodeFor(sig); ok {
		logger.WithField("exit_code", code.String()).Error("signals: fatal signal received")
		if h.Fatal != nil {
			h.Fatal(ctx, code)
		}
		return
	}

	logger.Info("signals: stop requested")
	if h.ExitEvt == nil {
		return
	}
	if err := h.ExitEvt.Write(1); err != nil {
		logger.WithError(err).Error("signals: failed to signal exit event")
	}
}
