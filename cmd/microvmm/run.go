//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aledbf/microvmm/internal/builder"
	"github.com/aledbf/microvmm/internal/devices/legacy"
	"github.com/aledbf/microvmm/internal/eventmanager"
	"github.com/aledbf/microvmm/internal/exitcode"
	"github.com/aledbf/microvmm/internal/signals"
	"github.com/aledbf/microvmm/internal/terminal"
	"github.com/aledbf/microvmm/internal/vmm"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot the configured guest and wait for it to exit",
		Args:  wrapArgs(cobra.NoArgs),
		PreRunE: func(*cobra.Command, []string) error {
			return opts.loadConfig()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVMM(cmd.Context(), opts)
		},
	}
}

// runVMM builds the guest and runs the event loop until the VMM stops.
// The VMM's terminator cancels the loop instead of exiting the process so
// the terminal and deferred cleanups run before main exits.
func runVMM(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg

	term, err := terminal.New(os.Stdin)
	if err != nil {
		return err
	}
	forwardInput := cfg.Devices.Serial.Input && term.IsTerminal()
	if forwardInput {
		if err := term.SetRawMode(); err != nil {
			return err
		}
		defer func() {
			if err := term.SetCanonicalMode(); err != nil {
				log.G(ctx).WithError(err).Warn("microvmm: failed to restore terminal")
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	codes := make(chan exitcode.Code, 1)
	terminator := vmm.TerminatorFunc(func(code exitcode.Code) {
		select {
		case codes <- code:
		default:
		}
		cancel()
	})

	em, err := eventmanager.New()
	if err != nil {
		return fmt.Errorf("%w: %w", vmm.ErrEventManager, err)
	}
	defer func() { _ = em.Close() }()

	mvm, err := builder.Build(ctx, builder.Options{
		Config:     cfg,
		Hypervisor: builder.KVM{Path: opts.kvmPath},
		Stdout:     os.Stdout,
		Terminal:   term,
		Terminator: terminator,
	})
	if err != nil {
		return err
	}

	if err := em.AddSubscriber(mvm.Vmm); err != nil {
		mvm.Stop(ctx, exitcode.GenericError)
		return fmt.Errorf("%w: %w", vmm.ErrEventManager, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return em.Run(gctx)
	})
	g.Go(func() error {
		h := &signals.Handler{ExitEvt: mvm.ExitEvt, Fatal: mvm.Stop}
		return h.Run(gctx)
	})

	if forwardInput {
		if serial := mvm.Serial(); serial != nil {
			// stdin reads cannot be interrupted, so this goroutine is not
			// waited for; it ends with the process.
			go func() {
				if err := legacy.ForwardSerialInput(gctx, serial, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
					log.G(ctx).WithError(err).Warn("microvmm: stopped forwarding console input")
				}
			}()
		}
	}

	log.G(ctx).WithField("instance", mvm.InstanceID).WithField("vsock_cid", mvm.VsockCID).Info("microvmm: guest running")

	err = g.Wait()
	select {
	case code := <-codes:
		if code != exitcode.OK {
			return &exitError{code: code}
		}
		return nil
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
