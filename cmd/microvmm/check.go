//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aledbf/microvmm/internal/builder"
	"github.com/aledbf/microvmm/internal/vmm"
)

func newCheckKVMCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-kvm",
		Short: "Check that KVM is usable by microvmm",
		Args:  wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			hv := builder.KVM{Path: opts.kvmPath}
			if err := hv.Check(cmd.Context()); err != nil {
				return fmt.Errorf("%w: %w", vmm.ErrKvmContext, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "KVM is available")
			return nil
		},
	}
}
