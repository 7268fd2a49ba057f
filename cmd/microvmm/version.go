//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aledbf/microvmm/internal/version"
)

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  wrapArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, _ []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "microvmm %s\n", version.Get())
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	return cmd
}
