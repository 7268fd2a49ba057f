//go:build linux

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aledbf/microvmm/internal/boltstore"
	"github.com/aledbf/microvmm/internal/bootlog"
	"github.com/aledbf/microvmm/internal/paths"
)

func newBootsCmd(opts *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "boots",
		Short: "List the VM runs recorded in the boot log",
		Args:  wrapArgs(cobra.NoArgs),
		PreRunE: func(*cobra.Command, []string) error {
			if dbPath != "" {
				return nil
			}
			if err := opts.loadConfig(); err != nil {
				return err
			}
			dbPath = paths.BootLogDBPath(opts.cfg.Paths)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := boltstore.OpenBolt[bootlog.Record](dbPath, bootlog.Bucket)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := bootlog.List(cmd.Context(), store)
			if err != nil {
				return fmt.Errorf("boots: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tPID\tVCPUS\tMEMORY\tBOOTED\tEXITED\tKERNEL")
			for _, r := range records {
				exited := "-"
				if r.ExitedAt != nil {
					exited = r.ExitedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%dMiB\t%s\t%s\t%s\n",
					r.InstanceID, r.PID, r.Vcpus, r.MemoryMiB, r.BootedAt.Format(time.RFC3339), exited, r.Kernel)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the boot log database (default <state_dir>/bootlog.db)")
	return cmd
}
