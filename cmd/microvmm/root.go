//go:build linux

package main

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/aledbf/microvmm/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	kvmPath    string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "microvmm",
		Short: "microvmm - a minimal KVM virtual machine monitor",
		Long: `microvmm boots one guest kernel with a serial console, virtio-mmio
block, net, fs and vsock devices, and exits with the guest's exit code.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.logLevel != "" {
				if err := log.SetLevel(opts.logLevel); err != nil {
					return fmt.Errorf("%w: --log-level: %w", errArgParsing, err)
				}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errArgParsing, err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to the configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn or error (overrides the config)")
	flags.StringVar(&opts.kvmPath, "kvm-device", "", "path to the KVM device (default /dev/kvm)")

	cmd.AddCommand(
		newRunCmd(opts),
		newCheckKVMCmd(opts),
		newBootsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig loads the configuration from --config or the environment and
// applies its log level unless --log-level was given.
func (o *rootOptions) loadConfig() error {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFrom(o.configPath)
	} else {
		cfg, err = config.Get()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errBadConfiguration, err)
	}
	if o.logLevel == "" {
		if err := log.SetLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("%w: logging.level: %w", errBadConfiguration, err)
		}
	}
	o.cfg = cfg
	return nil
}

func wrapArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errArgParsing, err)
		}
		return nil
	}
}
