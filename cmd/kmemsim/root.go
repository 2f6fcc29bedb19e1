package main

import (
	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/kmem"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "kmemsim",
		Short: "Run the kernel memory manager on a simulated machine",
		Long: `kmemsim boots the physical page allocator, the object cache allocator and
the virtual memory manager on a simulated machine described by a TOML file
and runs scenarios against them.

Example:
  kmemsim zones --config kmemsim.toml
  kmemsim fork --pages 64 --write 16
  kmemsim stress --workers 8 --iterations 2000`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML machine description (built-in defaults when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newZonesCmd(opts),
		newCachesCmd(opts),
		newForkCmd(opts),
		newStressCmd(opts),
	)
	return cmd
}

// boot loads the configuration and brings up a memory manager. Log output is
// sent to the command's error stream.
func boot(cmd *cobra.Command, opts *globalOptions) (*kmem.Manager, error) {
	cfg := kmem.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = kmem.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	entries, err := cfg.Entries()
	if err != nil {
		return nil, err
	}

	kfmt.SetOutputSink(kfmt.NewPrefixWriter(cmd.ErrOrStderr(), "[kmemsim] "))
	return kmem.New(cfg, hal.NewSim(entries))
}
