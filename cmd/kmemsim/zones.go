package main

import (
	"fmt"

	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/spf13/cobra"
)

func newZonesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "zones",
		Short: "Show the physical memory zones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := boot(cmd, opts)
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			stats := m.Pages().Stats()
			fmt.Fprintf(out, "arena: %s, %d nodes\n", mm.Size(m.Memory().Size()), m.Pages().NodeCount())
			fmt.Fprintf(out, "pages: %d total, %d managed, %d reserved, %d free\n",
				stats.TotalPages, stats.ManagedPages, stats.ReservedPages, m.Pages().FreePagesCount())

			return m.Pages().Dump(kfmt.NewPrefixWriter(out, "  "))
		},
	}
}
