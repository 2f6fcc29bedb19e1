package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/gopheros/kmem/kernel/mm/slab"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type cachesOptions struct {
	alloc []uint
	all   bool
}

func newCachesCmd(opts *globalOptions) *cobra.Command {
	copts := &cachesOptions{}

	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Show the object caches",
		Long: `The caches command lists the object caches. Sizes passed with --alloc are
allocated with kmalloc before the table is printed.

Example:
  kmemsim caches --alloc 24,200,4096 --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCaches(cmd, opts, copts)
		},
	}
	cmd.Flags().UintSliceVar(&copts.alloc, "alloc", nil, "Allocation sizes to kmalloc first")
	cmd.Flags().BoolVar(&copts.all, "all", false, "Include caches without live objects")
	return cmd
}

func runCaches(cmd *cobra.Command, opts *globalOptions, copts *cachesOptions) error {
	m, err := boot(cmd, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	objects := m.Objects()
	ptrs := make([]uintptr, 0, len(copts.alloc))
	defer func() {
		for _, ptr := range ptrs {
			_ = objects.Kfree(ptr)
		}
	}()

	for _, size := range copts.alloc {
		ptr, err := objects.Kmalloc(uintptr(size), slab.AllocFlags{})
		if err != nil {
			return err
		}
		ptrs = append(ptrs, ptr)
	}

	infos := objects.Caches()
	if !copts.all {
		infos = lo.Filter(infos, func(info slab.CacheInfo, _ int) bool { return info.TotalObjects > 0 })
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tSTRIDE\tPAGES/SLAB\tOBJS/SLAB\tACTIVE\tTOTAL\tFULL/PARTIAL/EMPTY")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d/%d/%d\n",
			info.Name, info.ObjectSize, info.Stride, info.SlabPages, info.ObjectsPerSlab,
			info.ActiveObjects, info.TotalObjects,
			info.FullSlabs, info.PartialSlabs, info.EmptySlabs,
		)
	}
	return tw.Flush()
}
