package main

import (
	"fmt"

	"github.com/gopheros/kmem/kernel/kmem"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type forkOptions struct {
	pages int
	write int
}

func newForkCmd(opts *globalOptions) *cobra.Command {
	fopts := &forkOptions{}

	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Clone an address space and break copy-on-write sharing",
		Long: `The fork command populates an anonymous mapping in a parent address space,
clones it and writes to the first --write pages of the child. Only the written
pages are copied; the rest stay shared with the parent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fopts.pages <= 0 || fopts.write < 0 || fopts.write > fopts.pages {
				return errors.Errorf("invalid page counts: --pages %d --write %d", fopts.pages, fopts.write)
			}
			return runFork(cmd, opts, fopts)
		},
	}
	cmd.Flags().IntVar(&fopts.pages, "pages", 32, "Pages mapped in the parent")
	cmd.Flags().IntVar(&fopts.write, "write", 8, "Pages written by the child")
	return cmd
}

// touch resolves a write fault at addr and stores value in the backing frame.
func touch(m *kmem.Manager, as *vmm.AddressSpace, addr uintptr, value byte) error {
	v := m.Virtual()
	code := vmm.FaultWrite | vmm.FaultUser
	if _, err := v.Translate(as, addr); err == nil {
		code |= vmm.FaultPresent
	}
	if err := v.HandlePageFault(as, addr, code); err != nil {
		return err
	}

	phys, err := v.Translate(as, addr)
	if err != nil {
		return err
	}
	m.Memory().Bytes(phys, 1)[0] = value
	return nil
}

func runFork(cmd *cobra.Command, opts *globalOptions, fopts *forkOptions) error {
	m, err := boot(cmd, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	v := m.Virtual()
	out := cmd.OutOrStdout()
	freeAtStart := m.Pages().FreePagesCount()

	parent, err := v.CreateAddressSpace()
	if err != nil {
		return err
	}
	defer v.DestroyAddressSpace(parent)

	length := uintptr(fopts.pages) * mm.PageSize
	addr, err := v.Mmap(parent, 0, length, vmm.ProtUserRW, vmm.MmapOptions{})
	if err != nil {
		return err
	}
	for i := 0; i < fopts.pages; i++ {
		if err := touch(m, parent, addr+uintptr(i)*mm.PageSize, byte(i)); err != nil {
			return errors.Wrapf(err, "populating parent page %d", i)
		}
	}
	fmt.Fprintf(out, "parent %d: mapped %d pages at %#x\n", parent.ID(), fopts.pages, addr)

	freeBeforeClone := m.Pages().FreePagesCount()
	child, err := v.CloneAddressSpace(parent)
	if err != nil {
		return err
	}
	defer v.DestroyAddressSpace(child)
	fmt.Fprintf(out, "child %d: cloned using %d page table frames\n", child.ID(), freeBeforeClone-m.Pages().FreePagesCount())

	for i := 0; i < fopts.write; i++ {
		if err := touch(m, child, addr+uintptr(i)*mm.PageSize, 0xff); err != nil {
			return errors.Wrapf(err, "writing child page %d", i)
		}
	}

	shared := 0
	for i := 0; i < fopts.pages; i++ {
		page := addr + uintptr(i)*mm.PageSize
		pp, _ := v.Translate(parent, page)
		cp, _ := v.Translate(child, page)
		if pp == cp {
			shared++
		}
	}

	for _, as := range []*vmm.AddressSpace{parent, child} {
		stats := v.Stats(as)
		fmt.Fprintf(out, "as %d: faults=%d minor=%d cow=%d resident=%d vmas=%d\n",
			as.ID(), stats.Faults, stats.MinorFaults, stats.COWFaults, stats.ResidentPages, stats.VMAs)
	}
	fmt.Fprintf(out, "shared pages: %d, copied pages: %d\n", shared, fopts.pages-shared)
	fmt.Fprintf(out, "frames in use: %d\n", freeAtStart-m.Pages().FreePagesCount())
	return nil
}
