package vmm

import (
	"github.com/benbjohnson/immutable"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/sync"
)

// AddressSpace is a set of page tables together with the VMAs describing
// the regions that may be faulted in.
type AddressSpace struct {
	id     uint64
	kernel bool

	// lock serializes access to the page tables, the VMAs and the
	// layout fields below.
	lock sync.Spinlock

	root      mm.Frame
	users     int32
	destroyed bool

	vmas *immutable.SortedMap[uintptr, *VMA]

	mmapBase  uintptr
	stackTop  uintptr
	heapStart uintptr
	brk       uintptr

	stats Stats
}

// Stats describes the fault activity and memory usage of an address space.
type Stats struct {
	Faults        uint64
	MinorFaults   uint64
	COWFaults     uint64
	ResidentPages uint64
	VMAs          int
}

// Layout describes where the regions of an address space start.
type Layout struct {
	MmapBase  uintptr
	StackTop  uintptr
	HeapStart uintptr
	Brk       uintptr
}

// ID returns the identifier of the address space.
func (as *AddressSpace) ID() uint64 { return as.id }

// Root returns the physical address of the top-level page table.
func (as *AddressSpace) Root() uintptr { return as.root.Address() }

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

// validRange checks that [vaddr, vaddr+size) lies in the half of the
// address space that as may modify.
func (as *AddressSpace) validRange(vaddr, size uintptr) bool {
	end := vaddr + size
	if end <= vaddr {
		return false
	}
	if as.kernel {
		return vaddr >= KernelSpaceStart
	}
	return end <= UserSpaceEnd
}

// checkRange validates the arguments shared by every range operation.
func (as *AddressSpace) checkRange(vaddr, size uintptr) error {
	switch {
	case size == 0:
		return errZeroSize
	case !mm.PageAligned(vaddr):
		return errUnaligned
	case !as.validRange(vaddr, mm.PageAlignUp(size)):
		return errInvalidRange
	}
	return nil
}
