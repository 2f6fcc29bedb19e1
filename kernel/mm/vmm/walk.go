package vmm

import (
	"unsafe"

	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/pkg/errors"
)

type pageTable = [entriesPerTable]pageTableEntry

// table returns the page table stored in frame.
func (m *Manager) table(frame mm.Frame) *pageTable {
	b := m.mem.FrameBytes(frame)
	return (*pageTable)(unsafe.Pointer(&b[0]))
}

// tableIndex extracts the bits from the virtual address that correspond to
// the entry index in the page table at level.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in root. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. The walk stops when
// walkFn returns false or when it reaches a non-present intermediate entry.
func (m *Manager) walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	table := root
	for level := uint8(0); level < pageLevels; level++ {
		pte := &m.table(table)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) || level == pageLevels-1 || !pte.HasFlags(FlagPresent) {
			return
		}
		table = pte.Frame()
	}
}

// pteForAddress returns the leaf entry that maps virtAddr or nil if one of
// the intermediate tables is missing.
func (m *Manager) pteForAddress(as *AddressSpace, virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry
	m.walk(as.root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			entry = pte
		}
		return true
	})
	return entry
}

// leafEntry returns the leaf entry for virtAddr, allocating missing
// intermediate tables from the page allocator.
func (m *Manager) leafEntry(as *AddressSpace, virtAddr uintptr) (*pageTableEntry, error) {
	var (
		entry *pageTableEntry
		err   error
	)

	m.walk(as.root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			entry = pte
			return true
		}
		if pte.HasFlags(FlagPresent) {
			return true
		}

		var frame mm.Frame
		if frame, err = m.pages.AllocPages(0, pmm.AllocFlags{Zero: true}, pmm.AnyNode); err != nil {
			err = errors.Wrap(err, "allocating page table")
			return false
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | FlagRW)
		if virtAddr < UserSpaceEnd {
			pte.SetFlags(FlagUserAccessible)
		}

		if level == 0 && as.kernel {
			m.propagateKernelEntry(tableIndex(virtAddr, 0), *pte)
		}
		return true
	})

	return entry, err
}

// leafVisitor receives the virtual address and the entry of a populated leaf.
type leafVisitor func(virtAddr uintptr, pte *pageTableEntry)

// visitLeaves calls visitFn for every populated leaf mapping a page in
// [start, end). Subtrees without a present entry are skipped.
func (m *Manager) visitLeaves(as *AddressSpace, start, end uintptr, visitFn leafVisitor) {
	if end <= start {
		return
	}
	m.visitTable(as.root, 0, 0, start, end-1, visitFn)
}

func (m *Manager) visitTable(table mm.Frame, level uint8, base, first, last uintptr, visitFn leafVisitor) {
	span := uintptr(1) << pageLevelShifts[level]
	entries := m.table(table)
	for i := range entries {
		lo := base + uintptr(i)*span
		if level == 0 && i >= kernelRootIndex {
			lo |= signExtension
		}
		if lo > last || lo+span-1 < first {
			continue
		}

		pte := &entries[i]
		if level == pageLevels-1 {
			if pte.populated() {
				visitFn(lo, pte)
			}
			continue
		}
		if pte.HasFlags(FlagPresent) {
			m.visitTable(pte.Frame(), level+1, lo, first, last, visitFn)
		}
	}
}

// releaseTable drops the references held by the leaves below table and
// frees every table below it. table itself is not freed.
func (m *Manager) releaseTable(as *AddressSpace, table mm.Frame, level uint8, firstIndex, lastIndex int) {
	entries := m.table(table)
	for i := firstIndex; i <= lastIndex; i++ {
		pte := &entries[i]
		if level == pageLevels-1 {
			if pte.populated() {
				m.releaseLeaf(as, pte)
			}
			continue
		}
		if !pte.HasFlags(FlagPresent) {
			continue
		}
		child := pte.Frame()
		m.releaseTable(as, child, level+1, 0, entriesPerTable-1)
		m.freeFrame(child)
		*pte = 0
	}
}

// releaseLeaf clears a populated leaf and drops the reference it holds.
func (m *Manager) releaseLeaf(as *AddressSpace, pte *pageTableEntry) {
	if pte.HasFlags(flagOwned) {
		m.putFrame(pte.Frame())
		as.stats.ResidentPages--
	}
	*pte = 0
}

// installLeaf points pte at frame, releasing the frame it previously held.
func (m *Manager) installLeaf(as *AddressSpace, pte *pageTableEntry, frame mm.Frame, flags PageTableEntryFlag) {
	if pte.populated() {
		m.releaseLeaf(as, pte)
	}
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	if flags&flagOwned != 0 {
		as.stats.ResidentPages++
	}
}

func (m *Manager) freeFrame(frame mm.Frame) {
	if err := m.pages.FreePages(frame, 0); err != nil {
		m.log.WithError(err).WithField(kfmt.Frame, frame).Error("releasing page table frame failed")
	}
}

func (m *Manager) putFrame(frame mm.Frame) {
	if err := m.pages.PutPage(frame); err != nil {
		m.log.WithError(err).WithField(kfmt.Frame, frame).Error("dropping page reference failed")
	}
}
