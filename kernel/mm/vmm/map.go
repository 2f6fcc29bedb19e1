package vmm

import (
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Map establishes a mapping between the size bytes starting at vaddr and
// the physical memory at paddr using the supplied protection. If paddr is
// NoPhys, each page is backed by a freshly allocated zeroed frame that is
// owned by the mapping. Existing mappings in the range are replaced. When
// an allocation fails, the pages mapped so far stay mapped.
func (m *Manager) Map(as *AddressSpace, vaddr, paddr, size uintptr, prot Protection) error {
	if err := as.checkRange(vaddr, size); err != nil {
		return err
	}
	if paddr != NoPhys && !mm.PageAligned(paddr) {
		return errUnaligned
	}
	if !prot.accessible() {
		return errNoAccess
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}

	flags := prot.entryFlags()
	for off := uintptr(0); off < mm.PageAlignUp(size); off += mm.PageSize {
		page := vaddr + off

		pte, err := m.leafEntry(as, page)
		if err != nil {
			return err
		}

		if paddr != NoPhys {
			m.installLeaf(as, pte, mm.FrameFromAddress(paddr+off), flags)
		} else {
			frame, err := m.pages.AllocPages(0, pmm.AllocFlags{Zero: true}, pmm.AnyNode)
			if err != nil {
				return errors.Wrapf(err, "mapping page %#x", page)
			}
			m.installLeaf(as, pte, frame, flags|flagOwned)
		}
		m.hal.FlushTLBEntry(page)
	}
	return nil
}

// Unmap removes the mappings for the size bytes starting at vaddr, drops the
// references they hold and trims or splits the VMAs covering the range.
func (m *Manager) Unmap(as *AddressSpace, vaddr, size uintptr) error {
	if err := as.checkRange(vaddr, size); err != nil {
		return err
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}

	end := vaddr + mm.PageAlignUp(size)
	vmas, err := as.carve(vaddr, end, m.cfg.MaxVMAs)
	if err != nil {
		return err
	}
	for _, v := range vmas {
		as.removeVMA(v)
	}

	m.unmapRange(as, vaddr, end)
	return nil
}

// unmapRange clears every leaf in [start, end) and flushes the range.
func (m *Manager) unmapRange(as *AddressSpace, start, end uintptr) {
	m.visitLeaves(as, start, end, func(_ uintptr, pte *pageTableEntry) {
		m.releaseLeaf(as, pte)
	})
	m.hal.FlushTLBRange(start, end)
}

// Protect rewrites the protection of the mappings and VMAs in the size bytes
// starting at vaddr. Copy-on-write pages keep deferring write access until
// they are faulted.
func (m *Manager) Protect(as *AddressSpace, vaddr, size uintptr, prot Protection) error {
	if err := as.checkRange(vaddr, size); err != nil {
		return err
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}

	end := vaddr + mm.PageAlignUp(size)
	vmas, err := as.carve(vaddr, end, m.cfg.MaxVMAs)
	if err != nil {
		return err
	}

	flags := prot.entryFlags()
	m.visitLeaves(as, vaddr, end, func(page uintptr, pte *pageTableEntry) {
		leaf := flags | PageTableEntryFlag(uintptr(*pte)&uintptr(flagOwned|FlagCopyOnWrite|FlagAccessed|FlagDirty))
		switch {
		case !prot.Write:
			leaf &^= FlagCopyOnWrite
		case m.mustCopyOnWrite(as, page, *pte):
			leaf = (leaf &^ FlagRW) | FlagCopyOnWrite
		}

		frame := pte.Frame()
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(leaf)
	})

	for _, v := range vmas {
		v.Prot = prot
	}
	for _, v := range vmas {
		if as.findVMA(v.Start) == v {
			as.mergeAround(v)
		}
	}

	m.hal.FlushTLBRange(vaddr, end)
	return nil
}

// mustCopyOnWrite returns true if granting write access to the leaf for page
// would expose writes to other holders of a private frame.
func (m *Manager) mustCopyOnWrite(as *AddressSpace, page uintptr, pte pageTableEntry) bool {
	if pte.HasFlags(FlagCopyOnWrite) {
		return true
	}
	if !pte.HasFlags(flagOwned) {
		return false
	}
	if v := as.findVMA(page); v != nil && !v.private() {
		return false
	}
	return pte.Frame() == m.zeroFrame || m.pages.RefCount(pte.Frame()) > 1
}

// Translate returns the physical address corresponding to the provided
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Manager) Translate(as *AddressSpace, vaddr uintptr) (uintptr, error) {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	pte := m.pteForAddress(as, vaddr)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}
	return pte.Frame().Address() + (vaddr & (mm.PageSize - 1)), nil
}

// PageInfo describes the leaf entry mapping a virtual page.
type PageInfo struct {
	Frame       mm.Frame
	Prot        Protection
	CopyOnWrite bool
	Owned       bool
}

// Query returns the state of the leaf entry mapping vaddr.
func (m *Manager) Query(as *AddressSpace, vaddr uintptr) (PageInfo, error) {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	pte := m.pteForAddress(as, vaddr)
	if pte == nil || !pte.populated() {
		return PageInfo{}, ErrInvalidMapping
	}
	return PageInfo{
		Frame:       pte.Frame(),
		Prot:        protectionOf(*pte),
		CopyOnWrite: pte.HasFlags(FlagCopyOnWrite),
		Owned:       pte.HasFlags(flagOwned),
	}, nil
}

func (m *Manager) logMapping(as *AddressSpace, vaddr uintptr, msg string) {
	m.log.WithFields(logrus.Fields{
		kfmt.AddressSpace: as.id,
		kfmt.VirtAddr:     vaddr,
	}).Debug(msg)
}
