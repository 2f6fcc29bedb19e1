package vmm

import (
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/sirupsen/logrus"
)

// CloneAddressSpace creates a copy of src. The VMAs and layout are
// duplicated and every populated user page is shared with the clone. Private
// writable pages are marked copy-on-write in both address spaces so the
// first write to them triggers a private copy.
func (m *Manager) CloneAddressSpace(src *AddressSpace) (*AddressSpace, error) {
	if src.kernel {
		return nil, errKernelSpace
	}

	irq := src.lock.AcquireIRQSave(m.hal)
	defer src.lock.ReleaseIRQRestore(m.hal, irq)

	if src.destroyed {
		return nil, errDestroyed
	}

	dst, err := m.newAddressSpace()
	if err != nil {
		return nil, err
	}
	dst.mmapBase, dst.stackTop = src.mmapBase, src.stackTop
	dst.heapStart, dst.brk = src.heapStart, src.brk

	itr := src.vmas.Iterator()
	for !itr.Done() {
		_, v, _ := itr.Next()
		dup := &VMA{Start: v.Start, End: v.End, Prot: v.Prot, Backing: v.Backing}
		dst.vmas = dst.vmas.Set(dup.End, dup)
	}

	var shared, cow int
	m.visitLeaves(src, 0, UserSpaceEnd, func(page uintptr, pte *pageTableEntry) {
		if err != nil {
			return
		}

		leaf := *pte
		if leaf.HasFlags(flagOwned) {
			if err = m.pages.GetPage(leaf.Frame()); err != nil {
				return
			}
			v := src.findVMA(page)
			if leaf.HasFlags(FlagRW) && (v == nil || v.private()) {
				pte.ClearFlags(FlagRW)
				pte.SetFlags(FlagCopyOnWrite)
				leaf = *pte
				cow++
			}
		}

		var dstPte *pageTableEntry
		if dstPte, err = m.leafEntry(dst, page); err != nil {
			if leaf.HasFlags(flagOwned) {
				m.putFrame(leaf.Frame())
			}
			return
		}
		*dstPte = leaf
		if leaf.HasFlags(flagOwned) {
			dst.stats.ResidentPages++
		}
		shared++
	})
	m.hal.FlushTLBRange(0, UserSpaceEnd)

	if err != nil {
		_ = m.DestroyAddressSpace(dst)
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		kfmt.AddressSpace: dst.id,
		"parent":          src.id,
		"shared-pages":    shared,
		"cow-pages":       cow,
	}).Debug("address space cloned")
	return dst, nil
}
