package vmm

import (
	"strings"

	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrorCode is the page fault error code pushed by the CPU.
type ErrorCode uint32

const (
	// FaultPresent is set for protection violations on present pages and
	// cleared for accesses to non-present pages.
	FaultPresent ErrorCode = 1 << iota

	// FaultWrite is set for write accesses.
	FaultWrite

	// FaultUser is set for accesses made in user mode.
	FaultUser

	// FaultReserved is set when a page table entry has a reserved bit set.
	FaultReserved

	// FaultFetch is set for instruction fetches.
	FaultFetch
)

var faultCodeNames = [...]string{"present", "write", "user", "reserved", "fetch"}

func (c ErrorCode) String() string {
	var names []string
	for i, name := range faultCodeNames {
		if c&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "read"
	}
	return strings.Join(names, "|")
}

// HandlePageFault resolves a fault at addr in as. Faults in a VMA that are
// permitted by its protection are resolved by demand paging, copy-on-write
// or stack growth; everything else is reported as an access violation.
func (m *Manager) HandlePageFault(as *AddressSpace, addr uintptr, code ErrorCode) error {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}
	as.stats.Faults++

	err := m.handleFault(as, addr, code)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			kfmt.AddressSpace: as.id,
			kfmt.VirtAddr:     addr,
			kfmt.ErrorCode:    code.String(),
		}).WithError(err).Debug("unresolved page fault")
	}
	return err
}

func (m *Manager) handleFault(as *AddressSpace, addr uintptr, code ErrorCode) error {
	if code&FaultReserved != 0 {
		return errReservedBit
	}
	if !as.validRange(mm.PageAlignDown(addr), mm.PageSize) {
		return errSegFault
	}

	page := mm.PageAlignDown(addr)
	v := as.findVMA(addr)
	grow := v == nil
	if grow {
		var err error
		if v, err = m.stackBelow(as, addr); err != nil {
			return err
		}
	}

	switch {
	case !v.Prot.accessible(),
		code&FaultWrite != 0 && !v.Prot.Write,
		code&FaultFetch != 0 && !v.Prot.Exec,
		code&FaultUser != 0 && !v.Prot.User:
		return errProtectionFault
	}

	if grow {
		v.Start = page
		m.logMapping(as, page, "stack grown")
	}

	pte := m.pteForAddress(as, page)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return m.demandPage(as, v, page, code)
	}

	if code&FaultWrite != 0 && !pte.HasFlags(FlagRW) {
		if !pte.HasFlags(FlagCopyOnWrite) {
			return errProtectionFault
		}
		return m.copyOnWrite(as, v, page, pte)
	}

	// Another thread resolved the fault first.
	return nil
}

// demandPage populates a non-present page of v. Read faults on private
// anonymous memory map the shared zero frame when it is enabled.
func (m *Manager) demandPage(as *AddressSpace, v *VMA, page uintptr, code ErrorCode) error {
	pte, err := m.leafEntry(as, page)
	if err != nil {
		return err
	}

	flags := v.Prot.entryFlags() | flagOwned
	if m.zeroFrame.Valid() && v.Backing.Kind != File && !v.Backing.Shared && code&FaultWrite == 0 {
		if err := m.pages.GetPage(m.zeroFrame); err != nil {
			return err
		}
		if v.Prot.Write {
			flags = (flags &^ FlagRW) | FlagCopyOnWrite
		}
		m.installLeaf(as, pte, m.zeroFrame, flags)
	} else {
		frame, err := m.pages.AllocPages(0, pmm.AllocFlags{Zero: true}, pmm.AnyNode)
		if err != nil {
			return errors.Wrapf(err, "demand paging %#x", page)
		}
		if v.Backing.Kind == File {
			if err := v.Backing.Source.ReadPage(v.offsetOf(page), m.mem.FrameBytes(frame)); err != nil {
				m.putFrame(frame)
				return errors.Wrapf(err, "reading page at offset %d", v.offsetOf(page))
			}
		}
		m.installLeaf(as, pte, frame, flags)
	}

	m.hal.FlushTLBEntry(page)
	as.stats.MinorFaults++
	v.Faults++
	return nil
}

// copyOnWrite gives as a private, writable copy of the page. A frame that
// is no longer shared is claimed in place.
func (m *Manager) copyOnWrite(as *AddressSpace, v *VMA, page uintptr, pte *pageTableEntry) error {
	old := pte.Frame()

	if old != m.zeroFrame && pte.HasFlags(flagOwned) && m.pages.RefCount(old) == 1 {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagRW)
	} else {
		frame, err := m.pages.AllocPages(0, pmm.AllocFlags{}, pmm.AnyNode)
		if err != nil {
			return errors.Wrapf(err, "copy-on-write of %#x", page)
		}
		m.mem.Memcopy(old.Address(), frame.Address(), mm.PageSize)

		flags := PageTableEntryFlag(uintptr(*pte)&^ptePhysPageMask)&^FlagCopyOnWrite | FlagRW | flagOwned
		m.installLeaf(as, pte, frame, flags)
	}

	m.hal.FlushTLBEntry(page)
	as.stats.COWFaults++
	v.COWFaults++
	m.logMapping(as, page, "copy-on-write resolved")
	return nil
}

// stackBelow returns the stack VMA that can grow down to the page containing
// addr.
func (m *Manager) stackBelow(as *AddressSpace, addr uintptr) (*VMA, error) {
	v := as.vmaAbove(addr)
	if v == nil || v.Backing.Kind != Stack {
		return nil, errSegFault
	}
	if uint64(v.End-mm.PageAlignDown(addr)) > m.cfg.MaxStackSize {
		return nil, errStackOverflow
	}
	return v, nil
}
