package vmm

import "github.com/gopheros/kmem/kernel/mm"

// MmapOptions controls the placement and backing of Mmap regions.
type MmapOptions struct {
	// Fixed places the region exactly at the hint, replacing any
	// existing mappings.
	Fixed bool

	Backing Backing
}

// Mmap reserves a lazily populated region of length bytes in a user address
// space and returns its start. Unless opts.Fixed is set, a free hint is
// honoured and otherwise the highest free range below the mmap base is used.
func (m *Manager) Mmap(as *AddressSpace, hint, length uintptr, prot Protection, opts MmapOptions) (uintptr, error) {
	if as.kernel {
		return 0, errKernelSpace
	}
	if length == 0 {
		return 0, errZeroSize
	}
	if opts.Backing.Kind == File && opts.Backing.Source == nil {
		return 0, errMissingSource
	}
	if !mm.PageAligned(hint) {
		if opts.Fixed {
			return 0, errUnaligned
		}
		hint = 0
	}
	length = mm.PageAlignUp(length)
	if length == 0 {
		return 0, errInvalidRange
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return 0, errDestroyed
	}

	var addr uintptr
	switch {
	case opts.Fixed:
		if hint < mmapMinAddr || !as.validRange(hint, length) {
			return 0, errInvalidRange
		}
		old, err := as.carve(hint, hint+length, m.cfg.MaxVMAs)
		if err != nil {
			return 0, err
		}
		for _, v := range old {
			as.removeVMA(v)
		}
		m.unmapRange(as, hint, hint+length)
		addr = hint
	case hint >= mmapMinAddr && as.validRange(hint, length) && len(as.vmasIn(hint, hint+length)) == 0:
		addr = hint
	default:
		var ok bool
		if addr, ok = as.findFreeRange(length); !ok {
			return 0, errNoVirtualSpace
		}
	}

	v := &VMA{Start: addr, End: addr + length, Prot: prot, Backing: opts.Backing}
	if err := as.insertVMA(v, m.cfg.MaxVMAs); err != nil {
		return 0, err
	}
	as.mergeAround(v)
	return addr, nil
}

// findFreeRange returns the highest range of length bytes below the mmap
// base that no VMA overlaps.
func (as *AddressSpace) findFreeRange(length uintptr) (uintptr, bool) {
	top := as.mmapBase
	itr := as.vmas.Iterator()
	itr.Last()
	for !itr.Done() {
		_, v, _ := itr.Prev()
		if v.Start >= top {
			continue
		}
		if v.End <= top && top-v.End >= length {
			break
		}
		top = v.Start
	}

	if top < mmapMinAddr || top-mmapMinAddr < length {
		return 0, false
	}
	return top - length, true
}

// Munmap removes the region of length bytes starting at addr.
func (m *Manager) Munmap(as *AddressSpace, addr, length uintptr) error {
	if as.kernel {
		return errKernelSpace
	}
	return m.Unmap(as, addr, length)
}

// Brk moves the end of the heap to newEnd and returns the resulting end. A
// zero newEnd queries the current end. The heap grows lazily; shrinking it
// unmaps the released pages.
func (m *Manager) Brk(as *AddressSpace, newEnd uintptr) (uintptr, error) {
	if as.kernel {
		return 0, errKernelSpace
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return 0, errDestroyed
	}
	if newEnd == 0 {
		return as.brk, nil
	}
	if newEnd < as.heapStart {
		return as.brk, errInvalidRange
	}
	if uint64(newEnd-as.heapStart) > m.cfg.MaxHeapSize {
		return as.brk, errHeapLimit
	}

	oldTop, newTop := mm.PageAlignUp(as.brk), mm.PageAlignUp(newEnd)

	switch {
	case newTop > oldTop:
		if len(as.vmasIn(oldTop, newTop)) != 0 {
			return as.brk, errHeapLimit
		}
		grown := &VMA{Start: oldTop, End: newTop, Prot: ProtUserRW}
		if prev := as.findVMA(oldTop - 1); oldTop > as.heapStart && prev != nil && prev.mergeable(grown) {
			as.removeVMA(prev)
			prev.End = newTop
			as.vmas = as.vmas.Set(prev.End, prev)
			break
		}
		if err := as.insertVMA(grown, m.cfg.MaxVMAs); err != nil {
			return as.brk, err
		}
	case newTop < oldTop:
		// VMAs merged with the heap keep everything outside [newTop, oldTop).
		released, err := as.carve(newTop, oldTop, m.cfg.MaxVMAs)
		if err != nil {
			return as.brk, err
		}
		for _, v := range released {
			as.removeVMA(v)
		}
		m.unmapRange(as, newTop, oldTop)
	}

	as.brk = newEnd
	return as.brk, nil
}

// MapStack creates the stack VMA of size bytes ending at the stack top of
// as and returns the stack top. The stack grows down on faults up to the
// configured stack size limit.
func (m *Manager) MapStack(as *AddressSpace, size uintptr) (uintptr, error) {
	if as.kernel {
		return 0, errKernelSpace
	}
	if size == 0 {
		return 0, errZeroSize
	}
	size = mm.PageAlignUp(size)
	if uint64(size) > m.cfg.MaxStackSize {
		return 0, errStackOverflow
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return 0, errDestroyed
	}

	v := &VMA{Start: as.stackTop - size, End: as.stackTop, Prot: ProtUserRW, Backing: Backing{Kind: Stack}}
	if err := as.insertVMA(v, m.cfg.MaxVMAs); err != nil {
		return 0, err
	}
	return as.stackTop, nil
}
