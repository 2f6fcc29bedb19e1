package vmm

import "github.com/gopheros/kmem/kernel/mm"

// randomizeLayout picks the mmap base and stack top of as. The caller must
// hold the manager lock.
func (m *Manager) randomizeLayout(as *AddressSpace) {
	as.mmapBase = mmapBaseTop
	as.stackTop = stackTopMax
	if m.cfg.ASLR {
		as.mmapBase -= m.randomPages(m.cfg.MmapRandomBits)
		as.stackTop -= m.randomPages(m.cfg.StackRandomBits)
	}

	as.heapStart = uintptr(m.cfg.HeapBase)
	as.brk = as.heapStart
}

// randomPages returns a random page-aligned offset below 2^bits pages.
func (m *Manager) randomPages(bits uint8) uintptr {
	return uintptr(m.rng.Int63n(int64(1)<<bits)) << mm.PageShift
}
