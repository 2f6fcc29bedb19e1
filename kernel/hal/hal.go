// Package hal defines the hardware abstraction layer the memory manager
// consumes. The memory manager never touches hardware directly: TLB and cache
// maintenance, page table switches, interrupt masking and timestamps all go
// through a HAL implementation.
package hal

import "github.com/gopheros/kmem/kernel/hal/memmap"

// IRQState captures the interrupt enable state saved by DisableInterrupts.
type IRQState bool

// InterruptController masks and unmasks interrupts on the current CPU.
type InterruptController interface {
	// DisableInterrupts disables interrupts and returns the previous state.
	DisableInterrupts() IRQState

	// RestoreInterrupts restores the state returned by DisableInterrupts.
	RestoreInterrupts(IRQState)
}

// HAL is the set of hardware services used by the memory manager.
type HAL interface {
	InterruptController

	// MemoryMap returns the page-granular physical memory map reported by
	// the bootloader.
	MemoryMap() []memmap.Entry

	// Timestamp returns a monotonic timestamp used for debug bookkeeping.
	Timestamp() uint64

	// FlushCache writes back and invalidates the data caches.
	FlushCache()

	// FlushTLBEntry invalidates the TLB entry for a virtual address.
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLBRange invalidates the TLB entries for [start, end).
	FlushTLBRange(start, end uintptr)

	// SwitchPageTable loads the root page table at the supplied physical
	// address.
	SwitchPageTable(rootPhysAddr uintptr)

	// ActivePageTable returns the physical address of the active root
	// page table.
	ActivePageTable() uintptr
}
