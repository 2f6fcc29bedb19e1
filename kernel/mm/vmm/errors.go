package vmm

import "github.com/gopheros/kmem/kernel"

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvalidArgument}

	errUnaligned       = &kernel.Error{Module: "vmm", Message: "address is not page aligned", Kind: kernel.KindInvalidArgument}
	errZeroSize        = &kernel.Error{Module: "vmm", Message: "size must be greater than zero", Kind: kernel.KindInvalidArgument}
	errInvalidRange    = &kernel.Error{Module: "vmm", Message: "range lies outside the address space", Kind: kernel.KindInvalidArgument}
	errNoAccess        = &kernel.Error{Module: "vmm", Message: "protection grants no access", Kind: kernel.KindInvalidArgument}
	errKernelSpace     = &kernel.Error{Module: "vmm", Message: "operation not permitted on the kernel address space", Kind: kernel.KindInvalidArgument}
	errDestroyed       = &kernel.Error{Module: "vmm", Message: "address space has been destroyed", Kind: kernel.KindInvalidArgument}
	errInvalidConfig   = &kernel.Error{Module: "vmm", Message: "invalid address space layout settings", Kind: kernel.KindInvalidArgument}
	errVMAOverlap      = &kernel.Error{Module: "vmm", Message: "VMA overlaps an existing VMA", Kind: kernel.KindInvalidArgument}
	errNoVMA           = &kernel.Error{Module: "vmm", Message: "no VMA covers the address", Kind: kernel.KindInvalidArgument}
	errVMAIncompatible = &kernel.Error{Module: "vmm", Message: "VMAs are not adjacent or differ in protection or backing", Kind: kernel.KindInvalidArgument}
	errMissingSource   = &kernel.Error{Module: "vmm", Message: "file backed VMA requires a page source", Kind: kernel.KindInvalidArgument}
	errTooManyVMAs     = &kernel.Error{Module: "vmm", Message: "VMA limit reached", Kind: kernel.KindOutOfMemory}
	errNoVirtualSpace  = &kernel.Error{Module: "vmm", Message: "no free virtual address range", Kind: kernel.KindOutOfMemory}
	errHeapLimit       = &kernel.Error{Module: "vmm", Message: "heap size limit reached", Kind: kernel.KindOutOfMemory}
	errSegFault        = &kernel.Error{Module: "vmm", Message: "no VMA covers the faulting address", Kind: kernel.KindAccessViolation}
	errProtectionFault = &kernel.Error{Module: "vmm", Message: "access not permitted by the VMA protection", Kind: kernel.KindAccessViolation}
	errReservedBit     = &kernel.Error{Module: "vmm", Message: "page table entry has a reserved bit set", Kind: kernel.KindAccessViolation}
	errStackOverflow   = &kernel.Error{Module: "vmm", Message: "stack growth exceeds the stack size limit", Kind: kernel.KindAccessViolation}
)
