package pmm

import "github.com/gopheros/kmem/kernel"

var (
	errInvalidOrder    = &kernel.Error{Module: "pmm", Message: "requested order exceeds the maximum supported order", Kind: kernel.KindInvalidArgument}
	errInvalidNode     = &kernel.Error{Module: "pmm", Message: "unknown NUMA node", Kind: kernel.KindInvalidArgument}
	errInvalidFrame    = &kernel.Error{Module: "pmm", Message: "frame is outside physical memory", Kind: kernel.KindInvalidArgument}
	errTooManyNodes    = &kernel.Error{Module: "pmm", Message: "too many NUMA nodes", Kind: kernel.KindInvalidArgument}
	errNodeOverlap     = &kernel.Error{Module: "pmm", Message: "NUMA node ranges overlap", Kind: kernel.KindInvalidArgument}
	errArenaTooSmall   = &kernel.Error{Module: "pmm", Message: "physical memory arena does not cover the memory map", Kind: kernel.KindInvalidArgument}
	errNoManagedMemory = &kernel.Error{Module: "pmm", Message: "no usable memory left after reservations", Kind: kernel.KindInvalidArgument}
	errFrameInUse      = &kernel.Error{Module: "pmm", Message: "frame is allocated", Kind: kernel.KindInvalidArgument}
	errFrameNotUsable  = &kernel.Error{Module: "pmm", Message: "frame is not backed by usable memory", Kind: kernel.KindInvalidArgument}
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "freeing a block that is not allocated", Kind: kernel.KindCorruptionDetected}
	errOrderMismatch   = &kernel.Error{Module: "pmm", Message: "free order does not match the allocation order", Kind: kernel.KindCorruptionDetected}
	errNotBlockHead    = &kernel.Error{Module: "pmm", Message: "frame is not the head of an allocated block", Kind: kernel.KindCorruptionDetected}
)
