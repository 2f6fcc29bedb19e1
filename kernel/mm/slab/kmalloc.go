package slab

import (
	"math/bits"

	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/pkg/errors"
)

const (
	kmallocMinSize    = 8
	kmallocCacheCount = 11
)

// kmallocIndex returns the index of the smallest kmalloc cache that fits
// size. size must be between 1 and MaxObjectSize.
func kmallocIndex(size uintptr) int {
	if size <= kmallocMinSize {
		return 0
	}
	return bits.Len(uint(size-1)) - 3
}

// KmallocCache returns the kmalloc cache serving size or nil if size is
// served by the page allocator.
func (a *Allocator) KmallocCache(size uintptr) *Cache {
	if size == 0 || size > MaxObjectSize {
		return nil
	}
	return a.kmallocCaches[kmallocIndex(size)]
}

// Kmalloc allocates size bytes.
func (a *Allocator) Kmalloc(size uintptr, flags AllocFlags) (uintptr, error) {
	return a.kmalloc(size, flags, pmm.AnyNode)
}

// Kzalloc allocates size zeroed bytes. It behaves like Kmalloc with the Zero
// flag set.
func (a *Allocator) Kzalloc(size uintptr, flags AllocFlags) (uintptr, error) {
	flags.Zero = true
	return a.kmalloc(size, flags, pmm.AnyNode)
}

// KmallocNode allocates size bytes preferring the supplied NUMA node.
func (a *Allocator) KmallocNode(size uintptr, flags AllocFlags, node int) (uintptr, error) {
	return a.kmalloc(size, flags, node)
}

func (a *Allocator) kmalloc(size uintptr, flags AllocFlags, node int) (uintptr, error) {
	if size == 0 {
		return 0, errInvalidSize
	}
	if c := a.KmallocCache(size); c != nil {
		return c.allocObject(flags, node, 2)
	}
	return a.allocLarge(size, flags, node)
}

// allocLarge serves requests above MaxObjectSize straight from the page
// allocator and records the allocation in a side table.
func (a *Allocator) allocLarge(size uintptr, flags AllocFlags, node int) (uintptr, error) {
	pages := mm.PageAlignUp(size) >> mm.PageShift
	order := uint8(bits.Len(uint(pages - 1)))
	if order >= pmm.MaxOrder {
		return 0, errInvalidSize
	}

	frame, err := a.pages.AllocPages(order, pmm.AllocFlags{Zero: flags.Zero}, node)
	if err != nil {
		return 0, errors.Wrapf(err, "allocating %d bytes", size)
	}

	addr := frame.Address()
	a.largeLock.Acquire()
	a.large[addr] = largeAlloc{size: size, order: order}
	a.largeLock.Release()
	return addr, nil
}

// Kfree releases memory returned by Kmalloc, Kzalloc, KmallocNode or
// Krealloc. Freeing a zero pointer is a no-op.
func (a *Allocator) Kfree(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}

	a.largeLock.Acquire()
	alloc, ok := a.large[ptr]
	if ok {
		delete(a.large, ptr)
	}
	a.largeLock.Release()

	if ok {
		return a.pages.FreePages(mm.FrameFromAddress(ptr), alloc.order)
	}

	s, ok := a.slabOf(ptr)
	if !ok {
		return a.corruption(errUnknownPointer, nil, ptr)
	}
	return s.cache.Free(ptr)
}

// Ksize returns the usable size of the allocation at ptr.
func (a *Allocator) Ksize(ptr uintptr) (uintptr, error) {
	a.largeLock.Acquire()
	alloc, ok := a.large[ptr]
	a.largeLock.Release()
	if ok {
		return mm.PageSize << alloc.order, nil
	}

	s, ok := a.slabOf(ptr)
	if !ok {
		return 0, errUnknownPointer
	}
	if _, ok := s.objectIndex(ptr); !ok {
		return 0, errMisaligned
	}
	return s.cache.size, nil
}

// Krealloc resizes the allocation at ptr, preserving its contents up to the
// smaller of the old and new sizes. A zero ptr behaves like Kmalloc and a
// zero size frees ptr and returns zero. The allocation is moved only when it
// cannot hold newSize bytes.
func (a *Allocator) Krealloc(ptr, newSize uintptr, flags AllocFlags) (uintptr, error) {
	if ptr == 0 {
		return a.kmalloc(newSize, flags, pmm.AnyNode)
	}
	if newSize == 0 {
		return 0, a.Kfree(ptr)
	}

	oldSize, err := a.Ksize(ptr)
	if err != nil {
		return 0, a.corruption(err, nil, ptr)
	}
	if newSize <= oldSize {
		return ptr, nil
	}

	newPtr, err := a.kmalloc(newSize, flags, pmm.AnyNode)
	if err != nil {
		return 0, err
	}
	a.mem.Memcopy(ptr, newPtr, oldSize)
	if err := a.Kfree(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}
