package pmm

import (
	"sync/atomic"

	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/sirupsen/logrus"
)

// pushFree links the head of a free block into the free list of its order.
// The zone lock must be held.
func (a *Allocator) pushFree(z *Zone, frame mm.Frame, order uint8) {
	f := &a.frames[frame]
	f.state = StateBuddyFree
	f.order = order
	f.prev = mm.InvalidFrame
	f.next = z.freeArea[order].head
	if f.next.Valid() {
		a.frames[f.next].prev = frame
	}
	z.freeArea[order].head = frame
	z.freeArea[order].count++
}

// unlinkFree removes a free block head from the free list of its order and
// downgrades it to StateFree. The zone lock must be held.
func (a *Allocator) unlinkFree(z *Zone, frame mm.Frame) {
	f := &a.frames[frame]
	list := &z.freeArea[f.order]
	if f.prev.Valid() {
		a.frames[f.prev].next = f.next
	} else {
		list.head = f.next
	}
	if f.next.Valid() {
		a.frames[f.next].prev = f.prev
	}
	f.next, f.prev = mm.InvalidFrame, mm.InvalidFrame
	f.state = StateFree
	list.count--
}

// allocBlock removes a block of the requested order from z, splitting a
// larger block when no block of that order is free. It returns InvalidFrame
// if the zone cannot satisfy the request. The zone lock must be held.
func (a *Allocator) allocBlock(z *Zone, order uint8) mm.Frame {
	for current := order; current < MaxOrder; current++ {
		head := z.freeArea[current].head
		if !head.Valid() {
			continue
		}

		a.unlinkFree(z, head)
		a.expand(z, head, order, current)

		pages := uint64(1) << order
		for pfn := head; pfn < head+mm.Frame(pages); pfn++ {
			f := &a.frames[pfn]
			f.state = StateAllocated
			f.order = tailOrder
			f.owner = nil
		}
		a.frames[head].order = order
		atomic.StoreInt32(&a.frames[head].refs, 1)
		z.free -= pages
		return head
	}

	return mm.InvalidFrame
}

// expand splits the block at head from order high down to order low,
// returning the upper half of each split to the free lists.
func (a *Allocator) expand(z *Zone, head mm.Frame, low, high uint8) {
	size := mm.Frame(1) << high
	for high > low {
		high--
		size >>= 1
		a.pushFree(z, head+size, high)
	}
}

// freeBlock returns a block to z, merging it with its buddy for as long as
// the buddy is a free block of the same order. The zone lock must be held.
func (a *Allocator) freeBlock(z *Zone, head mm.Frame, order uint8) {
	pages := uint64(1) << order
	for pfn := head; pfn < head+mm.Frame(pages); pfn++ {
		f := &a.frames[pfn]
		f.state = StateFree
		f.order = 0
		f.owner = nil
		atomic.StoreInt32(&f.refs, 0)
	}
	z.free += pages

	for order < MaxOrder-1 {
		buddy := head ^ (mm.Frame(1) << order)
		if !z.contains(buddy, uint64(1)<<order) {
			break
		}
		bf := &a.frames[buddy]
		if bf.state != StateBuddyFree || bf.order != order {
			break
		}

		a.unlinkFree(z, buddy)
		if buddy < head {
			head = buddy
		}
		order++
	}

	a.pushFree(z, head, order)
}

// AllocPages allocates 2^order physically contiguous frames and returns the
// first one. The preferred node is tried first, walking the zone fallback
// list of flags.Zone, followed by the remaining nodes in order of increasing
// distance. The returned block starts at a frame aligned to 2^order.
func (a *Allocator) AllocPages(order uint8, flags AllocFlags, node int) (mm.Frame, error) {
	if order >= MaxOrder || flags.Zone >= zoneCount {
		return mm.InvalidFrame, errInvalidOrder
	}
	if node == AnyNode {
		node = 0
	}
	if node < 0 || node >= len(a.nodes) {
		return mm.InvalidFrame, errInvalidNode
	}

	zones := zoneFallback[flags.Zone]
	nodes := a.nodes[node].fallback
	if flags.NoFallback {
		zones = zones[:1]
		nodes = nodes[:1]
	}

	for _, nodeIndex := range nodes {
		for _, typ := range zones {
			z := a.nodes[nodeIndex].zones[typ]
			if z == nil {
				continue
			}

			irq := z.lock.AcquireIRQSave(a.hal)
			frame := a.allocBlock(z, order)
			if frame.Valid() {
				z.allocSuccess++
			} else {
				z.allocFail++
			}
			z.lock.ReleaseIRQRestore(a.hal, irq)

			if !frame.Valid() {
				continue
			}

			if flags.Zero {
				a.mem.ZeroFrames(frame, uint64(1)<<order)
			}
			if a.cfg.Debug.LeakTracking {
				a.track(frame, order, caller(1))
			}
			a.countAlloc(order)
			return frame, nil
		}
	}

	a.countFailure()
	a.log.WithFields(logrus.Fields{
		kfmt.Order: order,
		kfmt.Zone:  flags.Zone.String(),
		kfmt.Node:  node,
	}).Debug("allocation failed")
	return mm.InvalidFrame, errOutOfMemory
}

// AllocPage allocates a single frame.
func (a *Allocator) AllocPage(flags AllocFlags) (mm.Frame, error) {
	return a.AllocPages(0, flags, AnyNode)
}

// FreePages drops the reference held on the block of 2^order frames that
// starts at frame. The block is returned to its zone once no references
// remain. Freeing a block that is not allocated, or passing a different
// order than the one used for the allocation, is reported as corruption and
// leaves the allocator untouched.
func (a *Allocator) FreePages(frame mm.Frame, order uint8) error {
	if order >= MaxOrder {
		return errInvalidOrder
	}
	if !a.validFrame(frame) {
		return errInvalidFrame
	}

	f := &a.frames[frame]
	if f.state != StateAllocated {
		return a.corruption(errDoubleFree, frame, order)
	}
	if f.order != order {
		if f.order == tailOrder {
			return a.corruption(errNotBlockHead, frame, order)
		}
		return a.corruption(errOrderMismatch, frame, order)
	}

	return a.put(frame)
}

// put drops a reference on an allocated block head and releases the block
// when the count reaches zero.
func (a *Allocator) put(frame mm.Frame) error {
	f := &a.frames[frame]
	refs := atomic.AddInt32(&f.refs, -1)
	switch {
	case refs > 0:
		return nil
	case refs < 0:
		atomic.AddInt32(&f.refs, 1)
		return a.corruption(errDoubleFree, frame, f.order)
	}

	order := f.order
	if a.cfg.Debug.LeakTracking {
		a.untrack(frame)
	}

	z := a.nodes[f.node].zones[f.zone]
	irq := z.lock.AcquireIRQSave(a.hal)
	a.freeBlock(z, frame, order)
	z.lock.ReleaseIRQRestore(a.hal, irq)

	a.countFree(order)
	return nil
}

func (a *Allocator) validFrame(frame mm.Frame) bool {
	return frame.Valid() && uint64(frame) < uint64(len(a.frames))
}

func (a *Allocator) corruption(err error, frame mm.Frame, order uint8) error {
	a.log.WithFields(logrus.Fields{
		kfmt.Frame: frame,
		kfmt.Order: order,
		"state":    a.FrameState(frame).String(),
	}).WithError(err).Error("refusing to free block")
	return err
}
