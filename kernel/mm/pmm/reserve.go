package pmm

import (
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/sirupsen/logrus"
)

// ReservePages removes count frames starting at start from the buddy free
// lists so they are never handed out. Frames that are already reserved are
// skipped. The call fails without side effects if any frame in the range is
// allocated.
func (a *Allocator) ReservePages(start mm.Frame, count uint64) error {
	if !a.validFrame(start) || uint64(start)+count > uint64(len(a.frames)) {
		return errInvalidFrame
	}
	for pfn := start; pfn < start+mm.Frame(count); pfn++ {
		if a.frames[pfn].state == StateAllocated {
			return errFrameInUse
		}
	}

	var reserved uint64
	for pfn := start; pfn < start+mm.Frame(count); pfn++ {
		f := &a.frames[pfn]
		if f.state == StateReserved {
			continue
		}

		z := a.nodes[f.node].zones[f.zone]
		irq := z.lock.AcquireIRQSave(a.hal)
		a.carveFrame(z, pfn)
		z.lock.ReleaseIRQRestore(a.hal, irq)
		reserved++
	}

	a.statsLock.Acquire()
	a.stats.ManagedPages -= reserved
	a.stats.ReservedPages += reserved
	a.statsLock.Release()

	a.log.WithFields(logrus.Fields{kfmt.Frame: start, kfmt.Pages: reserved}).Debug("reserved frames")
	return nil
}

// carveFrame removes a single free frame from the free block that contains
// it. The rest of the block is returned to the free lists as smaller blocks.
// The zone lock must be held.
func (a *Allocator) carveFrame(z *Zone, pfn mm.Frame) {
	var (
		head  mm.Frame
		order uint8
	)
	for order = 0; order < MaxOrder; order++ {
		head = pfn &^ (mm.Frame(1)<<order - 1)
		if head < z.start {
			return
		}
		if f := &a.frames[head]; f.state == StateBuddyFree && f.order == order {
			break
		}
	}
	if order == MaxOrder {
		return
	}

	a.unlinkFree(z, head)
	for order > 0 {
		order--
		half := mm.Frame(1) << order
		if pfn >= head+half {
			a.pushFree(z, head, order)
			head += half
		} else {
			a.pushFree(z, head+half, order)
		}
	}

	a.frames[pfn].state = StateReserved
	z.free--
	z.managed--
}

// UnreservePages hands count frames starting at start back to the allocator.
// Only frames backed by usable memory can be unreserved.
func (a *Allocator) UnreservePages(start mm.Frame, count uint64) error {
	if !a.validFrame(start) || uint64(start)+count > uint64(len(a.frames)) {
		return errInvalidFrame
	}
	for pfn := start; pfn < start+mm.Frame(count); pfn++ {
		f := &a.frames[pfn]
		if f.state != StateReserved {
			continue
		}
		if !a.usable.Test(uint(pfn)) || a.nodes[f.node].zones[f.zone] == nil {
			return errFrameNotUsable
		}
	}

	var released uint64
	for pfn := start; pfn < start+mm.Frame(count); pfn++ {
		f := &a.frames[pfn]
		if f.state != StateReserved {
			continue
		}

		z := a.nodes[f.node].zones[f.zone]
		irq := z.lock.AcquireIRQSave(a.hal)
		z.managed++
		a.freeBlock(z, pfn, 0)
		z.lock.ReleaseIRQRestore(a.hal, irq)
		released++
	}

	a.statsLock.Acquire()
	a.stats.ManagedPages += released
	a.stats.ReservedPages -= released
	a.statsLock.Release()
	return nil
}
