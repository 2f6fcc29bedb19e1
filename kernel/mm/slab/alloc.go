package slab

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AllocFlags describes an object allocation request.
type AllocFlags struct {
	// Zero clears the object before it is returned.
	Zero bool
}

// Alloc returns the address of a free object of c. Objects are taken from a
// partial slab of the preferred node, then from an empty slab, and finally
// from a freshly allocated slab.
func (c *Cache) Alloc(flags AllocFlags, node int) (uintptr, error) {
	return c.allocObject(flags, node, 1)
}

func (c *Cache) allocObject(flags AllocFlags, node int, skip int) (uintptr, error) {
	if c.isDestroyed() {
		return 0, errCacheDestroyed
	}
	if node == pmm.AnyNode {
		node = 0
	}
	if node < 0 || node >= len(c.nodes) {
		return 0, errInvalidNode
	}

	var (
		a = c.alloc
		n = c.nodes[node]
	)
	for {
		irq := n.lock.AcquireIRQSave(a.hal)
		s := n.partial.head
		if s == nil {
			s = n.empty.head
		}
		if s != nil {
			index := s.free[len(s.free)-1]
			s.free = s.free[:len(s.free)-1]
			s.live.Set(uint(index))
			s.inuse++
			if len(s.free) == 0 {
				s.moveTo(&n.full)
			} else {
				s.moveTo(&n.partial)
			}
			n.lock.ReleaseIRQRestore(a.hal, irq)

			obj := s.objectAddr(index)
			c.prepareObject(obj, flags, skip+1)
			atomic.AddInt64(&c.active, 1)
			atomic.AddUint64(&c.allocs, 1)
			return obj, nil
		}
		n.lock.ReleaseIRQRestore(a.hal, irq)

		// The page allocator is never called with a cache lock held.
		s, err := c.newSlab(node)
		if err != nil {
			return 0, err
		}

		irq = n.lock.AcquireIRQSave(a.hal)
		n.empty.push(s)
		n.lock.ReleaseIRQRestore(a.hal, irq)
	}
}

// newSlab allocates the frames of a slab and carves them into objects.
func (c *Cache) newSlab(node int) (*slab, error) {
	a := c.alloc
	frame, err := a.pages.AllocPages(c.order, pmm.AllocFlags{Zone: c.zone}, node)
	if err != nil {
		a.log.WithFields(logrus.Fields{kfmt.Cache: c.name, kfmt.Order: c.order}).Debug("slab allocation failed")
		return nil, errors.Wrapf(err, "growing cache %s", c.name)
	}

	s := &slab{
		cache: c,
		node:  node,
		frame: frame,
		base:  frame.Address(),
		free:  make([]uint16, c.objectsPerSlab),
		live:  bitset.New(uint(c.objectsPerSlab)),
	}
	// Lower indices are handed out first.
	for i := range s.free {
		s.free[i] = uint16(c.objectsPerSlab - 1 - i)
	}

	if err := a.pages.SetOwner(frame, c.order, s); err != nil {
		a.pages.FreePages(frame, c.order)
		return nil, err
	}

	mem := a.mem
	if c.debug.RedZone {
		for i := 0; i < c.objectsPerSlab; i++ {
			obj := s.objectAddr(uint16(i))
			mem.Memset(obj-c.redZone, redZoneByte, c.redZone)
			mem.Memset(obj+c.size, redZoneByte, c.redZone)
		}
	}
	if c.debug.Poison {
		for i := 0; i < c.objectsPerSlab; i++ {
			mem.Memset(s.objectAddr(uint16(i)), poisonFree, c.size)
		}
	}

	atomic.AddUint64(&c.slabAllocs, 1)
	return s, nil
}

// releaseSlab returns the frames of an unlinked empty slab to the page
// allocator.
func (c *Cache) releaseSlab(s *slab) {
	if err := c.alloc.pages.FreePages(s.frame, c.order); err != nil {
		c.alloc.log.WithFields(logrus.Fields{
			kfmt.Cache: c.name,
			kfmt.Frame: s.frame,
		}).WithError(err).Error("failed to release slab")
		return
	}
	atomic.AddUint64(&c.slabFrees, 1)
}

// prepareObject runs the allocation-time debug checks and initializes the
// object contents.
func (c *Cache) prepareObject(obj uintptr, flags AllocFlags, skip int) {
	mem := c.alloc.mem

	if c.debug.RedZone && !c.redZoneIntact(obj) {
		c.alloc.corruption(errRedZone, c, obj)
		c.writeRedZone(obj)
	}
	if c.debug.Poison {
		if !isFilled(mem.Bytes(obj, c.size), poisonFree) {
			c.alloc.corruption(errPoison, c, obj)
		}
		mem.Memset(obj, poisonInUse, c.size)
	}

	if flags.Zero {
		mem.Memset(obj, 0, c.size)
	}
	if c.ctor != nil {
		c.ctor(mem.Bytes(obj, c.size))
	}

	if c.debug.StoreUser {
		c.trackLock.Acquire()
		c.owners[obj] = callSite(skip + 1)
		c.trackLock.Release()
	}
}

// Free returns obj to c. Freeing an object that does not belong to c, a
// pointer into the middle of an object, an object that is not allocated or
// an object whose red zone was overwritten is reported as corruption and
// the free is refused.
func (c *Cache) Free(obj uintptr) error {
	a := c.alloc

	s, index, err := c.lookup(obj)
	if err != nil {
		return a.corruption(err, c, obj)
	}
	if c.debug.RedZone && !c.redZoneIntact(obj) {
		return a.corruption(errRedZone, c, obj)
	}

	n := c.nodes[s.node]
	irq := n.lock.AcquireIRQSave(a.hal)
	if !s.live.Test(uint(index)) {
		n.lock.ReleaseIRQRestore(a.hal, irq)
		return a.corruption(errDoubleFree, c, obj)
	}
	s.live.Clear(uint(index))
	n.lock.ReleaseIRQRestore(a.hal, irq)

	if c.dtor != nil {
		c.dtor(a.mem.Bytes(obj, c.size))
	}
	if c.debug.Poison {
		a.mem.Memset(obj, poisonFree, c.size)
	}
	if c.debug.StoreUser {
		c.trackLock.Acquire()
		delete(c.owners, obj)
		c.trackLock.Release()
	}

	var release bool
	irq = n.lock.AcquireIRQSave(a.hal)
	s.free = append(s.free, index)
	s.inuse--
	switch {
	case s.inuse > 0:
		s.moveTo(&n.partial)
	case n.empty.count < a.cfg.RetainEmptySlabs:
		s.moveTo(&n.empty)
	default:
		s.list.remove(s)
		release = true
	}
	n.lock.ReleaseIRQRestore(a.hal, irq)

	if release {
		c.releaseSlab(s)
	}

	atomic.AddInt64(&c.active, -1)
	atomic.AddUint64(&c.frees, 1)
	return nil
}

// lookup resolves the slab and object index of obj using the page allocator
// owner back-reference.
func (c *Cache) lookup(obj uintptr) (*slab, uint16, error) {
	s, ok := c.alloc.slabOf(obj)
	if !ok || s.cache != c {
		return nil, 0, errForeignObject
	}
	index, ok := s.objectIndex(obj)
	if !ok {
		return nil, 0, errMisaligned
	}
	return s, index, nil
}

// slabOf returns the slab that contains the physical address addr.
func (a *Allocator) slabOf(addr uintptr) (*slab, bool) {
	if !a.mem.Contains(addr, 1) {
		return nil, false
	}
	s, ok := a.pages.Owner(mm.FrameFromAddress(addr)).(*slab)
	return s, ok
}
