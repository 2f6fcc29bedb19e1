package slab

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/gopheros/kmem/kernel/mm"
)

// slab is a block of 2^order frames carved into equally sized objects. Its
// metadata lives outside the block; the frames point back to it through the
// page allocator owner reference.
type slab struct {
	cache *Cache
	node  int
	frame mm.Frame
	base  uintptr

	// free is a stack of free object indices.
	free []uint16

	// live has a bit set for every allocated object.
	live *bitset.BitSet

	inuse int

	list       *slabList
	prev, next *slab
}

// objectAddr returns the physical address of the object at index.
func (s *slab) objectAddr(index uint16) uintptr {
	return s.base + uintptr(index)*s.cache.stride + s.cache.redZone
}

// objectIndex maps an address inside the slab to the index of the object
// that starts there.
func (s *slab) objectIndex(addr uintptr) (uint16, bool) {
	if addr < s.base+s.cache.redZone {
		return 0, false
	}
	offset := addr - s.base - s.cache.redZone
	if offset%s.cache.stride != 0 {
		return 0, false
	}
	index := offset / s.cache.stride
	if index >= uintptr(s.cache.objectsPerSlab) {
		return 0, false
	}
	return uint16(index), true
}

// slabList is a doubly linked list of slabs.
type slabList struct {
	head  *slab
	count int
}

func (l *slabList) push(s *slab) {
	s.list = l
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	l.count++
}

func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.count--
}

func (l *slabList) each(fn func(*slab)) {
	for s := l.head; s != nil; {
		next := s.next
		fn(s)
		s = next
	}
}

// moveTo unlinks s from its current list and pushes it to dst.
func (s *slab) moveTo(dst *slabList) {
	if s.list == dst {
		return
	}
	if s.list != nil {
		s.list.remove(s)
	}
	dst.push(s)
}
