package slab

import (
	"sync/atomic"

	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/gopheros/kmem/kernel/sync"
)

// DebugFlags selects the debug features of a cache.
type DebugFlags struct {
	// Poison fills free objects with a pattern that is verified on the
	// next allocation.
	Poison bool `toml:"poison"`

	// RedZone surrounds every object with guard bytes that are verified
	// when the object is allocated and freed.
	RedZone bool `toml:"red_zone"`

	// StoreUser records the call site of every live object.
	StoreUser bool `toml:"store_user"`
}

func (d DebugFlags) merge(other DebugFlags) DebugFlags {
	return DebugFlags{
		Poison:    d.Poison || other.Poison,
		RedZone:   d.RedZone || other.RedZone,
		StoreUser: d.StoreUser || other.StoreUser,
	}
}

// CacheConfig describes a cache to be created with CreateCache.
type CacheConfig struct {
	Name       string
	ObjectSize uintptr

	// Align is the object alignment. Zero selects the minimum alignment.
	Align uintptr

	// Zone is the page allocator zone slabs are taken from.
	Zone pmm.ZoneType

	// Constructor is invoked on every object handed out by Alloc.
	Constructor func(obj []byte)

	// Destructor is invoked on every object passed to Free.
	Destructor func(obj []byte)

	Debug DebugFlags
}

type cacheNode struct {
	lock sync.Spinlock

	partial slabList
	full    slabList
	empty   slabList
}

// Cache is a pool of fixed-size objects.
type Cache struct {
	alloc *Allocator

	name    string
	objSize uintptr
	size    uintptr
	align   uintptr
	redZone uintptr
	stride  uintptr

	order          uint8
	objectsPerSlab int

	zone  pmm.ZoneType
	ctor  func([]byte)
	dtor  func([]byte)
	debug DebugFlags

	nodes []*cacheNode

	destroyed uint32

	active     int64
	allocs     uint64
	frees      uint64
	slabAllocs uint64
	slabFrees  uint64

	trackLock sync.Spinlock
	owners    map[uintptr]string
}

// CacheInfo is a snapshot of a cache.
type CacheInfo struct {
	Name           string
	ObjectSize     uintptr
	AlignedSize    uintptr
	Stride         uintptr
	SlabPages      uint64
	ObjectsPerSlab int

	ActiveObjects int64
	TotalObjects  int64

	PartialSlabs int
	FullSlabs    int
	EmptySlabs   int

	Allocs     uint64
	Frees      uint64
	SlabAllocs uint64
	SlabFrees  uint64
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func newCache(a *Allocator, cfg CacheConfig) (*Cache, error) {
	if cfg.ObjectSize == 0 || cfg.ObjectSize > MaxObjectSize {
		return nil, errInvalidSize
	}

	align := cfg.Align
	if align == 0 {
		align = minAlign
	}
	if align&(align-1) != 0 || align > mm.PageSize {
		return nil, errInvalidAlign
	}
	if align < minAlign {
		align = minAlign
	}

	c := &Cache{
		alloc:   a,
		name:    cfg.Name,
		objSize: cfg.ObjectSize,
		size:    alignUp(cfg.ObjectSize, align),
		align:   align,
		zone:    cfg.Zone,
		ctor:    cfg.Constructor,
		dtor:    cfg.Destructor,
		debug:   cfg.Debug.merge(a.cfg.Debug),
		nodes:   make([]*cacheNode, a.pages.NodeCount()),
		owners:  make(map[uintptr]string),
	}
	if c.debug.RedZone {
		c.redZone = align
	}
	c.stride = c.size + 2*c.redZone

	// Grow the slab until it fits the target number of objects or reaches
	// the maximum slab size.
	for c.order < MaxSlabOrder && (mm.PageSize<<c.order)/c.stride < TargetObjectsPerSlab {
		c.order++
	}
	c.objectsPerSlab = int((mm.PageSize << c.order) / c.stride)

	for i := range c.nodes {
		c.nodes[i] = &cacheNode{}
	}
	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the usable size of each object.
func (c *Cache) ObjectSize() uintptr { return c.size }

// ObjectsPerSlab returns the number of objects carved from each slab.
func (c *Cache) ObjectsPerSlab() int { return c.objectsPerSlab }

// ActiveObjects returns the number of allocated objects.
func (c *Cache) ActiveObjects() int64 { return atomic.LoadInt64(&c.active) }

func (c *Cache) isDestroyed() bool { return atomic.LoadUint32(&c.destroyed) != 0 }

// Info returns a snapshot of the cache state.
func (c *Cache) Info() CacheInfo {
	info := CacheInfo{
		Name:           c.name,
		ObjectSize:     c.objSize,
		AlignedSize:    c.size,
		Stride:         c.stride,
		SlabPages:      uint64(1) << c.order,
		ObjectsPerSlab: c.objectsPerSlab,
		ActiveObjects:  c.ActiveObjects(),
		Allocs:         atomic.LoadUint64(&c.allocs),
		Frees:          atomic.LoadUint64(&c.frees),
		SlabAllocs:     atomic.LoadUint64(&c.slabAllocs),
		SlabFrees:      atomic.LoadUint64(&c.slabFrees),
	}

	for _, n := range c.nodes {
		irq := n.lock.AcquireIRQSave(c.alloc.hal)
		info.PartialSlabs += n.partial.count
		info.FullSlabs += n.full.count
		info.EmptySlabs += n.empty.count
		n.lock.ReleaseIRQRestore(c.alloc.hal, irq)
	}
	slabs := info.PartialSlabs + info.FullSlabs + info.EmptySlabs
	info.TotalObjects = int64(slabs * c.objectsPerSlab)
	return info
}

// Verify checks that the live object counters of every slab add up to the
// number of active objects and that every slab is on the list matching its
// usage.
func (c *Cache) Verify() error {
	var inuse int64
	for _, n := range c.nodes {
		irq := n.lock.AcquireIRQSave(c.alloc.hal)
		ok := true
		check := func(want *slabList) func(*slab) {
			return func(s *slab) {
				inuse += int64(s.inuse)
				switch {
				case s.inuse+len(s.free) != c.objectsPerSlab:
					ok = false
				case int(s.live.Count()) != s.inuse:
					ok = false
				case s.inuse == 0 && want != &n.empty:
					ok = false
				case s.inuse == c.objectsPerSlab && want != &n.full:
					ok = false
				case s.inuse > 0 && s.inuse < c.objectsPerSlab && want != &n.partial:
					ok = false
				}
			}
		}
		n.partial.each(check(&n.partial))
		n.full.each(check(&n.full))
		n.empty.each(check(&n.empty))
		n.lock.ReleaseIRQRestore(c.alloc.hal, irq)

		if !ok {
			return errAccounting
		}
	}

	if inuse != c.ActiveObjects() {
		return errAccounting
	}
	return nil
}

// Shrink releases every empty slab back to the page allocator and returns
// the number of released slabs.
func (c *Cache) Shrink() int {
	var released []*slab
	for _, n := range c.nodes {
		irq := n.lock.AcquireIRQSave(c.alloc.hal)
		n.empty.each(func(s *slab) {
			n.empty.remove(s)
			released = append(released, s)
		})
		n.lock.ReleaseIRQRestore(c.alloc.hal, irq)
	}

	for _, s := range released {
		c.releaseSlab(s)
	}
	return len(released)
}
