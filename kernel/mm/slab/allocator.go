// Package slab implements the object cache allocator. Caches hand out fixed
// size objects carved from slabs of physical frames; a kmalloc style facade
// maps arbitrary sizes onto power-of-two caches and falls back to the page
// allocator for large requests.
package slab

import (
	"strconv"
	"sync/atomic"

	"github.com/gopheros/kmem/kernel"
	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/gopheros/kmem/kernel/sync"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	// MaxObjectSize is the largest object size served by a cache.
	MaxObjectSize = 8192

	// MaxCaches is the maximum number of live caches, including the
	// kmalloc caches.
	MaxCaches = 256

	// TargetObjectsPerSlab is the number of objects a slab is grown to
	// hold, unless the slab reaches 2^MaxSlabOrder pages first.
	TargetObjectsPerSlab = 64

	// MaxSlabOrder is the order of the largest slab.
	MaxSlabOrder = 3

	minAlign = 8
)

// PageAllocator is the subset of the physical page allocator used by the
// object caches.
type PageAllocator interface {
	AllocPages(order uint8, flags pmm.AllocFlags, node int) (mm.Frame, error)
	FreePages(frame mm.Frame, order uint8) error
	SetOwner(frame mm.Frame, order uint8, owner interface{}) error
	Owner(frame mm.Frame) interface{}
	NodeCount() int
	Memory() *mm.PhysMemory
}

// Config holds the object allocator settings.
type Config struct {
	// Debug flags applied to every cache in addition to its own.
	Debug DebugFlags `toml:"debug"`

	// PanicOnCorruption escalates detected corruption to a panic instead
	// of refusing the operation.
	PanicOnCorruption bool `toml:"panic_on_corruption"`

	// RetainEmptySlabs is the number of empty slabs each node of a cache
	// keeps instead of returning them to the page allocator.
	RetainEmptySlabs int `toml:"retain_empty_slabs"`
}

// DefaultConfig returns the default allocator settings.
func DefaultConfig() Config {
	return Config{RetainEmptySlabs: 1}
}

type largeAlloc struct {
	size  uintptr
	order uint8
}

// Allocator owns every object cache.
type Allocator struct {
	pages PageAllocator
	mem   *mm.PhysMemory
	hal   hal.HAL
	cfg   Config
	log   *logrus.Entry

	cachesLock sync.Spinlock
	caches     []*Cache

	kmallocCaches [kmallocCacheCount]*Cache

	largeLock sync.Spinlock
	large     map[uintptr]largeAlloc

	corruptions uint64
}

// New creates an object allocator backed by pages and sets up the kmalloc
// caches.
func New(pages PageAllocator, h hal.HAL, cfg Config) (*Allocator, error) {
	a := &Allocator{
		pages: pages,
		mem:   pages.Memory(),
		hal:   h,
		cfg:   cfg,
		log:   kfmt.Module("slab"),
		large: make(map[uintptr]largeAlloc),
	}

	for i := range a.kmallocCaches {
		size := uintptr(kmallocMinSize) << i
		c, err := a.CreateCache(CacheConfig{
			Name:       "kmalloc-" + strconv.FormatUint(uint64(size), 10),
			ObjectSize: size,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating kmalloc cache for size %d", size)
		}
		a.kmallocCaches[i] = c
	}

	a.log.WithField("caches", len(a.caches)).Info("object allocator initialized")
	return a, nil
}

// CreateCache creates a new object cache.
func (a *Allocator) CreateCache(cfg CacheConfig) (*Cache, error) {
	c, err := newCache(a, cfg)
	if err != nil {
		return nil, err
	}

	a.cachesLock.Acquire()
	defer a.cachesLock.Release()
	if len(a.caches) >= MaxCaches {
		return nil, errTooManyCaches
	}
	a.caches = append(a.caches, c)

	a.log.WithFields(logrus.Fields{
		kfmt.Cache:        c.name,
		kfmt.Size:         c.size,
		"objects-per-slab": c.objectsPerSlab,
	}).Debug("cache created")
	return c, nil
}

// DestroyCache releases every slab of c and removes it from the allocator.
// Destroying a cache with live objects fails.
func (a *Allocator) DestroyCache(c *Cache) error {
	if c.ActiveObjects() != 0 {
		return errCacheBusy
	}
	if !atomic.CompareAndSwapUint32(&c.destroyed, 0, 1) {
		return errCacheDestroyed
	}

	a.cachesLock.Acquire()
	a.caches = lo.Without(a.caches, c)
	a.cachesLock.Release()

	c.Shrink()
	return nil
}

// Caches returns a snapshot of every live cache.
func (a *Allocator) Caches() []CacheInfo {
	a.cachesLock.Acquire()
	caches := make([]*Cache, len(a.caches))
	copy(caches, a.caches)
	a.cachesLock.Release()

	return lo.Map(caches, func(c *Cache, _ int) CacheInfo { return c.Info() })
}

// Corruptions returns the number of corruption events detected so far.
func (a *Allocator) Corruptions() uint64 { return atomic.LoadUint64(&a.corruptions) }

// corruption records a detected corruption event. It panics when the
// allocator is configured to do so and returns err otherwise.
func (a *Allocator) corruption(err error, c *Cache, obj uintptr) error {
	atomic.AddUint64(&a.corruptions, 1)

	entry := a.log.WithField(kfmt.Object, obj)
	if c != nil {
		entry = entry.WithField(kfmt.Cache, c.name)
	}
	entry.WithError(err).Error("memory corruption detected")

	if a.cfg.PanicOnCorruption {
		kernel.Panic(err)
	}
	return err
}
