// Package kmem assembles the physical page allocator, the object cache
// allocator and the virtual memory manager into a single memory manager
// instance backed by a simulated physical memory arena.
package kmem

import (
	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/hal/memmap"
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/gopheros/kmem/kernel/mm/slab"
	"github.com/gopheros/kmem/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Manager owns the arena and every memory manager component.
type Manager struct {
	mem     *mm.PhysMemory
	pages   *pmm.Allocator
	objects *slab.Allocator
	virtual *vmm.Manager
	log     *logrus.Entry
}

// New builds the arena from the HAL memory map and initializes the physical
// allocator, the object allocator and the virtual memory manager in that
// order.
func New(cfg Config, h hal.HAL) (*Manager, error) {
	if cfg.LogLevel != "" {
		if err := kfmt.SetLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	memMap := h.MemoryMap()
	if err := memmap.Validate(memMap); err != nil {
		return nil, errors.Wrap(err, "validating memory map")
	}

	mem, err := mm.NewPhysMemory(mm.Size(mm.PageAlignUp(uintptr(memmap.HighestAddress(memMap)))))
	if err != nil {
		return nil, err
	}

	m := &Manager{mem: mem, log: kfmt.Module("kmem")}
	if m.pages, err = pmm.New(mem, h, cfg.Physical); err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "initializing physical allocator")
	}
	if m.objects, err = slab.New(m.pages, h, cfg.Objects); err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "initializing object allocator")
	}
	if m.virtual, err = vmm.New(m.pages, h, cfg.Virtual); err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "initializing virtual memory manager")
	}

	m.log.WithFields(logrus.Fields{
		kfmt.Size:  mm.Size(mem.Size()),
		kfmt.Pages: m.pages.FreePagesCount(),
	}).Info("memory manager ready")
	return m, nil
}

// Pages returns the physical page allocator.
func (m *Manager) Pages() *pmm.Allocator { return m.pages }

// Objects returns the object cache allocator.
func (m *Manager) Objects() *slab.Allocator { return m.objects }

// Virtual returns the virtual memory manager.
func (m *Manager) Virtual() *vmm.Manager { return m.virtual }

// Memory returns the physical memory arena.
func (m *Manager) Memory() *mm.PhysMemory { return m.mem }

// Close tears the components down in reverse order and releases the arena.
// Outstanding object allocations are reported but not reclaimed.
func (m *Manager) Close() error {
	if m.virtual != nil {
		if err := m.virtual.Close(); err != nil {
			return errors.Wrap(err, "closing virtual memory manager")
		}
		m.virtual = nil
	}

	if m.objects != nil {
		live := lo.SumBy(m.objects.Caches(), func(info slab.CacheInfo) int64 { return info.ActiveObjects })
		if live != 0 {
			m.log.WithField("objects", live).Warn("closing with live objects")
		}
		m.objects = nil
	}

	m.pages = nil
	return m.mem.Close()
}
