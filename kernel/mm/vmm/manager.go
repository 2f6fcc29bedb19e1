// Package vmm implements the address space manager: four level page tables
// stored in physical frames, VMAs, demand paging, copy-on-write, address
// space cloning and the mmap/brk layout of user address spaces.
package vmm

import (
	"math/rand"

	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/gopheros/kmem/kernel/sync"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// PageAllocator is the subset of the physical page allocator used by the
// address space manager.
type PageAllocator interface {
	AllocPages(order uint8, flags pmm.AllocFlags, node int) (mm.Frame, error)
	FreePages(frame mm.Frame, order uint8) error
	GetPage(frame mm.Frame) error
	PutPage(frame mm.Frame) error
	RefCount(frame mm.Frame) int32
	Memory() *mm.PhysMemory
}

// Manager owns the kernel address space and every user address space.
type Manager struct {
	pages PageAllocator
	mem   *mm.PhysMemory
	hal   hal.HAL
	cfg   Config
	log   *logrus.Entry

	kernel *AddressSpace

	// lock protects the registry, the layout random source and the
	// active address space.
	lock   sync.Spinlock
	spaces map[uint64]*AddressSpace
	nextID uint64
	rng    *rand.Rand
	active *AddressSpace

	zeroFrame mm.Frame
}

// New creates the address space manager together with the kernel address
// space.
func New(pages PageAllocator, h hal.HAL, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = int64(h.Timestamp())
	}

	m := &Manager{
		pages:     pages,
		mem:       pages.Memory(),
		hal:       h,
		cfg:       cfg,
		log:       kfmt.Module("vmm"),
		spaces:    make(map[uint64]*AddressSpace),
		rng:       rand.New(rand.NewSource(seed)),
		zeroFrame: mm.InvalidFrame,
	}

	root, err := pages.AllocPages(0, pmm.AllocFlags{Zero: true}, pmm.AnyNode)
	if err != nil {
		return nil, errors.Wrap(err, "allocating kernel page directory")
	}
	m.kernel = &AddressSpace{kernel: true, root: root, users: 1, vmas: newVMATree()}
	m.active = m.kernel

	if cfg.ZeroPageSharing {
		if m.zeroFrame, err = pages.AllocPages(0, pmm.AllocFlags{Zero: true}, pmm.AnyNode); err != nil {
			m.freeFrame(root)
			return nil, errors.Wrap(err, "allocating shared zero page")
		}
	}

	m.log.WithFields(logrus.Fields{
		"aslr":        cfg.ASLR,
		"zero-page":   cfg.ZeroPageSharing,
		"kernel-root": root.Address(),
	}).Info("address space manager initialized")
	return m, nil
}

// Close destroys every remaining address space and releases the kernel page
// tables.
func (m *Manager) Close() error {
	m.lock.Acquire()
	spaces := lo.Values(m.spaces)
	m.lock.Release()

	for _, as := range spaces {
		as.lock.Acquire()
		as.users = 1
		as.lock.Release()
		if err := m.DestroyAddressSpace(as); err != nil {
			return err
		}
	}

	k := m.kernel
	irq := k.lock.AcquireIRQSave(m.hal)
	if !k.destroyed {
		m.releaseTable(k, k.root, 0, 0, entriesPerTable-1)
		m.freeFrame(k.root)
		k.destroyed = true
	}
	k.lock.ReleaseIRQRestore(m.hal, irq)

	if m.zeroFrame.Valid() {
		m.putFrame(m.zeroFrame)
		m.zeroFrame = mm.InvalidFrame
	}
	return nil
}

// KernelAddressSpace returns the address space holding the kernel mappings.
func (m *Manager) KernelAddressSpace() *AddressSpace { return m.kernel }

// CreateAddressSpace allocates a new top-level table, copies the kernel
// mappings into its upper half and picks the (optionally randomized)
// layout of the user half.
func (m *Manager) CreateAddressSpace() (*AddressSpace, error) {
	as, err := m.newAddressSpace()
	if err != nil {
		return nil, err
	}

	m.lock.Acquire()
	m.randomizeLayout(as)
	m.lock.Release()

	m.log.WithFields(logrus.Fields{
		kfmt.AddressSpace: as.id,
		"mmap-base":       as.mmapBase,
		"stack-top":       as.stackTop,
	}).Debug("address space created")
	return as, nil
}

// newAddressSpace allocates and registers an empty user address space.
func (m *Manager) newAddressSpace() (*AddressSpace, error) {
	root, err := m.pages.AllocPages(0, pmm.AllocFlags{Zero: true}, pmm.AnyNode)
	if err != nil {
		return nil, errors.Wrap(err, "allocating page directory")
	}
	as := &AddressSpace{root: root, users: 1, vmas: newVMATree()}

	// Holding the kernel lock keeps new kernel entries from being added
	// between the copy and the registration.
	k := m.kernel
	irq := k.lock.AcquireIRQSave(m.hal)
	copy(m.table(root)[kernelRootIndex:], m.table(k.root)[kernelRootIndex:])

	m.lock.Acquire()
	m.nextID++
	as.id = m.nextID
	m.spaces[as.id] = as
	m.lock.Release()
	k.lock.ReleaseIRQRestore(m.hal, irq)

	return as, nil
}

// propagateKernelEntry copies a new kernel top-level entry into every live
// address space.
func (m *Manager) propagateKernelEntry(index uintptr, pte pageTableEntry) {
	m.lock.Acquire()
	defer m.lock.Release()

	for _, as := range m.spaces {
		m.table(as.root)[index] = pte
	}
}

// RetainAddressSpace adds a user to as. Every user must eventually call
// DestroyAddressSpace.
func (m *Manager) RetainAddressSpace(as *AddressSpace) error {
	if as.kernel {
		return errKernelSpace
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}
	as.users++
	return nil
}

// DestroyAddressSpace drops a user of as. When the last user is gone every
// user page is unmapped and the page tables are released.
func (m *Manager) DestroyAddressSpace(as *AddressSpace) error {
	if as.kernel {
		return errKernelSpace
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}
	if as.users--; as.users > 0 {
		return nil
	}

	m.lock.Acquire()
	delete(m.spaces, as.id)
	if m.active == as {
		m.active = m.kernel
		m.hal.SwitchPageTable(m.kernel.Root())
	}
	m.lock.Release()

	m.releaseTable(as, as.root, 0, 0, kernelRootIndex-1)
	m.freeFrame(as.root)
	as.vmas = newVMATree()
	as.destroyed = true

	m.log.WithFields(logrus.Fields{
		kfmt.AddressSpace: as.id,
		"faults":          as.stats.Faults,
	}).Debug("address space destroyed")
	return nil
}

// SwitchAddressSpace loads the page tables of as.
func (m *Manager) SwitchAddressSpace(as *AddressSpace) error {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}

	m.lock.Acquire()
	m.active = as
	m.lock.Release()

	m.hal.SwitchPageTable(as.Root())
	return nil
}

// ActiveAddressSpace returns the address space loaded by the last switch.
func (m *Manager) ActiveAddressSpace() *AddressSpace {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.active
}

// AddressSpaceCount returns the number of live user address spaces.
func (m *Manager) AddressSpaceCount() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.spaces)
}

// Stats returns the fault and usage counters of as.
func (m *Manager) Stats(as *AddressSpace) Stats {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	stats := as.stats
	stats.VMAs = as.vmas.Len()
	return stats
}

// Layout returns the region bases of as.
func (m *Manager) Layout(as *AddressSpace) Layout {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	return Layout{
		MmapBase:  as.mmapBase,
		StackTop:  as.stackTop,
		HeapStart: as.heapStart,
		Brk:       as.brk,
	}
}
