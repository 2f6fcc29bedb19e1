package mm

import (
	"github.com/gopheros/kmem/kernel"
	"github.com/pkg/errors"
)

var (
	errArenaSize   = &kernel.Error{Module: "mm", Message: "physical memory size must be non-zero", Kind: kernel.KindInvalidArgument}
	errArenaClosed = &kernel.Error{Module: "mm", Message: "physical memory arena is closed", Kind: kernel.KindInvalidArgument}
)

// PhysMemory is the simulated physical RAM the memory manager operates on.
// Physical address N corresponds to byte N of the arena. Page tables, slab
// objects and user pages all live inside it.
type PhysMemory struct {
	data []byte
}

// NewPhysMemory reserves an arena that spans physical addresses [0, size).
// The size is rounded up to a page multiple. The arena starts zeroed.
func NewPhysMemory(size Size) (*PhysMemory, error) {
	if size == 0 {
		return nil, errArenaSize
	}

	data, err := mapArena(PageAlignUp(uintptr(size)))
	if err != nil {
		return nil, errors.Wrapf(err, "reserving %s of physical memory", size)
	}

	return &PhysMemory{data: data}, nil
}

// Size returns the arena size in bytes.
func (m *PhysMemory) Size() uintptr { return uintptr(len(m.data)) }

// FrameCount returns the number of frames covered by the arena.
func (m *PhysMemory) FrameCount() uint64 { return uint64(len(m.data)) >> PageShift }

// Contains returns true if [addr, addr+size) lies inside the arena.
func (m *PhysMemory) Contains(addr, size uintptr) bool {
	end := addr + size
	return end >= addr && end <= uintptr(len(m.data))
}

// Bytes returns a slice overlaying [addr, addr+size). It panics if the range
// is outside the arena; callers only pass addresses obtained from the page
// allocator.
func (m *PhysMemory) Bytes(addr, size uintptr) []byte {
	return m.data[addr : addr+size : addr+size]
}

// FrameBytes returns a slice overlaying a single frame.
func (m *PhysMemory) FrameBytes(f Frame) []byte {
	return m.Bytes(f.Address(), PageSize)
}

// Memset sets size bytes at the given physical address to the supplied value.
// Instead of looping over each byte it makes log2(size) copy calls.
func (m *PhysMemory) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := m.Bytes(addr, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *PhysMemory) Memcopy(src, dst, size uintptr) {
	if size == 0 {
		return
	}
	copy(m.Bytes(dst, size), m.Bytes(src, size))
}

// ZeroFrames clears count frames starting at f.
func (m *PhysMemory) ZeroFrames(f Frame, count uint64) {
	m.Memset(f.Address(), 0, uintptr(count)<<PageShift)
}

// Close releases the arena. The PhysMemory must not be used afterwards.
func (m *PhysMemory) Close() error {
	if m.data == nil {
		return errArenaClosed
	}
	data := m.data
	m.data = nil
	return unmapArena(data)
}
