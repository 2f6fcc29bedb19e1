package pmm

import "github.com/gopheros/kmem/kernel/mm"

// FrameState describes what a physical frame is currently used for.
type FrameState uint8

const (
	// StateReserved frames are never handed out by the allocator. Holes
	// in the memory map, low memory and the kernel image are reserved.
	StateReserved FrameState = iota

	// StateFree frames belong to a free block but are not its head.
	StateFree

	// StateBuddyFree frames are the head of a free block and are linked
	// into the free list of their order.
	StateBuddyFree

	// StateAllocated frames belong to an allocated block.
	StateAllocated
)

var frameStateNames = [...]string{
	StateReserved:  "reserved",
	StateFree:      "free",
	StateBuddyFree: "buddy-free",
	StateAllocated: "allocated",
}

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	if int(s) < len(frameStateNames) {
		return frameStateNames[s]
	}
	return "unknown"
}

// tailOrder marks the non-head frames of an allocated block.
const tailOrder = 0xff

// pageFrame is the descriptor kept for every physical frame.
type pageFrame struct {
	// Free list links. Only meaningful for StateBuddyFree frames.
	next, prev mm.Frame

	// Reference count of an allocated block head.
	refs int32

	order uint8
	state FrameState
	zone  ZoneType
	node  uint8

	// owner is an opaque back-reference set by the subsystem that owns
	// the block (e.g. the slab that carved its objects out of it).
	owner interface{}
}
