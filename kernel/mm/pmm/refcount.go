package pmm

import (
	"sync/atomic"

	"github.com/gopheros/kmem/kernel/mm"
)

// allocatedHead returns the descriptor of frame if it is the head of an
// allocated block.
func (a *Allocator) allocatedHead(frame mm.Frame) (*pageFrame, error) {
	if !a.validFrame(frame) {
		return nil, errInvalidFrame
	}
	f := &a.frames[frame]
	if f.state != StateAllocated || f.order == tailOrder {
		return nil, errNotBlockHead
	}
	return f, nil
}

// GetPage takes an additional reference on the allocated block that starts
// at frame.
func (a *Allocator) GetPage(frame mm.Frame) error {
	f, err := a.allocatedHead(frame)
	if err != nil {
		return err
	}
	atomic.AddInt32(&f.refs, 1)
	return nil
}

// PutPage drops a reference on the allocated block that starts at frame and
// frees it when the last reference is gone.
func (a *Allocator) PutPage(frame mm.Frame) error {
	if _, err := a.allocatedHead(frame); err != nil {
		return a.corruption(err, frame, 0)
	}
	return a.put(frame)
}

// RefCount returns the reference count of the block that starts at frame.
// Frames that are not block heads report zero.
func (a *Allocator) RefCount(frame mm.Frame) int32 {
	f, err := a.allocatedHead(frame)
	if err != nil {
		return 0
	}
	return atomic.LoadInt32(&f.refs)
}

// Order returns the order of the allocated block that starts at frame.
func (a *Allocator) Order(frame mm.Frame) (uint8, error) {
	f, err := a.allocatedHead(frame)
	if err != nil {
		return 0, err
	}
	return f.order, nil
}

// FrameState returns the state of a frame.
func (a *Allocator) FrameState(frame mm.Frame) FrameState {
	if !a.validFrame(frame) {
		return StateReserved
	}
	return a.frames[frame].state
}

// Managed returns true if frame belongs to a zone and is handed out by the
// allocator.
func (a *Allocator) Managed(frame mm.Frame) bool {
	return a.validFrame(frame) && a.frames[frame].state != StateReserved
}

// SetOwner attaches an owner back-reference to every frame of the allocated
// block of 2^order frames that starts at frame. The back-reference is
// cleared when the block is freed.
func (a *Allocator) SetOwner(frame mm.Frame, order uint8, owner interface{}) error {
	if _, err := a.allocatedHead(frame); err != nil {
		return err
	}
	for pfn := frame; pfn < frame+mm.Frame(1)<<order; pfn++ {
		a.frames[pfn].owner = owner
	}
	return nil
}

// Owner returns the back-reference attached to the allocated frame or nil.
func (a *Allocator) Owner(frame mm.Frame) interface{} {
	if !a.validFrame(frame) || a.frames[frame].state != StateAllocated {
		return nil
	}
	return a.frames[frame].owner
}
