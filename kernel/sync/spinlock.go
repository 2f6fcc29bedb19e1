// Package sync provides the spinlock used to protect allocator state.
package sync

import (
	"runtime"
	"sync/atomic"

	"github.com/gopheros/kmem/kernel/hal"
)

// attemptsBeforeYielding is the number of failed acquisition attempts a
// spinning task makes before yielding the CPU.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by spinning tasks after attemptsBeforeYielding
	// failed attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for i := 0; i < attemptsBeforeYielding; i++ {
			if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// AcquireIRQSave disables interrupts through ic and then acquires the lock.
// The returned state must be passed to ReleaseIRQRestore.
func (l *Spinlock) AcquireIRQSave(ic hal.InterruptController) hal.IRQState {
	state := ic.DisableInterrupts()
	l.Acquire()
	return state
}

// ReleaseIRQRestore releases the lock and restores the interrupt state saved
// by AcquireIRQSave.
func (l *Spinlock) ReleaseIRQRestore(ic hal.InterruptController, state hal.IRQState) {
	l.Release()
	ic.RestoreInterrupts(state)
}
