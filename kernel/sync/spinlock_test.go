package sync

import (
	"sync"
	"testing"
	"time"

	"github.com/gopheros/kmem/kernel/hal"
)

func TestSpinlock(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			counter++
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	if counter != 0 {
		t.Fatal("expected workers to spin while the lock is held")
	}
	sl.Release()
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected counter to be %d; got %d", numWorkers, counter)
	}
}

func TestSpinlockYields(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var (
		sl     Spinlock
		yields int
	)
	yieldFn = func() {
		yields++
		sl.Release()
	}

	sl.Acquire()
	sl.Acquire()

	if yields != 1 {
		t.Fatalf("expected a single yield; got %d", yields)
	}
}

func TestSpinlockIRQSave(t *testing.T) {
	var (
		sl  Spinlock
		sim = hal.NewSim(nil)
	)

	state := sl.AcquireIRQSave(sim)
	if sim.InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled while the lock is held")
	}
	if sl.TryToAcquire() {
		t.Fatal("expected lock to be held")
	}

	sl.ReleaseIRQRestore(sim, state)
	if !sim.InterruptsEnabled() {
		t.Fatal("expected interrupts to be restored")
	}
	if !sl.TryToAcquire() {
		t.Fatal("expected lock to be free")
	}
}
