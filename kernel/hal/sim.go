package hal

import (
	"sync"
	"sync/atomic"

	"github.com/gopheros/kmem/kernel/hal/memmap"
)

// SimCounters holds the number of calls observed by a Sim HAL.
type SimCounters struct {
	CacheFlushes     uint64
	TLBEntryFlushes  uint64
	TLBRangeFlushes  uint64
	PageTableSwitch  uint64
	InterruptsMasked uint64
}

// Sim is a software HAL. It tracks the interrupt flag and counts every
// maintenance operation so callers can observe what the memory manager asked
// the hardware to do.
type Sim struct {
	memMap []memmap.Entry

	clock uint64

	irqMu      sync.Mutex
	irqEnabled bool

	activeRoot uint64

	cacheFlushes    uint64
	tlbEntryFlushes uint64
	tlbRangeFlushes uint64
	switches        uint64
	masked          uint64

	flushedMu   sync.Mutex
	lastFlushed uintptr
}

// NewSim returns a Sim HAL that reports the supplied memory map. Interrupts
// start enabled.
func NewSim(memMap []memmap.Entry) *Sim {
	entries := make([]memmap.Entry, len(memMap))
	copy(entries, memMap)
	return &Sim{memMap: entries, irqEnabled: true}
}

// MemoryMap implements HAL.
func (s *Sim) MemoryMap() []memmap.Entry {
	entries := make([]memmap.Entry, len(s.memMap))
	copy(entries, s.memMap)
	return entries
}

// Timestamp implements HAL. Each call returns a strictly larger value.
func (s *Sim) Timestamp() uint64 { return atomic.AddUint64(&s.clock, 1) }

// FlushCache implements HAL.
func (s *Sim) FlushCache() { atomic.AddUint64(&s.cacheFlushes, 1) }

// FlushTLBEntry implements HAL.
func (s *Sim) FlushTLBEntry(virtAddr uintptr) {
	atomic.AddUint64(&s.tlbEntryFlushes, 1)
	s.flushedMu.Lock()
	s.lastFlushed = virtAddr
	s.flushedMu.Unlock()
}

// FlushTLBRange implements HAL.
func (s *Sim) FlushTLBRange(_, _ uintptr) { atomic.AddUint64(&s.tlbRangeFlushes, 1) }

// SwitchPageTable implements HAL.
func (s *Sim) SwitchPageTable(rootPhysAddr uintptr) {
	atomic.AddUint64(&s.switches, 1)
	atomic.StoreUint64(&s.activeRoot, uint64(rootPhysAddr))
}

// ActivePageTable implements HAL.
func (s *Sim) ActivePageTable() uintptr { return uintptr(atomic.LoadUint64(&s.activeRoot)) }

// DisableInterrupts implements InterruptController.
func (s *Sim) DisableInterrupts() IRQState {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	prev := s.irqEnabled
	s.irqEnabled = false
	atomic.AddUint64(&s.masked, 1)
	return IRQState(prev)
}

// RestoreInterrupts implements InterruptController.
func (s *Sim) RestoreInterrupts(state IRQState) {
	s.irqMu.Lock()
	s.irqEnabled = bool(state)
	s.irqMu.Unlock()
}

// InterruptsEnabled reports the simulated interrupt flag.
func (s *Sim) InterruptsEnabled() bool {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	return s.irqEnabled
}

// LastFlushedEntry returns the address passed to the most recent
// FlushTLBEntry call.
func (s *Sim) LastFlushedEntry() uintptr {
	s.flushedMu.Lock()
	defer s.flushedMu.Unlock()
	return s.lastFlushed
}

// Counters returns a snapshot of the call counters.
func (s *Sim) Counters() SimCounters {
	return SimCounters{
		CacheFlushes:     atomic.LoadUint64(&s.cacheFlushes),
		TLBEntryFlushes:  atomic.LoadUint64(&s.tlbEntryFlushes),
		TLBRangeFlushes:  atomic.LoadUint64(&s.tlbRangeFlushes),
		PageTableSwitch:  atomic.LoadUint64(&s.switches),
		InterruptsMasked: atomic.LoadUint64(&s.masked),
	}
}
