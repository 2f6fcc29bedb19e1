package hal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gopheros/kmem/kernel/hal/memmap"
	"github.com/stretchr/testify/require"
)

func TestSimInterrupts(t *testing.T) {
	s := NewSim(nil)
	require.True(t, s.InterruptsEnabled())

	outer := s.DisableInterrupts()
	require.False(t, s.InterruptsEnabled())

	inner := s.DisableInterrupts()
	s.RestoreInterrupts(inner)
	require.False(t, s.InterruptsEnabled(), "nested restore must keep interrupts masked")

	s.RestoreInterrupts(outer)
	require.True(t, s.InterruptsEnabled())
}

func TestSimCounters(t *testing.T) {
	entries := []memmap.Entry{{PhysAddress: 0, Length: 0x100000, Type: memmap.Available}}
	s := NewSim(entries)

	s.FlushCache()
	s.FlushTLBEntry(0x4000)
	s.FlushTLBEntry(0x5000)
	s.FlushTLBRange(0, 0x10000)
	s.SwitchPageTable(0x200000)
	s.DisableInterrupts()

	exp := SimCounters{
		CacheFlushes:     1,
		TLBEntryFlushes:  2,
		TLBRangeFlushes:  1,
		PageTableSwitch:  1,
		InterruptsMasked: 1,
	}
	if diff := cmp.Diff(exp, s.Counters()); diff != "" {
		t.Fatalf("counter mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, uintptr(0x5000), s.LastFlushedEntry())
	require.Equal(t, uintptr(0x200000), s.ActivePageTable())
	require.Less(t, s.Timestamp(), s.Timestamp())

	got := s.MemoryMap()
	got[0].Length = 0
	require.Equal(t, uint64(0x100000), s.MemoryMap()[0].Length)
}
