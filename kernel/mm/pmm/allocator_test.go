package pmm

import (
	"bytes"
	"testing"

	"github.com/gopheros/kmem/kernel"
	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/hal/memmap"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func available(base, length mm.Size) memmap.Entry {
	return memmap.Entry{PhysAddress: uint64(base), Length: uint64(length), Type: memmap.Available}
}

func newTestAllocator(t *testing.T, cfg Config, entries ...memmap.Entry) *Allocator {
	t.Helper()

	mem, err := mm.NewPhysMemory(mm.Size(memmap.HighestAddress(entries)))
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	a, err := New(mem, hal.NewSim(entries), cfg)
	require.NoError(t, err)
	return a
}

func TestInitFromMemoryMap(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(),
		available(0, 640*mm.Kb),
		memmap.Entry{PhysAddress: 0x9f000, Length: 0x61000, Type: memmap.Reserved},
		available(1*mm.Mb, 7*mm.Mb),
	)

	zones := a.Zones()
	require.Len(t, zones, 1)
	require.Equal(t, ZoneDMA, zones[0].Type)
	require.Equal(t, uint64(7*mm.Mb/mm.Size(mm.PageSize)), zones[0].Managed)
	require.Equal(t, zones[0].Managed, a.FreePagesCount())

	// Low memory stays reserved even though the map reports it available.
	require.Equal(t, StateReserved, a.FrameState(0))
	require.Equal(t, StateReserved, a.FrameState(255))
	require.NotEqual(t, StateReserved, a.FrameState(256))

	st := a.Stats()
	require.Equal(t, uint64(2048), st.TotalPages)
	require.Equal(t, st.TotalPages, st.ManagedPages+st.ReservedPages)

	// Managed frames are seeded as maximal naturally aligned blocks:
	// 256-511 (order 8), 512-1023 (order 9), 1024-2047 (order 10).
	require.Equal(t, uint64(1), zones[0].FreeBlocks[8])
	require.Equal(t, uint64(1), zones[0].FreeBlocks[9])
	require.Equal(t, uint64(1), zones[0].FreeBlocks[10])
}

func TestInitErrors(t *testing.T) {
	mem, err := mm.NewPhysMemory(2 * mm.Mb)
	require.NoError(t, err)
	defer mem.Close()

	specs := []struct {
		name    string
		entries []memmap.Entry
		cfg     Config
		expErr  error
	}{
		{"empty map", nil, DefaultConfig(), nil},
		{"arena too small", []memmap.Entry{available(0, 4*mm.Mb)}, DefaultConfig(), errArenaTooSmall},
		{"everything reserved", []memmap.Entry{available(0, 1*mm.Mb)}, DefaultConfig(), errNoManagedMemory},
		{"too many nodes", []memmap.Entry{available(0, 2*mm.Mb)}, Config{Nodes: make([]NodeConfig, MaxNumaNodes+1)}, errTooManyNodes},
		{
			"overlapping nodes",
			[]memmap.Entry{available(0, 2*mm.Mb)},
			Config{Nodes: []NodeConfig{{Base: 0, Length: uint64(1 * mm.Mb)}, {Base: uint64(512 * mm.Kb), Length: uint64(1 * mm.Mb)}}},
			errNodeOverlap,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := New(mem, hal.NewSim(spec.entries), spec.cfg)
			require.Error(t, err)
			require.True(t, errors.Is(err, kernel.ErrInvalidArgument))
			if spec.expErr != nil {
				require.Equal(t, spec.expErr, err)
			}
		})
	}
}

func TestAllocPagesAlignment(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 16*mm.Mb))

	for order := uint8(0); order < MaxOrder; order++ {
		frame, err := a.AllocPages(order, AllocFlags{}, AnyNode)
		require.NoError(t, err, "order %d", order)
		require.Zero(t, uint64(frame)&(1<<order-1), "block of order %d at frame %d is misaligned", order, frame)
		require.Zero(t, frame.Address()%(mm.PageSize<<order))
		require.Equal(t, int32(1), a.RefCount(frame))
		require.Equal(t, StateAllocated, a.FrameState(frame))
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 8*mm.Mb))
	initial := a.Zones()

	for order := uint8(0); order < MaxOrder; order++ {
		frame, err := a.AllocPages(order, AllocFlags{}, AnyNode)
		require.NoError(t, err)
		require.Equal(t, initial[0].Free-uint64(1)<<order, a.FreePagesCount())

		require.NoError(t, a.FreePages(frame, order))
		require.Equal(t, initial[0].Free, a.FreePagesCount())
		require.Equal(t, initial[0].FreeBlocks, a.Zones()[0].FreeBlocks, "order %d block did not coalesce back", order)
	}

	st := a.Stats()
	require.Equal(t, uint64(MaxOrder), st.Allocations)
	require.Equal(t, uint64(MaxOrder), st.Frees)
	require.Equal(t, uint64(1), st.AllocationsByOrder[3])
	require.Equal(t, uint64(1), st.FreesByOrder[10])
}

func TestBuddyCoalescing(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		// A two-page zone is seeded as a single order-1 block.
		a := newTestAllocator(t, DefaultConfig(), available(1*mm.Mb, 8*mm.Kb))
		require.Equal(t, uint64(1), a.Zones()[0].FreeBlocks[1])

		first, err := a.AllocPages(0, AllocFlags{}, AnyNode)
		require.NoError(t, err)
		second, err := a.AllocPages(0, AllocFlags{}, AnyNode)
		require.NoError(t, err)
		require.Equal(t, first^1, second, "order-0 blocks must be buddies")

		zone := a.Zones()[0]
		require.Zero(t, zone.Free)

		if reverse {
			first, second = second, first
		}
		require.NoError(t, a.FreePages(first, 0))
		require.Equal(t, uint64(1), a.Zones()[0].FreeBlocks[0])
		require.NoError(t, a.FreePages(second, 0))

		zone = a.Zones()[0]
		require.Equal(t, uint64(0), zone.FreeBlocks[0])
		require.Equal(t, uint64(1), zone.FreeBlocks[1], "buddies must merge regardless of free order")
		require.Equal(t, StateBuddyFree, a.FrameState(256))
		require.Equal(t, StateFree, a.FrameState(257))
	}
}

func TestOutOfMemory(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(1*mm.Mb, 1*mm.Mb))

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 256; i++ {
		frame, err := a.AllocPages(0, AllocFlags{}, AnyNode)
		require.NoError(t, err, "allocation %d", i)
		require.False(t, seen[frame], "frame %d handed out twice", frame)
		seen[frame] = true
	}

	frame, err := a.AllocPages(0, AllocFlags{}, AnyNode)
	require.Equal(t, mm.InvalidFrame, frame)
	require.True(t, errors.Is(err, kernel.ErrOutOfMemory))
	require.Equal(t, uint64(1), a.Stats().Failures)
	require.Equal(t, uint64(1), a.Zones()[0].AllocFail)
}

func TestZoneFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZoneDMALimit = uint64(2 * mm.Mb)
	cfg.ZoneDMA32Limit = uint64(3 * mm.Mb)
	a := newTestAllocator(t, cfg, available(0, 4*mm.Mb))

	zones := a.Zones()
	require.Len(t, zones, 3)
	require.Equal(t, []ZoneType{ZoneDMA, ZoneDMA32, ZoneNormal}, []ZoneType{zones[0].Type, zones[1].Type, zones[2].Type})

	zoneOf := func(f mm.Frame) ZoneType { return a.frames[f].zone }

	// Exhaust Normal; the next request falls back to DMA32, then DMA.
	normal, err := a.AllocPages(8, AllocFlags{}, AnyNode)
	require.NoError(t, err)
	require.Equal(t, ZoneNormal, zoneOf(normal))

	dma32, err := a.AllocPages(8, AllocFlags{}, AnyNode)
	require.NoError(t, err)
	require.Equal(t, ZoneDMA32, zoneOf(dma32))

	dma, err := a.AllocPages(0, AllocFlags{}, AnyNode)
	require.NoError(t, err)
	require.Equal(t, ZoneDMA, zoneOf(dma))

	t.Run("no fallback", func(t *testing.T) {
		_, err := a.AllocPages(0, AllocFlags{NoFallback: true}, AnyNode)
		require.True(t, errors.Is(err, kernel.ErrOutOfMemory))
	})

	t.Run("DMA requests never use higher zones", func(t *testing.T) {
		require.NoError(t, a.FreePages(normal, 8))
		frame, err := a.AllocPages(0, AllocFlags{Zone: ZoneDMA}, AnyNode)
		require.NoError(t, err)
		require.Equal(t, ZoneDMA, zoneOf(frame))
	})
}

func TestAllocInvalidArguments(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 2*mm.Mb))

	_, err := a.AllocPages(MaxOrder, AllocFlags{}, AnyNode)
	require.True(t, errors.Is(err, kernel.ErrInvalidArgument))

	_, err = a.AllocPages(0, AllocFlags{Zone: zoneCount}, AnyNode)
	require.True(t, errors.Is(err, kernel.ErrInvalidArgument))

	_, err = a.AllocPages(0, AllocFlags{}, 3)
	require.Equal(t, errInvalidNode, err)

	require.Equal(t, errInvalidOrder, a.FreePages(256, MaxOrder))
	require.Equal(t, errInvalidFrame, a.FreePages(mm.InvalidFrame, 0))
}

func TestFreeCorruption(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 2*mm.Mb))

	frame, err := a.AllocPages(2, AllocFlags{}, AnyNode)
	require.NoError(t, err)

	require.Equal(t, errOrderMismatch, a.FreePages(frame, 1))
	require.Equal(t, errNotBlockHead, a.FreePages(frame+1, 2))
	require.Equal(t, StateAllocated, a.FrameState(frame), "refused frees must not modify the block")

	free := a.FreePagesCount()
	require.NoError(t, a.FreePages(frame, 2))
	require.Equal(t, free+4, a.FreePagesCount())

	err = a.FreePages(frame, 2)
	require.True(t, errors.Is(err, kernel.ErrCorruptionDetected))
	require.Equal(t, free+4, a.FreePagesCount())

	require.Equal(t, errDoubleFree, a.FreePages(0, 0), "reserved frames cannot be freed")
}

func TestReferenceCounting(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 2*mm.Mb))
	free := a.FreePagesCount()

	frame, err := a.AllocPage(AllocFlags{})
	require.NoError(t, err)
	require.NoError(t, a.GetPage(frame))
	require.NoError(t, a.GetPage(frame))
	require.Equal(t, int32(3), a.RefCount(frame))

	require.NoError(t, a.PutPage(frame))
	require.NoError(t, a.FreePages(frame, 0))
	require.Equal(t, int32(1), a.RefCount(frame))
	require.Equal(t, free-1, a.FreePagesCount())

	require.NoError(t, a.PutPage(frame))
	require.Equal(t, int32(0), a.RefCount(frame))
	require.Equal(t, free, a.FreePagesCount())

	require.Equal(t, errNotBlockHead, a.GetPage(frame))
	require.True(t, errors.Is(a.PutPage(frame), kernel.ErrCorruptionDetected))

	order, err := a.Order(frame)
	require.Error(t, err)
	require.Zero(t, order)
}

func TestZeroedAllocation(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(1*mm.Mb, 4*mm.Kb))
	mem := a.Memory()

	frame, err := a.AllocPage(AllocFlags{})
	require.NoError(t, err)
	copy(mem.FrameBytes(frame), bytes.Repeat([]byte{0xaa}, int(mm.PageSize)))
	require.NoError(t, a.FreePages(frame, 0))

	again, err := a.AllocPage(AllocFlags{Zero: true})
	require.NoError(t, err)
	require.Equal(t, frame, again)
	require.Equal(t, make([]byte, mm.PageSize), mem.FrameBytes(again))
}

func TestFrameOwner(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 2*mm.Mb))

	frame, err := a.AllocPages(1, AllocFlags{}, AnyNode)
	require.NoError(t, err)

	owner := &struct{ name string }{"slab"}
	require.NoError(t, a.SetOwner(frame, 1, owner))
	require.Equal(t, owner, a.Owner(frame))
	require.Equal(t, owner, a.Owner(frame+1))
	require.Error(t, a.SetOwner(frame+1, 0, owner))

	require.NoError(t, a.FreePages(frame, 1))
	require.Nil(t, a.Owner(frame))
	require.Nil(t, a.Owner(mm.InvalidFrame))
}

func TestLeakTracking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debug.LeakTracking = true
	a := newTestAllocator(t, cfg, available(0, 2*mm.Mb))

	first, err := a.AllocPages(0, AllocFlags{}, AnyNode)
	require.NoError(t, err)
	second, err := a.AllocPages(3, AllocFlags{}, AnyNode)
	require.NoError(t, err)

	leaks := a.Leaks()
	require.Len(t, leaks, 2)
	require.Contains(t, leaks[0].Caller, "TestLeakTracking")
	require.Less(t, leaks[0].Timestamp+leaks[1].Timestamp, uint64(10))

	require.NoError(t, a.FreePages(first, 0))
	leaks = a.Leaks()
	require.Len(t, leaks, 1)
	require.Equal(t, second, leaks[0].Frame)
	require.Equal(t, uint8(3), leaks[0].Order)

	require.NoError(t, a.FreePages(second, 3))
	require.Empty(t, a.Leaks())
}

func TestReserveAndUnreserve(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(1*mm.Mb, 64*mm.Kb))
	initial := a.Zones()[0]
	require.Equal(t, uint64(1), initial.FreeBlocks[4])

	require.NoError(t, a.ReservePages(261, 2))
	require.Equal(t, StateReserved, a.FrameState(261))
	require.Equal(t, StateReserved, a.FrameState(262))
	require.Equal(t, initial.Free-2, a.FreePagesCount())
	require.Equal(t, initial.Managed-2, a.Zones()[0].Managed)

	// Reserving an already reserved frame is a no-op.
	require.NoError(t, a.ReservePages(261, 1))
	require.Equal(t, initial.Free-2, a.FreePagesCount())

	var frames []mm.Frame
	for {
		frame, err := a.AllocPage(AllocFlags{})
		if err != nil {
			break
		}
		require.NotContains(t, []mm.Frame{261, 262}, frame)
		frames = append(frames, frame)
	}
	require.Len(t, frames, 14)

	require.Equal(t, errFrameInUse, a.ReservePages(frames[0], 1))

	for _, frame := range frames {
		require.NoError(t, a.FreePages(frame, 0))
	}
	require.NoError(t, a.UnreservePages(261, 2))

	final := a.Zones()[0]
	require.Equal(t, initial.Free, final.Free)
	require.Equal(t, initial.FreeBlocks, final.FreeBlocks)

	require.Equal(t, errFrameNotUsable, a.UnreservePages(0, 1))
	require.Equal(t, errInvalidFrame, a.ReservePages(mm.Frame(a.Memory().FrameCount()), 1))
}

func TestNumaNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{
		{Base: 0, Length: uint64(2 * mm.Mb)},
		{Base: uint64(2 * mm.Mb), Length: uint64(1 * mm.Mb), Distances: []uint8{21, 10}},
	}
	a := newTestAllocator(t, cfg, available(0, 3*mm.Mb))
	require.Equal(t, 2, a.NodeCount())
	require.Equal(t, []int{1, 0}, a.nodes[1].fallback)

	inNode := func(f mm.Frame, node int) bool {
		n := a.nodes[node]
		return f >= n.start && f < n.end
	}

	var remote []mm.Frame
	for i := 0; i < 256; i++ {
		frame, err := a.AllocPages(0, AllocFlags{}, 1)
		require.NoError(t, err)
		require.True(t, inNode(frame, 1))
		remote = append(remote, frame)
	}

	_, err := a.AllocPages(0, AllocFlags{NoFallback: true}, 1)
	require.True(t, errors.Is(err, kernel.ErrOutOfMemory))

	frame, err := a.AllocPages(0, AllocFlags{}, 1)
	require.NoError(t, err)
	require.True(t, inNode(frame, 0), "exhausted node must fall back to the nearest node")

	require.NoError(t, a.FreePages(remote[0], 0))
	frame, err = a.AllocPages(0, AllocFlags{}, 1)
	require.NoError(t, err)
	require.Equal(t, remote[0], frame)
}

func TestUnderPressure(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(1*mm.Mb, 1*mm.Mb))
	require.False(t, a.UnderPressure())

	// Low watermark for 256 managed pages is 4.
	for i := 0; i < 253; i++ {
		_, err := a.AllocPage(AllocFlags{})
		require.NoError(t, err)
	}
	require.True(t, a.UnderPressure())
}

func TestDump(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 17*mm.Mb))

	var buf bytes.Buffer
	require.NoError(t, a.Dump(&buf))
	require.Contains(t, buf.String(), "DMA32")
	require.Contains(t, buf.String(), "MIN/LOW/HIGH")
}

func TestConcurrentAllocations(t *testing.T) {
	a := newTestAllocator(t, DefaultConfig(), available(0, 8*mm.Mb))
	initial := a.Zones()[0]

	var eg errgroup.Group
	for worker := 0; worker < 8; worker++ {
		worker := worker
		eg.Go(func() error {
			for i := 0; i < 200; i++ {
				order := uint8((worker + i) % 4)
				frame, err := a.AllocPages(order, AllocFlags{}, AnyNode)
				if err != nil {
					return err
				}
				if err := a.FreePages(frame, order); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	final := a.Zones()[0]
	require.Equal(t, initial.Free, final.Free)
	require.Equal(t, initial.FreeBlocks, final.FreeBlocks)
}
