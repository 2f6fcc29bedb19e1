package vmm

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gopheros/kmem/kernel"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/stretchr/testify/require"
)

type bytesSource struct {
	data  []byte
	reads int
}

func (s *bytesSource) ReadPage(offset int64, dst []byte) error {
	s.reads++
	n := copy(dst, s.data[offset:])
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func TestCreateAndFindVMA(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	require.NoError(t, m.CreateVMA(as, 0x400000, 0x3000, ProtUserRX, Backing{}))
	require.NoError(t, m.CreateVMA(as, 0x600000, 0x1800, ProtUserRW, Backing{}))

	specs := []struct {
		addr     uintptr
		expFound bool
		expStart uintptr
	}{
		{0x3fffff, false, 0},
		{0x400000, true, 0x400000},
		{0x402fff, true, 0x400000},
		{0x403000, false, 0},
		{0x601fff, true, 0x600000},
		{0x602000, false, 0},
		{^uintptr(0), false, 0},
	}

	for _, spec := range specs {
		v, found := m.FindVMA(as, spec.addr)
		require.Equal(t, spec.expFound, found, "addr %#x", spec.addr)
		if found {
			require.Equal(t, spec.expStart, v.Start, "addr %#x", spec.addr)
		}
	}

	v, _ := m.FindVMA(as, 0x600000)
	require.Equal(t, uintptr(0x602000), v.End, "VMA sizes are rounded up to whole pages")
}

func TestCreateVMAErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVMAs = 3
	m, _, _ := newTestManager(t, cfg)
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	require.NoError(t, m.CreateVMA(as, 0x400000, 4*mm.PageSize, ProtUserRW, Backing{}))

	requireKind(t, m.CreateVMA(as, 0x402000, 4*mm.PageSize, ProtUserRW, Backing{}), kernel.ErrInvalidArgument)
	requireKind(t, m.CreateVMA(as, 0x3ff000, 2*mm.PageSize, ProtUserRW, Backing{}), kernel.ErrInvalidArgument)
	requireKind(t, m.CreateVMA(as, 0x3fe000, 16*mm.PageSize, ProtUserRW, Backing{}), kernel.ErrInvalidArgument)
	requireKind(t, m.CreateVMA(as, 0x500100, mm.PageSize, ProtUserRW, Backing{}), kernel.ErrInvalidArgument)
	requireKind(t, m.CreateVMA(as, 0x500000, 0, ProtUserRW, Backing{}), kernel.ErrInvalidArgument)
	requireKind(t, m.CreateVMA(as, 0x500000, mm.PageSize, ProtUserRW, Backing{Kind: File}), kernel.ErrInvalidArgument)
	requireKind(t, m.CreateVMA(m.KernelAddressSpace(), 0x500000, mm.PageSize, ProtKernelRW, Backing{}), kernel.ErrInvalidArgument)

	// Adjacent VMAs are fine.
	require.NoError(t, m.CreateVMA(as, 0x404000, mm.PageSize, ProtUserRW, Backing{}))
	require.NoError(t, m.CreateVMA(as, 0x3ff000, mm.PageSize, ProtUserRW, Backing{}))

	requireKind(t, m.CreateVMA(as, 0x800000, mm.PageSize, ProtUserRW, Backing{}), kernel.ErrOutOfMemory)
	requireKind(t, m.SplitVMA(as, 0x401000), kernel.ErrOutOfMemory)
	require.Len(t, m.VMAs(as), 3)
}

func TestSplitAndMergeVMA(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	src := &bytesSource{data: make([]byte, 8*mm.PageSize)}
	backing := Backing{Kind: File, Source: src, Offset: int64(mm.PageSize)}
	require.NoError(t, m.CreateVMA(as, 0x400000, 4*mm.PageSize, Protection{Read: true, User: true}, backing))

	requireKind(t, m.SplitVMA(as, 0x400000), kernel.ErrInvalidArgument)
	requireKind(t, m.SplitVMA(as, 0x400010), kernel.ErrInvalidArgument)
	requireKind(t, m.SplitVMA(as, 0x500000), kernel.ErrInvalidArgument)
	require.NoError(t, m.SplitVMA(as, 0x401000))

	vmas := m.VMAs(as)
	require.Len(t, vmas, 2)
	require.Equal(t, uintptr(0x401000), vmas[0].End)
	require.Equal(t, int64(mm.PageSize), vmas[0].Backing.Offset)
	require.Equal(t, uintptr(0x401000), vmas[1].Start)
	require.Equal(t, int64(2*mm.PageSize), vmas[1].Backing.Offset)

	requireKind(t, m.MergeVMA(as, 0x402000), kernel.ErrInvalidArgument)
	require.NoError(t, m.MergeVMA(as, 0x401000))

	merged := m.VMAs(as)
	require.Len(t, merged, 1)
	require.Equal(t, VMA{Start: 0x400000, End: 0x404000, Prot: Protection{Read: true, User: true}, Backing: backing}, merged[0])

	// VMAs with different protection or discontiguous file offsets stay
	// separate.
	require.NoError(t, m.CreateVMA(as, 0x404000, mm.PageSize, ProtUserRW, Backing{}))
	requireKind(t, m.MergeVMA(as, 0x404000), kernel.ErrInvalidArgument)

	other := backing
	other.Offset = int64(4 * mm.PageSize)
	require.NoError(t, m.CreateVMA(as, 0x405000, mm.PageSize, ProtUserRW, Backing{}))
	require.NoError(t, m.MergeVMA(as, 0x405000))
	require.NoError(t, m.CreateVMA(as, 0x3ff000, mm.PageSize, Protection{Read: true, User: true}, other))
	requireKind(t, m.MergeVMA(as, 0x400000), kernel.ErrInvalidArgument)
}

func TestRemoveVMAUnmapsPages(t *testing.T) {
	m, pages, _ := newTestManager(t, testConfig())
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	require.NoError(t, m.CreateVMA(as, 0x400000, 4*mm.PageSize, ProtUserRW, Backing{}))
	freeBefore := pages.FreePagesCount()
	require.NoError(t, m.HandlePageFault(as, 0x400000, FaultWrite|FaultUser))
	require.NoError(t, m.HandlePageFault(as, 0x403000, FaultUser))

	require.NoError(t, m.RemoveVMA(as, 0x401000))
	require.Empty(t, m.VMAs(as))
	require.Zero(t, m.Stats(as).ResidentPages)
	require.Equal(t, freeBefore-3, pages.FreePagesCount(), "only the page tables remain")

	requireKind(t, m.RemoveVMA(as, 0x401000), kernel.ErrInvalidArgument)
}

// TestVMAOrderingInvariant applies a random sequence of VMA operations and
// checks that the VMAs always stay sorted and never overlap.
func TestVMAOrderingInvariant(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	const (
		base  = uintptr(0x400000)
		slots = 64
	)
	rng := rand.New(rand.NewSource(7))
	randomAddr := func() uintptr { return base + uintptr(rng.Intn(slots))*mm.PageSize }

	for i := 0; i < 2000; i++ {
		addr := randomAddr()
		switch rng.Intn(5) {
		case 0:
			_ = m.CreateVMA(as, addr, uintptr(1+rng.Intn(4))*mm.PageSize, ProtUserRW, Backing{})
		case 1:
			_ = m.SplitVMA(as, addr)
		case 2:
			_ = m.MergeVMA(as, addr)
		case 3:
			_ = m.Unmap(as, addr, uintptr(1+rng.Intn(3))*mm.PageSize)
		case 4:
			_ = m.Protect(as, addr, uintptr(1+rng.Intn(3))*mm.PageSize, Protection{Read: true, Write: rng.Intn(2) == 0, User: true})
		}

		vmas := m.VMAs(as)
		for j, v := range vmas {
			if v.Start >= v.End {
				t.Fatalf("op %d: empty VMA [%#x, %#x)", i, v.Start, v.End)
			}
			if j > 0 && vmas[j-1].End > v.Start {
				t.Fatalf("op %d: VMA [%#x, %#x) overlaps or precedes [%#x, %#x)", i, v.Start, v.End, vmas[j-1].Start, vmas[j-1].End)
			}
			if found, ok := m.FindVMA(as, v.Start); !ok || found.Start != v.Start {
				t.Fatalf("op %d: FindVMA(%#x) did not return its VMA", i, v.Start)
			}
		}
	}
}

func TestVMASnapshotIsACopy(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	require.NoError(t, m.CreateVMA(as, 0x400000, mm.PageSize, ProtUserRW, Backing{}))
	snapshot := m.VMAs(as)
	snapshot[0].End = 0x500000

	exp := []VMA{{Start: 0x400000, End: 0x401000, Prot: ProtUserRW}}
	if diff := cmp.Diff(exp, m.VMAs(as), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("VMAs changed through the snapshot (-want +got):\n%s", diff)
	}
}
