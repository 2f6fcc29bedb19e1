// Package pmm implements the physical page allocator. Every NUMA node is
// split into zones and every zone runs a binary buddy allocator over its
// frames.
package pmm

import (
	"runtime"
	"sort"
	"strconv"

	"github.com/bits-and-blooms/bitset"
	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/hal/memmap"
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/sync"
	"github.com/sirupsen/logrus"
)

// AllocFlags describes an allocation request.
type AllocFlags struct {
	// Zone is the preferred zone. Requests may fall back to zones with
	// tighter addressing constraints.
	Zone ZoneType

	// Zero clears the block before returning it.
	Zero bool

	// NoFallback restricts the request to Zone on the preferred node.
	NoFallback bool
}

type numaNode struct {
	start, end mm.Frame
	zones      [zoneCount]*Zone
	distance   []uint8

	// fallback lists node indices ordered by ascending distance, starting
	// with the node itself.
	fallback []int
}

// Allocator is the physical page allocator.
type Allocator struct {
	mem *mm.PhysMemory
	hal hal.HAL
	cfg Config
	log *logrus.Entry

	frames []pageFrame

	// usable tracks frames backed by available RAM that were not reserved
	// during initialization.
	usable *bitset.BitSet

	nodes []*numaNode

	statsLock sync.Spinlock
	stats     Stats

	debugLock sync.Spinlock
	records   map[mm.Frame]*AllocRecord
}

// New creates an allocator that manages the available regions of the HAL
// memory map within mem.
func New(mem *mm.PhysMemory, h hal.HAL, cfg Config) (*Allocator, error) {
	memMap := h.MemoryMap()
	if err := memmap.Validate(memMap); err != nil {
		return nil, err
	}
	if memmap.HighestAddress(memMap) > uint64(mem.Size()) {
		return nil, errArenaTooSmall
	}
	if len(cfg.Nodes) > MaxNumaNodes {
		return nil, errTooManyNodes
	}

	frameCount := mem.FrameCount()
	a := &Allocator{
		mem:     mem,
		hal:     h,
		cfg:     cfg,
		log:     kfmt.Module("pmm"),
		frames:  make([]pageFrame, frameCount),
		usable:  bitset.New(uint(frameCount)),
		records: make(map[mm.Frame]*AllocRecord),
	}

	a.buildUsableMap(memMap)
	if err := a.setupNodes(); err != nil {
		return nil, err
	}
	a.setupZones()
	if a.stats.ManagedPages == 0 {
		return nil, errNoManagedMemory
	}

	a.log.WithFields(logrus.Fields{
		kfmt.Pages: a.stats.ManagedPages,
		"nodes":    len(a.nodes),
		"reserved": a.stats.ReservedPages,
	}).Info("physical allocator initialized")

	return a, nil
}

// Memory returns the physical memory arena managed by the allocator.
func (a *Allocator) Memory() *mm.PhysMemory { return a.mem }

// NodeCount returns the number of NUMA nodes.
func (a *Allocator) NodeCount() int { return len(a.nodes) }

// buildUsableMap marks the frames that lie entirely within available regions
// and then clears every frame that overlaps a reserved region.
func (a *Allocator) buildUsableMap(memMap []memmap.Entry) {
	frameCount := uint64(len(a.frames))

	clearRange := func(base, length uint64) {
		if length == 0 {
			return
		}
		first := base >> mm.PageShift
		last := (base + length + uint64(mm.PageSize) - 1) >> mm.PageShift
		for pfn := first; pfn < last && pfn < frameCount; pfn++ {
			a.usable.Clear(uint(pfn))
		}
	}

	memmap.Visit(memMap, func(e *memmap.Entry) bool {
		if e.Type != memmap.Available {
			return true
		}
		first := (e.PhysAddress + uint64(mm.PageSize) - 1) >> mm.PageShift
		last := e.End() >> mm.PageShift
		for pfn := first; pfn < last && pfn < frameCount; pfn++ {
			a.usable.Set(uint(pfn))
		}
		return true
	})

	memmap.Visit(memMap, func(e *memmap.Entry) bool {
		if e.Type != memmap.Available {
			clearRange(e.PhysAddress, e.Length)
		}
		return true
	})

	clearRange(0, a.cfg.ReservedLowMemory)
	for _, r := range a.cfg.Reserved {
		clearRange(r.Base, r.Length)
	}
}

func (a *Allocator) setupNodes() error {
	frameCount := mm.Frame(len(a.frames))

	if len(a.cfg.Nodes) == 0 {
		a.nodes = []*numaNode{{start: 0, end: frameCount, distance: []uint8{localDistance}}}
		a.nodes[0].fallback = []int{0}
		return nil
	}

	for i, nc := range a.cfg.Nodes {
		n := &numaNode{
			start:    mm.Frame(nc.Base >> mm.PageShift),
			end:      mm.Frame((nc.Base + nc.Length) >> mm.PageShift),
			distance: make([]uint8, len(a.cfg.Nodes)),
		}
		if n.end > frameCount {
			n.end = frameCount
		}
		for j := range n.distance {
			switch {
			case j < len(nc.Distances):
				n.distance[j] = nc.Distances[j]
			case j == i:
				n.distance[j] = localDistance
			default:
				n.distance[j] = remoteDistance
			}
		}
		a.nodes = append(a.nodes, n)
	}

	sorted := make([]*numaNode, len(a.nodes))
	copy(sorted, a.nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].start < sorted[i-1].end {
			return errNodeOverlap
		}
	}

	// Frames outside every node cannot be attributed to a zone.
	for pfn := mm.Frame(0); pfn < frameCount; pfn++ {
		if a.nodeIndexFor(pfn) < 0 {
			a.usable.Clear(uint(pfn))
		}
	}

	for i, n := range a.nodes {
		n.fallback = make([]int, len(a.nodes))
		for j := range n.fallback {
			n.fallback[j] = j
		}
		self := i
		key := func(j int) int {
			if j == self {
				return -1
			}
			return int(n.distance[j])
		}
		sort.SliceStable(n.fallback, func(x, y int) bool { return key(n.fallback[x]) < key(n.fallback[y]) })
	}

	return nil
}

func (a *Allocator) nodeIndexFor(pfn mm.Frame) int {
	for i, n := range a.nodes {
		if pfn >= n.start && pfn < n.end {
			return i
		}
	}
	return -1
}

// zoneLimits returns the exclusive end frame of each zone type.
func (a *Allocator) zoneLimits() [zoneCount]mm.Frame {
	var limits [zoneCount]mm.Frame
	limits[ZoneDMA] = mm.Frame(a.cfg.ZoneDMALimit >> mm.PageShift)
	limits[ZoneDMA32] = mm.Frame(a.cfg.ZoneDMA32Limit >> mm.PageShift)
	limits[ZoneNormal] = mm.Frame(len(a.frames))
	return limits
}

// zoneTypeFor returns the zone type of a frame.
func (a *Allocator) zoneTypeFor(pfn mm.Frame) ZoneType {
	limits := a.zoneLimits()
	switch {
	case pfn < limits[ZoneDMA]:
		return ZoneDMA
	case pfn < limits[ZoneDMA32]:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

// setupZones creates the zones of every node and seeds their free lists
// with maximal naturally aligned blocks of usable frames.
func (a *Allocator) setupZones() {
	limits := a.zoneLimits()
	zoneStart := [zoneCount]mm.Frame{ZoneDMA: 0, ZoneDMA32: limits[ZoneDMA], ZoneNormal: limits[ZoneDMA32]}

	a.stats.TotalPages = uint64(len(a.frames))

	for nodeIndex, n := range a.nodes {
		for typ := ZoneType(0); typ < zoneCount; typ++ {
			start, end := zoneStart[typ], limits[typ]
			if start < n.start {
				start = n.start
			}
			if end > n.end {
				end = n.end
			}
			if start >= end {
				continue
			}

			z := newZone(typ, nodeIndex, start, end)
			for pfn := start; pfn < end; pfn++ {
				f := &a.frames[pfn]
				f.zone, f.node, f.state = typ, uint8(nodeIndex), StateReserved
				if a.usable.Test(uint(pfn)) {
					z.present++
				}
			}
			if z.present == 0 {
				continue
			}

			a.seedZone(z)
			z.setWatermarks()
			n.zones[typ] = z
			a.stats.ManagedPages += z.managed

			a.log.WithFields(logrus.Fields{
				kfmt.Zone:  typ.String(),
				kfmt.Node:  nodeIndex,
				kfmt.Pages: z.managed,
			}).Debug("zone initialized")
		}
	}

	a.stats.ReservedPages = a.stats.TotalPages - a.stats.ManagedPages
}

// seedZone inserts every run of usable frames in z as naturally aligned
// blocks of the largest possible order.
func (a *Allocator) seedZone(z *Zone) {
	pfn := uint(z.start)
	for {
		runStart, ok := a.usable.NextSet(pfn)
		if !ok || runStart >= uint(z.end) {
			return
		}
		runEnd, ok := a.usable.NextClear(runStart)
		if !ok || runEnd > uint(z.end) {
			runEnd = uint(z.end)
		}

		for cur := runStart; cur < runEnd; {
			order := uint(MaxOrder - 1)
			for order > 0 && (cur&(1<<order-1) != 0 || cur+1<<order > runEnd) {
				order--
			}

			for i := cur; i < cur+1<<order; i++ {
				a.frames[i].state = StateFree
			}
			a.pushFree(z, mm.Frame(cur), uint8(order))
			z.managed += 1 << order
			z.free += 1 << order
			cur += 1 << order
		}

		pfn = runEnd
	}
}

// caller returns a "function file:line" description of the code that
// invoked the exported allocator entry point.
func caller(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return name + " " + file + ":" + strconv.Itoa(line)
}
