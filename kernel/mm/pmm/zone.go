package pmm

import (
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/sync"
)

// ZoneType identifies a physical address range with distinct hardware
// constraints.
type ZoneType uint8

const (
	// ZoneNormal covers memory above the DMA32 limit. It is the zone
	// targeted by a zero-value AllocFlags.
	ZoneNormal ZoneType = iota

	// ZoneDMA32 covers memory reachable by 32-bit DMA devices.
	ZoneDMA32

	// ZoneDMA covers memory reachable by legacy ISA DMA devices.
	ZoneDMA

	zoneCount
)

var zoneNames = [zoneCount]string{
	ZoneNormal: "Normal",
	ZoneDMA32:  "DMA32",
	ZoneDMA:    "DMA",
}

// String implements fmt.Stringer for ZoneType.
func (z ZoneType) String() string {
	if z < zoneCount {
		return zoneNames[z]
	}
	return "unknown"
}

// zoneFallback lists the zones that may satisfy a request for a zone, in
// order of preference. A zone may only fall back to zones with tighter
// addressing constraints.
var zoneFallback = [zoneCount][]ZoneType{
	ZoneNormal: {ZoneNormal, ZoneDMA32, ZoneDMA},
	ZoneDMA32:  {ZoneDMA32, ZoneDMA},
	ZoneDMA:    {ZoneDMA},
}

// Watermark levels.
const (
	WatermarkMin = iota
	WatermarkLow
	WatermarkHigh
	watermarkCount
)

// freeList is a doubly linked list of free block heads threaded through the
// frame descriptors.
type freeList struct {
	head  mm.Frame
	count uint64
}

// Zone is a contiguous range of frames within a NUMA node that share the same
// addressing constraints. Each zone runs its own buddy allocator.
type Zone struct {
	lock sync.Spinlock

	typ  ZoneType
	node int

	// [start, end) is the spanned frame range. Holes inside it are
	// reserved.
	start, end mm.Frame

	present uint64
	managed uint64
	free    uint64

	watermarks [watermarkCount]uint64

	freeArea [MaxOrder]freeList

	allocSuccess uint64
	allocFail    uint64
}

func newZone(typ ZoneType, node int, start, end mm.Frame) *Zone {
	z := &Zone{typ: typ, node: node, start: start, end: end}
	for order := range z.freeArea {
		z.freeArea[order].head = mm.InvalidFrame
	}
	return z
}

// contains returns true if the block [frame, frame+pages) lies within the
// zone span.
func (z *Zone) contains(frame mm.Frame, pages uint64) bool {
	return frame >= z.start && uint64(frame)+pages <= uint64(z.end)
}

// setWatermarks derives the reclaim watermarks from the managed page count.
func (z *Zone) setWatermarks() {
	z.watermarks[WatermarkMin] = z.managed / 128
	z.watermarks[WatermarkLow] = z.managed / 64
	z.watermarks[WatermarkHigh] = z.managed / 32
}
