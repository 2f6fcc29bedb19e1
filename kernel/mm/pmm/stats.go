package pmm

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gopheros/kmem/kernel/mm"
	"github.com/samber/lo"
)

// Stats holds allocator-wide counters.
type Stats struct {
	TotalPages    uint64
	ManagedPages  uint64
	ReservedPages uint64

	Allocations uint64
	Frees       uint64
	Failures    uint64

	AllocationsByOrder [MaxOrder]uint64
	FreesByOrder       [MaxOrder]uint64
}

// ZoneInfo is a snapshot of a zone.
type ZoneInfo struct {
	Node       int
	Type       ZoneType
	StartFrame mm.Frame
	EndFrame   mm.Frame

	Present uint64
	Managed uint64
	Free    uint64

	Watermarks [watermarkCount]uint64

	// FreeBlocks holds the number of free blocks of each order.
	FreeBlocks [MaxOrder]uint64

	AllocSuccess uint64
	AllocFail    uint64
}

func (a *Allocator) countAlloc(order uint8) {
	a.statsLock.Acquire()
	a.stats.Allocations++
	a.stats.AllocationsByOrder[order]++
	a.statsLock.Release()
}

func (a *Allocator) countFree(order uint8) {
	a.statsLock.Acquire()
	a.stats.Frees++
	a.stats.FreesByOrder[order]++
	a.statsLock.Release()
}

func (a *Allocator) countFailure() {
	a.statsLock.Acquire()
	a.stats.Failures++
	a.statsLock.Release()
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.statsLock.Acquire()
	defer a.statsLock.Release()
	return a.stats
}

// Zones returns a snapshot of every zone ordered by node and ascending
// physical address.
func (a *Allocator) Zones() []ZoneInfo {
	var infos []ZoneInfo
	for nodeIndex, n := range a.nodes {
		for _, typ := range []ZoneType{ZoneDMA, ZoneDMA32, ZoneNormal} {
			z := n.zones[typ]
			if z == nil {
				continue
			}

			irq := z.lock.AcquireIRQSave(a.hal)
			info := ZoneInfo{
				Node:         nodeIndex,
				Type:         typ,
				StartFrame:   z.start,
				EndFrame:     z.end,
				Present:      z.present,
				Managed:      z.managed,
				Free:         z.free,
				Watermarks:   z.watermarks,
				AllocSuccess: z.allocSuccess,
				AllocFail:    z.allocFail,
			}
			for order := range z.freeArea {
				info.FreeBlocks[order] = z.freeArea[order].count
			}
			z.lock.ReleaseIRQRestore(a.hal, irq)

			infos = append(infos, info)
		}
	}
	return infos
}

// FreePagesCount returns the number of free frames across all zones.
func (a *Allocator) FreePagesCount() uint64 {
	return lo.SumBy(a.Zones(), func(z ZoneInfo) uint64 { return z.Free })
}

// UnderPressure returns true when the free frame count drops below the sum
// of the zone low watermarks.
func (a *Allocator) UnderPressure() bool {
	zones := a.Zones()
	free := lo.SumBy(zones, func(z ZoneInfo) uint64 { return z.Free })
	low := lo.SumBy(zones, func(z ZoneInfo) uint64 { return z.Watermarks[WatermarkLow] })
	return free < low
}

// Dump writes a table describing every zone to w.
func (a *Allocator) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tZONE\tFRAMES\tPRESENT\tMANAGED\tFREE\tMIN/LOW/HIGH\tFREE BLOCKS")
	for _, z := range a.Zones() {
		fmt.Fprintf(tw, "%d\t%s\t%#x-%#x\t%d\t%d\t%d\t%d/%d/%d\t%v\n",
			z.Node, z.Type, uint64(z.StartFrame), uint64(z.EndFrame),
			z.Present, z.Managed, z.Free,
			z.Watermarks[WatermarkMin], z.Watermarks[WatermarkLow], z.Watermarks[WatermarkHigh],
			z.FreeBlocks,
		)
	}
	return tw.Flush()
}
