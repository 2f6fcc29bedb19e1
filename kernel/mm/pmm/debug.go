package pmm

import (
	"sort"

	"github.com/gopheros/kmem/kernel/mm"
	"github.com/samber/lo"
)

// AllocRecord describes an outstanding allocation when leak tracking is
// enabled.
type AllocRecord struct {
	Frame     mm.Frame
	Order     uint8
	Caller    string
	Timestamp uint64
}

func (a *Allocator) track(frame mm.Frame, order uint8, site string) {
	rec := &AllocRecord{
		Frame:     frame,
		Order:     order,
		Caller:    site,
		Timestamp: a.hal.Timestamp(),
	}

	a.debugLock.Acquire()
	a.records[frame] = rec
	a.debugLock.Release()
}

func (a *Allocator) untrack(frame mm.Frame) {
	a.debugLock.Acquire()
	delete(a.records, frame)
	a.debugLock.Release()
}

// Leaks returns the outstanding allocations ordered by frame. It always
// returns an empty list when leak tracking is disabled.
func (a *Allocator) Leaks() []AllocRecord {
	a.debugLock.Acquire()
	records := lo.Map(lo.Values(a.records), func(r *AllocRecord, _ int) AllocRecord { return *r })
	a.debugLock.Release()

	sort.Slice(records, func(i, j int) bool { return records[i].Frame < records[j].Frame })
	return records
}
