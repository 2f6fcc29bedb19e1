package vmm

import (
	"github.com/benbjohnson/immutable"
	"github.com/gopheros/kmem/kernel/mm"
)

// BackingKind describes where the contents of a VMA come from.
type BackingKind uint8

const (
	// Anonymous VMAs are demand-filled with zeroed frames.
	Anonymous BackingKind = iota

	// File VMAs are demand-filled from a PageSource.
	File

	// Stack VMAs are anonymous and grow down on faults below their start.
	Stack
)

var backingKindNames = [...]string{
	Anonymous: "anon",
	File:      "file",
	Stack:     "stack",
}

func (k BackingKind) String() string {
	if int(k) < len(backingKindNames) {
		return backingKindNames[k]
	}
	return "unknown"
}

// PageSource provides the contents of file backed VMAs.
type PageSource interface {
	// ReadPage fills dst with the page-sized contents found at offset.
	ReadPage(offset int64, dst []byte) error
}

// Backing describes how a VMA is populated.
type Backing struct {
	Kind BackingKind

	// Shared VMAs keep sharing their frames with clones instead of
	// becoming copy-on-write.
	Shared bool

	// Source and Offset locate the contents of File VMAs.
	Source PageSource
	Offset int64
}

// VMA is a contiguous, page-aligned virtual memory area [Start, End).
type VMA struct {
	Start   uintptr
	End     uintptr
	Prot    Protection
	Backing Backing

	Faults    uint64
	COWFaults uint64
}

// Size returns the length of the area in bytes.
func (v *VMA) Size() uintptr { return v.End - v.Start }

func (v *VMA) contains(addr uintptr) bool { return addr >= v.Start && addr < v.End }

// offsetOf returns the backing offset of the page containing addr.
func (v *VMA) offsetOf(addr uintptr) int64 {
	return v.Backing.Offset + int64(mm.PageAlignDown(addr)-v.Start)
}

// private returns true if writes to the VMA must not be visible to other
// address spaces.
func (v *VMA) private() bool { return !v.Backing.Shared }

// mergeable returns true if upper directly follows v and both areas can be
// described by a single VMA.
func (v *VMA) mergeable(upper *VMA) bool {
	if v.End != upper.Start || v.Prot != upper.Prot {
		return false
	}
	vb, ub := v.Backing, upper.Backing
	if vb.Kind != ub.Kind || vb.Shared != ub.Shared || vb.Source != ub.Source {
		return false
	}
	return vb.Kind != File || vb.Offset+int64(v.Size()) == ub.Offset
}

// addrComparer orders VMAs by their end address.
type addrComparer struct{}

func (addrComparer) Compare(a, b uintptr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func newVMATree() *immutable.SortedMap[uintptr, *VMA] {
	return immutable.NewSortedMap[uintptr, *VMA](addrComparer{})
}

// findVMA returns the VMA containing addr. VMAs are keyed by their end
// address so the first key above addr identifies the only candidate.
func (as *AddressSpace) findVMA(addr uintptr) *VMA {
	v := as.vmaAbove(addr)
	if v == nil || !v.contains(addr) {
		return nil
	}
	return v
}

// vmaAbove returns the VMA with the lowest end address above addr.
func (as *AddressSpace) vmaAbove(addr uintptr) *VMA {
	itr := as.vmas.Iterator()
	itr.Seek(addr + 1)
	if itr.Done() {
		return nil
	}
	_, v, _ := itr.Next()
	return v
}

// vmasIn returns the VMAs that intersect [start, end) in ascending order.
func (as *AddressSpace) vmasIn(start, end uintptr) []*VMA {
	var out []*VMA
	itr := as.vmas.Iterator()
	itr.Seek(start + 1)
	for !itr.Done() {
		_, v, _ := itr.Next()
		if v.Start >= end {
			break
		}
		out = append(out, v)
	}
	return out
}

// insertVMA adds v after checking the capacity and overlap rules.
func (as *AddressSpace) insertVMA(v *VMA, maxVMAs int) error {
	if as.vmas.Len() >= maxVMAs {
		return errTooManyVMAs
	}
	if len(as.vmasIn(v.Start, v.End)) != 0 {
		return errVMAOverlap
	}
	as.vmas = as.vmas.Set(v.End, v)
	return nil
}

func (as *AddressSpace) removeVMA(v *VMA) {
	as.vmas = as.vmas.Delete(v.End)
}

// splitVMA splits v at addr. v keeps the upper half and the new lower half
// is returned.
func (as *AddressSpace) splitVMA(v *VMA, addr uintptr, maxVMAs int) (*VMA, error) {
	if as.vmas.Len() >= maxVMAs {
		return nil, errTooManyVMAs
	}

	lower := &VMA{Start: v.Start, End: addr, Prot: v.Prot, Backing: v.Backing}
	v.Start = addr
	if v.Backing.Kind == File {
		v.Backing.Offset += int64(lower.Size())
	}
	as.vmas = as.vmas.Set(lower.End, lower)
	return lower, nil
}

// mergeVMAs folds lower into upper when both can share a single VMA.
func (as *AddressSpace) mergeVMAs(lower, upper *VMA) bool {
	if !lower.mergeable(upper) {
		return false
	}
	as.removeVMA(lower)
	upper.Start = lower.Start
	upper.Backing.Offset = lower.Backing.Offset
	upper.Faults += lower.Faults
	upper.COWFaults += lower.COWFaults
	return true
}

// mergeAround merges v with its neighbours where possible.
func (as *AddressSpace) mergeAround(v *VMA) {
	if v.Start > 0 {
		if prev := as.findVMA(v.Start - 1); prev != nil {
			as.mergeVMAs(prev, v)
		}
	}
	if next := as.findVMA(v.End); next != nil {
		as.mergeVMAs(v, next)
	}
}

// carve splits the VMAs overlapping the edges of [start, end) so that every
// VMA is either fully inside or fully outside the range, and returns the
// ones inside.
func (as *AddressSpace) carve(start, end uintptr, maxVMAs int) ([]*VMA, error) {
	if v := as.findVMA(start); v != nil && v.Start < start {
		if _, err := as.splitVMA(v, start, maxVMAs); err != nil {
			return nil, err
		}
	}
	if v := as.findVMA(end); v != nil && v.Start < end {
		if _, err := as.splitVMA(v, end, maxVMAs); err != nil {
			return nil, err
		}
	}
	return as.vmasIn(start, end), nil
}

// FindVMA returns a copy of the VMA containing addr.
func (m *Manager) FindVMA(as *AddressSpace, addr uintptr) (VMA, bool) {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if v := as.findVMA(addr); v != nil {
		return *v, true
	}
	return VMA{}, false
}

// CreateVMA registers a lazily populated area of size bytes at start.
func (m *Manager) CreateVMA(as *AddressSpace, start, size uintptr, prot Protection, backing Backing) error {
	if err := as.checkRange(start, size); err != nil {
		return err
	}
	if backing.Kind == File && backing.Source == nil {
		return errMissingSource
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if as.destroyed {
		return errDestroyed
	}
	return as.insertVMA(&VMA{Start: start, End: start + mm.PageAlignUp(size), Prot: prot, Backing: backing}, m.cfg.MaxVMAs)
}

// SplitVMA splits the VMA containing addr into [Start, addr) and
// [addr, End).
func (m *Manager) SplitVMA(as *AddressSpace, addr uintptr) error {
	if !mm.PageAligned(addr) {
		return errUnaligned
	}

	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	v := as.findVMA(addr)
	if v == nil || v.Start == addr {
		return errNoVMA
	}
	_, err := as.splitVMA(v, addr, m.cfg.MaxVMAs)
	return err
}

// MergeVMA merges the VMA ending at addr with the VMA starting at addr.
func (m *Manager) MergeVMA(as *AddressSpace, addr uintptr) error {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	if addr == 0 {
		return errNoVMA
	}
	lower, upper := as.findVMA(addr-1), as.findVMA(addr)
	if lower == nil || upper == nil || lower == upper {
		return errNoVMA
	}
	if !as.mergeVMAs(lower, upper) {
		return errVMAIncompatible
	}
	return nil
}

// RemoveVMA removes the VMA containing addr and unmaps its pages.
func (m *Manager) RemoveVMA(as *AddressSpace, addr uintptr) error {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	v := as.findVMA(addr)
	if v == nil {
		return errNoVMA
	}
	as.removeVMA(v)
	m.unmapRange(as, v.Start, v.End)
	return nil
}

// VMAs returns a snapshot of the VMAs of as ordered by address.
func (m *Manager) VMAs(as *AddressSpace) []VMA {
	irq := as.lock.AcquireIRQSave(m.hal)
	defer as.lock.ReleaseIRQRestore(m.hal, irq)

	out := make([]VMA, 0, as.vmas.Len())
	itr := as.vmas.Iterator()
	for !itr.Done() {
		_, v, _ := itr.Next()
		out = append(out, *v)
	}
	return out
}
