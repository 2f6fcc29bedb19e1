// Package memmap describes the physical memory map handed to the memory
// manager by the bootloader.
package memmap

import (
	"sort"
	"strings"

	"github.com/gopheros/kmem/kernel"
)

// EntryType defines the type of a memory map Entry.
type EntryType uint32

const (
	// Available indicates that the memory region is available for use.
	Available EntryType = iota + 1

	// Reserved indicates that the memory region is not available for use.
	Reserved

	// AcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	AcpiReclaimable

	// Nvs indicates memory that must be preserved when hibernating.
	Nvs

	// Bad indicates a region containing defective RAM.
	Bad

	// Any value >= typeUnknown is treated as Reserved.
	typeUnknown
)

var typeNames = map[EntryType]string{
	Available:       "available",
	Reserved:        "reserved",
	AcpiReclaimable: "acpi-reclaimable",
	Nvs:             "nvs",
	Bad:             "bad",
}

var (
	errEmptyRegion       = &kernel.Error{Module: "memmap", Message: "memory region has zero length", Kind: kernel.KindInvalidArgument}
	errOverlappingRegion = &kernel.Error{Module: "memmap", Message: "available memory regions overlap", Kind: kernel.KindInvalidArgument}
	errUnknownType       = &kernel.Error{Module: "memmap", Message: "unknown memory region type", Kind: kernel.KindInvalidArgument}
	errNoUsableMemory    = &kernel.Error{Module: "memmap", Message: "memory map does not contain any available regions", Kind: kernel.KindInvalidArgument}
)

// String implements fmt.Stringer for EntryType.
func (t EntryType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType maps a region type name to an EntryType.
func ParseType(name string) (EntryType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, tName := range typeNames {
		if tName == name {
			return t, nil
		}
	}
	return 0, errUnknownType
}

// Entry describes a memory region, namely its physical address, its length
// and its type.
type Entry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type EntryType
}

// End returns the first physical address past the region.
func (e Entry) End() uint64 { return e.PhysAddress + e.Length }

// Visitor is invoked by Visit for each memory region. It must return true to
// continue or false to abort the scan.
type Visitor func(entry *Entry) bool

// Visit invokes visitor for each entry in ascending address order. Entries
// with an unknown type are reported as Reserved.
func Visit(entries []Entry, visitor Visitor) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PhysAddress < sorted[j].PhysAddress })

	for i := range sorted {
		if sorted[i].Type == 0 || sorted[i].Type >= typeUnknown {
			sorted[i].Type = Reserved
		}
		if !visitor(&sorted[i]) {
			return
		}
	}
}

// Validate checks that the map contains at least one available region, that
// no region is empty and that available regions do not overlap.
func Validate(entries []Entry) error {
	var (
		lastEnd   uint64
		available int
		err       error
	)

	Visit(entries, func(e *Entry) bool {
		if e.Length == 0 {
			err = errEmptyRegion
			return false
		}
		if e.Type != Available {
			return true
		}
		if available > 0 && e.PhysAddress < lastEnd {
			err = errOverlappingRegion
			return false
		}
		available++
		lastEnd = e.End()
		return true
	})

	if err == nil && available == 0 {
		err = errNoUsableMemory
	}
	return err
}

// HighestAddress returns the end address of the highest available region.
func HighestAddress(entries []Entry) uint64 {
	var highest uint64
	for _, e := range entries {
		if e.Type == Available && e.End() > highest {
			highest = e.End()
		}
	}
	return highest
}

// AvailableBytes returns the total size of all available regions.
func AvailableBytes(entries []Entry) uint64 {
	var total uint64
	for _, e := range entries {
		if e.Type == Available {
			total += e.Length
		}
	}
	return total
}
