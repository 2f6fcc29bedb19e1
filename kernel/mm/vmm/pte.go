package vmm

import "github.com/gopheros/kmem/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// populated returns true if the leaf has a frame attached, whether or not
// it is currently accessible.
func (pte pageTableEntry) populated() bool {
	return pte.HasAnyFlag(FlagPresent | flagProtNone)
}

// Protection is the architecture-neutral access mode of a mapping.
type Protection struct {
	Read   bool `toml:"read"`
	Write  bool `toml:"write"`
	Exec   bool `toml:"exec"`
	User   bool `toml:"user"`
	Global bool `toml:"global"`
}

var (
	// ProtNone denies every access.
	ProtNone = Protection{}

	// ProtUserRW is the protection of user data, heap and stack mappings.
	ProtUserRW = Protection{Read: true, Write: true, User: true}

	// ProtUserRX is the protection of user code mappings.
	ProtUserRX = Protection{Read: true, Exec: true, User: true}

	// ProtKernelRW is the protection of kernel data mappings.
	ProtKernelRW = Protection{Read: true, Write: true, Global: true}
)

// accessible returns true if the protection grants any kind of access.
func (p Protection) accessible() bool {
	return p.Read || p.Write || p.Exec
}

// String returns the protection in the rwx notation used by /proc maps.
func (p Protection) String() string {
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Exec {
		b[2] = 'x'
	}
	if p.User {
		b = append(b, 'u')
	}
	if p.Global {
		b = append(b, 'g')
	}
	return string(b)
}

// entryFlags encodes p as leaf page table flags. The x86 MMU cannot express
// write-only or execute-only pages, so any access implies read.
func (p Protection) entryFlags() PageTableEntryFlag {
	if !p.accessible() {
		return flagProtNone
	}

	flags := FlagPresent
	if p.Write {
		flags |= FlagRW
	}
	if p.User {
		flags |= FlagUserAccessible
	}
	if p.Global {
		flags |= FlagGlobal
	}
	if !p.Exec {
		flags |= FlagNoExecute
	}
	return flags
}

// protectionOf decodes the protection of a leaf entry. Copy-on-write leaves
// report the write access they regain once the fault is resolved.
func protectionOf(pte pageTableEntry) Protection {
	if !pte.HasFlags(FlagPresent) {
		return ProtNone
	}
	return Protection{
		Read:   true,
		Write:  pte.HasAnyFlag(FlagRW | FlagCopyOnWrite),
		Exec:   !pte.HasFlags(FlagNoExecute),
		User:   pte.HasFlags(FlagUserAccessible),
		Global: pte.HasFlags(FlagGlobal),
	}
}
