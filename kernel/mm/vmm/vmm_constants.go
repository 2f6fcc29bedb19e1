package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries stored in a page table.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// kernelRootIndex is the first top-level table entry that belongs to
	// the upper (kernel) half of the address space.
	kernelRootIndex = entriesPerTable / 2

	// signExtension is OR-ed into addresses whose bit 47 is set to make
	// them canonical.
	signExtension = uintptr(0xffff000000000000)
)

const (
	// UserSpaceEnd is the first address past the user portion of an
	// address space.
	UserSpaceEnd = uintptr(0x0000800000000000)

	// KernelSpaceStart is the first address of the kernel portion that is
	// shared by every address space.
	KernelSpaceStart = uintptr(0xffff800000000000)

	// NoPhys asks Map to back the mapping with freshly allocated frames.
	NoPhys = ^uintptr(0)

	// mmapMinAddr is the lowest address handed out by Mmap.
	mmapMinAddr = uintptr(0x10000)

	// mmapBaseTop and stackTopMax are the non-randomized tops of the mmap
	// region and the stack.
	mmapBaseTop = uintptr(0x00007f0000000000)
	stackTopMax = uintptr(0x00007fffff000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// flagOwned marks leaves that hold a reference on the mapped frame.
	flagOwned PageTableEntryFlag = 1 << 10

	// flagProtNone marks populated leaves whose VMA currently grants no
	// access. The frame stays attached but the entry is not present.
	flagProtNone PageTableEntryFlag = 1 << 11

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
