package vmm

import "github.com/gopheros/kmem/kernel/mm"

// Config holds the address space settings.
type Config struct {
	// ASLR randomizes the mmap base and the stack top of every new
	// address space.
	ASLR bool `toml:"aslr"`

	// MmapRandomBits and StackRandomBits are the number of page-granular
	// random bits subtracted from the mmap base and the stack top.
	MmapRandomBits  uint8 `toml:"mmap_random_bits"`
	StackRandomBits uint8 `toml:"stack_random_bits"`

	// Seed initializes the layout random source. Zero seeds it from the
	// HAL timestamp.
	Seed int64 `toml:"seed"`

	// HeapBase is the start of the brk heap.
	HeapBase uint64 `toml:"heap_base"`

	MaxHeapSize  uint64 `toml:"max_heap_size"`
	MaxStackSize uint64 `toml:"max_stack_size"`

	// MaxVMAs caps the number of VMAs of an address space.
	MaxVMAs int `toml:"max_vmas"`

	// ZeroPageSharing maps read faults on anonymous memory to a single
	// shared zero frame that is copied on the first write.
	ZeroPageSharing bool `toml:"zero_page_sharing"`
}

const (
	maxMmapRandomBits  = 28
	maxStackRandomBits = 23
)

// DefaultConfig returns the default address space settings.
func DefaultConfig() Config {
	return Config{
		ASLR:            true,
		MmapRandomBits:  maxMmapRandomBits,
		StackRandomBits: maxStackRandomBits,
		HeapBase:        0x0000000010000000,
		MaxHeapSize:     uint64(1 * mm.Gb),
		MaxStackSize:    uint64(8 * mm.Mb),
		MaxVMAs:         65530,
	}
}

func (cfg Config) validate() error {
	switch {
	case cfg.MmapRandomBits > maxMmapRandomBits,
		cfg.StackRandomBits > maxStackRandomBits,
		cfg.MaxVMAs <= 0,
		cfg.MaxStackSize == 0,
		!mm.PageAligned(uintptr(cfg.HeapBase)),
		cfg.HeapBase < uint64(mmapMinAddr),
		cfg.HeapBase+cfg.MaxHeapSize > uint64(mmapBaseTop-(uintptr(1)<<(maxMmapRandomBits+mm.PageShift))):
		return errInvalidConfig
	}
	return nil
}
