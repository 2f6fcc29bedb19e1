package pmm

import "github.com/gopheros/kmem/kernel/mm"

const (
	// MaxOrder is the number of supported block orders. Blocks range from
	// 1 page (order 0) to 2^(MaxOrder-1) pages.
	MaxOrder = 11

	// MaxNumaNodes is the maximum number of NUMA nodes.
	MaxNumaNodes = 64

	// AnyNode lets the allocator pick the node.
	AnyNode = -1

	localDistance  = 10
	remoteDistance = 20
)

// Region is a physical address range.
type Region struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
}

// NodeConfig describes the physical range of a NUMA node.
type NodeConfig struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`

	// Distances to every configured node, indexed by node position. A
	// missing entry defaults to 10 for the node itself and 20 otherwise.
	Distances []uint8 `toml:"distances"`
}

// DebugConfig toggles allocation tracking.
type DebugConfig struct {
	// LeakTracking records the call site and timestamp of every
	// outstanding allocation.
	LeakTracking bool `toml:"leak_tracking"`
}

// Config holds the physical allocator settings.
type Config struct {
	// Zone boundaries. Memory below ZoneDMALimit belongs to ZoneDMA,
	// memory below ZoneDMA32Limit to ZoneDMA32 and the rest to
	// ZoneNormal.
	ZoneDMALimit   uint64 `toml:"zone_dma_limit"`
	ZoneDMA32Limit uint64 `toml:"zone_dma32_limit"`

	// ReservedLowMemory is never handed out.
	ReservedLowMemory uint64 `toml:"reserved_low_memory"`

	// Reserved lists additional ranges, such as the kernel image, that
	// must not be handed out.
	Reserved []Region `toml:"reserved"`

	// Nodes describes the NUMA topology. When empty, all memory belongs
	// to a single node.
	Nodes []NodeConfig `toml:"nodes"`

	Debug DebugConfig `toml:"debug"`
}

// DefaultConfig returns the default allocator settings.
func DefaultConfig() Config {
	return Config{
		ZoneDMALimit:      uint64(16 * mm.Mb),
		ZoneDMA32Limit:    uint64(4 * mm.Gb),
		ReservedLowMemory: uint64(1 * mm.Mb),
	}
}
