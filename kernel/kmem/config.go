package kmem

import (
	"os"

	"github.com/gopheros/kmem/kernel/hal/memmap"
	"github.com/gopheros/kmem/kernel/mm/pmm"
	"github.com/gopheros/kmem/kernel/mm/slab"
	"github.com/gopheros/kmem/kernel/mm/vmm"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// MemoryRegion is a memory map entry as written in a configuration file.
type MemoryRegion struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// Config aggregates the settings of every memory manager component.
type Config struct {
	LogLevel string `toml:"log_level"`

	// MemoryMap describes the simulated machine. It is only consulted by
	// callers that build their HAL from the configuration.
	MemoryMap []MemoryRegion `toml:"memory_map"`

	Physical pmm.Config  `toml:"physical"`
	Objects  slab.Config `toml:"objects"`
	Virtual  vmm.Config  `toml:"virtual"`
}

// DefaultConfig returns the default settings for a machine with 64MiB of
// memory above the first megabyte.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		MemoryMap: []MemoryRegion{
			{Base: 0, Length: 0x9f000, Type: "available"},
			{Base: 0x9f000, Length: 0x61000, Type: "reserved"},
			{Base: 0x100000, Length: 64 << 20, Type: "available"},
		},
		Physical: pmm.DefaultConfig(),
		Objects:  slab.DefaultConfig(),
		Virtual:  vmm.DefaultConfig(),
	}
}

// ParseConfig decodes a TOML document on top of the default settings.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return Config{}, errors.Wrap(err, "parsing configuration")
	}
	if tree.Has("memory_map") {
		cfg.MemoryMap = nil
	}
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding configuration")
	}

	if _, err := cfg.Entries(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and decodes the TOML configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading configuration %q", path)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading configuration %q", path)
	}
	return cfg, nil
}

// Entries converts the configured memory map into HAL memory map entries.
func (cfg Config) Entries() ([]memmap.Entry, error) {
	entries := make([]memmap.Entry, 0, len(cfg.MemoryMap))
	for i, region := range cfg.MemoryMap {
		typ, err := memmap.ParseType(region.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "memory map entry %d", i)
		}
		entries = append(entries, memmap.Entry{PhysAddress: region.Base, Length: region.Length, Type: typ})
	}

	if err := memmap.Validate(entries); err != nil {
		return nil, errors.Wrap(err, "validating memory map")
	}
	return entries, nil
}
