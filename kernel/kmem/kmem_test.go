package kmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gopheros/kmem/kernel"
	"github.com/gopheros/kmem/kernel/hal"
	"github.com/gopheros/kmem/kernel/hal/memmap"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/slab"
	"github.com/gopheros/kmem/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level = "warning"

[[memory_map]]
base = 0x0
length = 0x9f000
type = "available"

[[memory_map]]
base = 0x100000
length = 0x1000000
type = "available"

[[memory_map]]
base = 0x1100000
length = 0x100000
type = "acpi-reclaimable"

[physical]
reserved_low_memory = 0x100000

[physical.debug]
leak_tracking = true

[objects]
retain_empty_slabs = 2

[objects.debug]
red_zone = true

[virtual]
seed = 7
max_vmas = 128
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "warning", cfg.LogLevel)
	require.Len(t, cfg.MemoryMap, 3)
	assert.Equal(t, MemoryRegion{Base: 0x1100000, Length: 0x100000, Type: "acpi-reclaimable"}, cfg.MemoryMap[2])

	assert.True(t, cfg.Physical.Debug.LeakTracking)
	assert.Equal(t, uint64(16*mm.Mb), cfg.Physical.ZoneDMALimit, "unset keys keep their defaults")
	assert.Equal(t, 2, cfg.Objects.RetainEmptySlabs)
	assert.True(t, cfg.Objects.Debug.RedZone)
	assert.False(t, cfg.Objects.Debug.Poison)
	assert.Equal(t, int64(7), cfg.Virtual.Seed)
	assert.Equal(t, 128, cfg.Virtual.MaxVMAs)
	assert.True(t, cfg.Virtual.ASLR)
	assert.Equal(t, vmm.DefaultConfig().MaxStackSize, cfg.Virtual.MaxStackSize)

	entries, err := cfg.Entries()
	require.NoError(t, err)
	assert.Equal(t, memmap.AcpiReclaimable, entries[2].Type)
	assert.Equal(t, uint64(0x1100000), memmap.HighestAddress(entries))
}

func TestParseConfigErrors(t *testing.T) {
	specs := map[string]string{
		"syntax":       "log_level = ",
		"unknown type": "[[memory_map]]\nbase = 0\nlength = 4096\ntype = \"flash\"\n",
		"empty region": "[[memory_map]]\nbase = 0\nlength = 0\ntype = \"available\"\n",
		"no available": "[[memory_map]]\nbase = 0\nlength = 4096\ntype = \"reserved\"\n",
	}

	for name, doc := range specs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmem.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.MemoryMap, 3)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.toml")
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *hal.Sim) {
	t.Helper()

	entries, err := cfg.Entries()
	require.NoError(t, err)

	h := hal.NewSim(entries)
	m, err := New(cfg, h)
	require.NoError(t, err)
	return m, h
}

func TestNewBuildsComponents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Virtual.Seed = 1
	m, _ := newTestManager(t, cfg)

	assert.Equal(t, mm.PageAlignUp(0x4100000), m.Memory().Size())
	assert.Same(t, m.Memory(), m.Pages().Memory())
	assert.NotNil(t, m.Objects().KmallocCache(64))
	assert.NotNil(t, m.Virtual().KernelAddressSpace())

	require.NoError(t, m.Close())
	assert.Error(t, m.Close(), "closing twice reports the released arena")
}

func TestNewErrors(t *testing.T) {
	t.Run("log level", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LogLevel = "chatty"
		entries, err := cfg.Entries()
		require.NoError(t, err)

		_, err = New(cfg, hal.NewSim(entries))
		assert.Error(t, err)
	})

	t.Run("memory map", func(t *testing.T) {
		_, err := New(DefaultConfig(), hal.NewSim(nil))
		require.Error(t, err)
		assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))
	})

	t.Run("virtual config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Virtual.MaxVMAs = 0
		entries, err := cfg.Entries()
		require.NoError(t, err)

		_, err = New(cfg, hal.NewSim(entries))
		require.Error(t, err)
		assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))
	})
}

func TestEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Virtual.Seed = 3
	cfg.Objects.Debug = slab.DebugFlags{Poison: true, RedZone: true}
	m, h := newTestManager(t, cfg)
	defer func() { require.NoError(t, m.Close()) }()

	obj, err := m.Objects().Kzalloc(200, slab.AllocFlags{})
	require.NoError(t, err)
	size, err := m.Objects().Ksize(obj)
	require.NoError(t, err)
	assert.Equal(t, uintptr(256), size)

	freeBefore := m.Pages().FreePagesCount()

	v := m.Virtual()
	parent, err := v.CreateAddressSpace()
	require.NoError(t, err)
	require.NoError(t, v.SwitchAddressSpace(parent))

	addr, err := v.Mmap(parent, 0, 4*mm.PageSize, vmm.ProtUserRW, vmm.MmapOptions{})
	require.NoError(t, err)
	require.NoError(t, v.HandlePageFault(parent, addr, vmm.FaultWrite|vmm.FaultUser))

	phys, err := v.Translate(parent, addr+0x10)
	require.NoError(t, err)
	m.Memory().Bytes(phys, 1)[0] = 0xaa

	child, err := v.CloneAddressSpace(parent)
	require.NoError(t, err)
	require.NoError(t, v.HandlePageFault(child, addr, vmm.FaultPresent|vmm.FaultWrite|vmm.FaultUser))

	childPhys, err := v.Translate(child, addr+0x10)
	require.NoError(t, err)
	assert.NotEqual(t, phys, childPhys)
	assert.Equal(t, byte(0xaa), m.Memory().Bytes(childPhys, 1)[0])
	assert.Equal(t, parent.Root(), h.ActivePageTable())

	require.NoError(t, v.DestroyAddressSpace(child))
	require.NoError(t, v.SwitchAddressSpace(v.KernelAddressSpace()))
	require.NoError(t, v.DestroyAddressSpace(parent))
	assert.Equal(t, freeBefore, m.Pages().FreePagesCount())

	require.NoError(t, m.Objects().Kfree(obj))
	assert.Zero(t, m.Objects().Corruptions())
}
