package slab

import (
	"runtime"
	"sort"
	"strconv"
)

const (
	poisonFree  = 0x6b
	poisonInUse = 0x5a
	redZoneByte = 0xcc
)

// ObjectRecord describes a live object of a cache with StoreUser enabled.
type ObjectRecord struct {
	Cache  string
	Addr   uintptr
	Caller string
}

func isFilled(b []byte, value byte) bool {
	for _, v := range b {
		if v != value {
			return false
		}
	}
	return true
}

func (c *Cache) redZoneIntact(obj uintptr) bool {
	mem := c.alloc.mem
	return isFilled(mem.Bytes(obj-c.redZone, c.redZone), redZoneByte) &&
		isFilled(mem.Bytes(obj+c.size, c.redZone), redZoneByte)
}

func (c *Cache) writeRedZone(obj uintptr) {
	mem := c.alloc.mem
	mem.Memset(obj-c.redZone, redZoneByte, c.redZone)
	mem.Memset(obj+c.size, redZoneByte, c.redZone)
}

// callSite describes the function skip frames above the caller of callSite.
func callSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return name + " " + file + ":" + strconv.Itoa(line)
}

// Leaks returns the live objects of c ordered by address. Only caches with
// StoreUser enabled keep these records.
func (c *Cache) Leaks() []ObjectRecord {
	c.trackLock.Acquire()
	records := make([]ObjectRecord, 0, len(c.owners))
	for addr, site := range c.owners {
		records = append(records, ObjectRecord{Cache: c.name, Addr: addr, Caller: site})
	}
	c.trackLock.Release()

	sort.Slice(records, func(i, j int) bool { return records[i].Addr < records[j].Addr })
	return records
}
