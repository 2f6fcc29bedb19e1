//go:build linux || darwin

package mm

import "golang.org/x/sys/unix"

// mapArena reserves an anonymous private mapping. Untouched pages are never
// backed by host memory so sparse memory maps with high regions stay cheap.
func mapArena(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|mapNoReserve)
}

func unmapArena(data []byte) error {
	return unix.Munmap(data)
}
