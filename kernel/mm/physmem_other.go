//go:build !linux && !darwin

package mm

// mapArena allocates the arena on the Go heap on platforms without mmap.
func mapArena(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena([]byte) error { return nil }
