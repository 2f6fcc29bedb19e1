//go:build !amd64

package mm

// Non-amd64 hosts simulate the amd64 paging layout.
const (
	PointerShift = uintptr(3)
	PageShift    = uintptr(12)
	PageSize     = uintptr(1 << PageShift)
)
