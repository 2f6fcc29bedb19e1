package mm

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold a block of this size.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize) - 1) >> PageShift
}

// String implements fmt.Stringer for Size using the largest unit that
// divides the size evenly.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "GiB"
	case s >= Mb && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "MiB"
	case s >= Kb && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "KiB"
	default:
		return strconv.FormatUint(uint64(s), 10) + "B"
	}
}
