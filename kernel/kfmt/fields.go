package kfmt

// Log field names shared by all memory manager modules.
const (
	ModuleField = "module"

	// physical memory

	Zone  = "zone"
	Node  = "node"
	Order = "order"
	Frame = "frame"
	Pages = "pages"

	// object caches

	Cache  = "cache"
	Object = "object"
	Size   = "size"

	// address spaces

	VirtAddr     = "vaddr"
	AddressSpace = "asid"
	ErrorCode    = "error-code"

	// debug

	Caller    = "caller"
	Timestamp = "timestamp"
)
