package slab

import "github.com/gopheros/kmem/kernel"

var (
	errInvalidSize    = &kernel.Error{Module: "slab", Message: "object size must be between 1 and the maximum object size", Kind: kernel.KindInvalidArgument}
	errInvalidAlign   = &kernel.Error{Module: "slab", Message: "alignment must be a power of two no larger than a page", Kind: kernel.KindInvalidArgument}
	errInvalidNode    = &kernel.Error{Module: "slab", Message: "unknown NUMA node", Kind: kernel.KindInvalidArgument}
	errTooManyCaches  = &kernel.Error{Module: "slab", Message: "cache limit reached", Kind: kernel.KindOutOfMemory}
	errCacheBusy      = &kernel.Error{Module: "slab", Message: "cache still has live objects", Kind: kernel.KindInvalidArgument}
	errCacheDestroyed = &kernel.Error{Module: "slab", Message: "cache has been destroyed", Kind: kernel.KindInvalidArgument}
	errForeignObject  = &kernel.Error{Module: "slab", Message: "object does not belong to this cache", Kind: kernel.KindCorruptionDetected}
	errMisaligned     = &kernel.Error{Module: "slab", Message: "pointer does not refer to the start of an object", Kind: kernel.KindCorruptionDetected}
	errDoubleFree     = &kernel.Error{Module: "slab", Message: "object is not allocated", Kind: kernel.KindCorruptionDetected}
	errRedZone        = &kernel.Error{Module: "slab", Message: "red zone overwritten", Kind: kernel.KindCorruptionDetected}
	errPoison         = &kernel.Error{Module: "slab", Message: "free object modified after free", Kind: kernel.KindCorruptionDetected}
	errUnknownPointer = &kernel.Error{Module: "slab", Message: "pointer was not returned by kmalloc", Kind: kernel.KindCorruptionDetected}
	errAccounting     = &kernel.Error{Module: "slab", Message: "object accounting mismatch", Kind: kernel.KindCorruptionDetected}
)
