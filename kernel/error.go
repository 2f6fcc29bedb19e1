package kernel

import "github.com/pkg/errors"

// Kind classifies a kernel error so callers can react to the category of a
// failure without having to know which module produced it.
type Kind uint8

const (
	// KindUnknown is the kind reported for errors that did not originate
	// from a kernel module.
	KindUnknown Kind = iota

	// KindOutOfMemory indicates that no free block/slab/page could satisfy
	// a request after all fallbacks were exhausted.
	KindOutOfMemory

	// KindInvalidArgument indicates a bad order, size, alignment, range or
	// capacity request.
	KindInvalidArgument

	// KindAccessViolation indicates a fault on an unmapped address or an
	// access that is not permitted by the mapping protection.
	KindAccessViolation

	// KindCorruptionDetected indicates that an ownership, magic, red-zone
	// or poison check failed.
	KindCorruptionDetected
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindOutOfMemory:        "out of memory",
	KindInvalidArgument:    "invalid argument",
	KindAccessViolation:    "access violation",
	KindCorruptionDetected: "corruption detected",
}

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error category.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Module == "" {
		return e.Message
	}
	return e.Module + ": " + e.Message
}

// Is reports whether target is the same error or a taxonomy error of the
// same kind. It allows errors.Is(err, kernel.ErrOutOfMemory) to match the
// out of memory errors of any module.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.Module == "" && t.Kind == e.Kind && t.Kind != KindUnknown
}

// Taxonomy errors. They are never returned directly; use them as errors.Is
// targets.
var (
	ErrOutOfMemory        = &Error{Message: "out of memory", Kind: KindOutOfMemory}
	ErrInvalidArgument    = &Error{Message: "invalid argument", Kind: KindInvalidArgument}
	ErrAccessViolation    = &Error{Message: "access violation", Kind: KindAccessViolation}
	ErrCorruptionDetected = &Error{Message: "corruption detected", Kind: KindCorruptionDetected}
)

// KindOf returns the Kind of the first kernel Error in err's chain.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindUnknown
}
