package kernel

import (
	"github.com/gopheros/kmem/kernel/kfmt"
	"github.com/pkg/errors"
)

var (
	// haltFn is mocked by tests.
	haltFn = func(cause interface{}) { panic(cause) }
)

// Panic logs the supplied error (if not nil) and halts the caller. Calls to
// Panic never return unless haltFn is replaced. Errors keep their identity so
// a recovering caller can still match them with errors.Is.
func Panic(e interface{}) {
	module := "rt"
	entry := kfmt.Module(module)

	switch t := e.(type) {
	case nil:
	case string:
		entry = entry.WithError(&Error{Module: module, Message: t})
	case error:
		var kerr *Error
		if errors.As(t, &kerr) && kerr.Module != "" {
			entry = kfmt.Module(kerr.Module)
		}
		entry = entry.WithError(t)
	}

	entry.Error("*** kernel panic: system halted ***")
	haltFn(e)
}
