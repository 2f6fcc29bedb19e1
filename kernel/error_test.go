package kernel

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
		Kind:    KindInvalidArgument,
	}

	if exp := "foo: error message"; err.Error() != exp {
		t.Fatalf("expected to err.Error() to return %q; got %q", exp, err.Error())
	}

	if exp := "error message"; (&Error{Message: exp}).Error() != exp {
		t.Fatal("expected errors without a module to only report their message")
	}
}

func TestKernelErrorIs(t *testing.T) {
	oom := &Error{Module: "pmm", Message: "no free blocks", Kind: KindOutOfMemory}
	other := &Error{Module: "slab", Message: "cache exhausted", Kind: KindOutOfMemory}
	wrapped := errors.Wrap(oom, "allocating page table")

	assert.True(t, errors.Is(wrapped, oom))
	assert.True(t, errors.Is(wrapped, ErrOutOfMemory))
	assert.False(t, errors.Is(wrapped, ErrInvalidArgument))
	assert.False(t, errors.Is(wrapped, other), "module errors only match by identity")
	assert.False(t, errors.Is(&Error{Message: "x"}, &Error{Message: "x"}))
}

func TestKindOf(t *testing.T) {
	specs := []struct {
		err  error
		kind Kind
	}{
		{nil, KindUnknown},
		{errors.New("plain"), KindUnknown},
		{&Error{Kind: KindAccessViolation}, KindAccessViolation},
		{errors.Wrapf(&Error{Kind: KindCorruptionDetected}, "freeing %x", 0x1000), KindCorruptionDetected},
	}

	for specIndex, spec := range specs {
		if got := KindOf(spec.err); got != spec.kind {
			t.Errorf("[spec %d] expected kind %q; got %q", specIndex, spec.kind, got)
		}
	}

	assert.Equal(t, "unknown", Kind(200).String())
}
