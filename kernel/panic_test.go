package kernel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gopheros/kmem/kernel/kfmt"
)

func TestPanic(t *testing.T) {
	defer func() {
		haltFn = func(cause interface{}) { panic(cause) }
	}()

	var (
		buf    bytes.Buffer
		halted interface{}
	)
	kfmt.SetOutputSink(&buf)
	haltFn = func(cause interface{}) { halted = cause }

	specs := []struct {
		name  string
		cause interface{}
		exp   []string
	}{
		{"with error", &Error{Module: "test", Message: "panic test"}, []string{"module=test", "panic test"}},
		{"with string", "runtime fault", []string{"module=rt", "runtime fault"}},
		{"without error", nil, []string{"module=rt"}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			buf.Reset()
			halted = nil

			Panic(spec.cause)

			got := buf.String()
			if !strings.Contains(got, "kernel panic: system halted") {
				t.Fatalf("expected panic banner; got %q", got)
			}
			for _, exp := range spec.exp {
				if !strings.Contains(got, exp) {
					t.Fatalf("expected output to contain %q; got %q", exp, got)
				}
			}
			if halted != spec.cause {
				t.Fatalf("expected halt to be called with %v; got %v", spec.cause, halted)
			}
		})
	}

	t.Run("default halt panics", func(t *testing.T) {
		haltFn = func(cause interface{}) { panic(cause) }
		err := &Error{Module: "test", Message: "fatal"}
		defer func() {
			if r := recover(); r != err {
				t.Fatalf("expected recover() to return %v; got %v", err, r)
			}
		}()
		Panic(err)
	})
}
