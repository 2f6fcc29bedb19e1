package kfmt

import (
	"bytes"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		writes []string
		exp    string
	}{
		{[]string{""}, ""},
		{[]string{"single line"}, "[kmem] single line"},
		{[]string{"line 1\nline 2\n"}, "[kmem] line 1\n[kmem] line 2\n"},
		{[]string{"line ", "1\n", "line 2"}, "[kmem] line 1\n[kmem] line 2"},
		{[]string{"\n\n"}, "[kmem] \n[kmem] \n"},
	}

	for specIndex, spec := range specs {
		var (
			buf bytes.Buffer
			w   = NewPrefixWriter(&buf, "[kmem] ")
			in  int
			out int
		)

		for _, s := range spec.writes {
			n, err := w.Write([]byte(s))
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
			in += len(s)
			out += n
		}

		if out != in {
			t.Errorf("[spec %d] expected Write to report %d bytes; got %d", specIndex, in, out)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.exp, got)
		}
	}
}
