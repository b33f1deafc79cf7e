package vertexai

import (
	"testing"
)

func TestProvider_Name(t *testing.T) {
	p := &Provider{}
	if p.Name() != providerName {
		t.Errorf("expected %q, got %q", providerName, p.Name())
	}
}

func TestAsFloat64(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(1.5), 1.5, true},
		{float32(2.5), 2.5, true},
		{int(3), 3, true},
		{int64(4), 4, true},
		{"nope", 0, false},
	}
	for _, c := range cases {
		got, ok := asFloat64(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("asFloat64(%v) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestToStringSlice(t *testing.T) {
	if s, ok := toStringSlice([]string{"a", "b"}); !ok || len(s) != 2 {
		t.Errorf("expected []string passthrough, got %v, %v", s, ok)
	}
	if s, ok := toStringSlice([]any{"a", "b"}); !ok || len(s) != 2 {
		t.Errorf("expected []any conversion, got %v, %v", s, ok)
	}
	if _, ok := toStringSlice([]any{1, 2}); ok {
		t.Error("expected conversion to fail for non-string elements")
	}
	if _, ok := toStringSlice(42); ok {
		t.Error("expected conversion to fail for unsupported type")
	}
}
