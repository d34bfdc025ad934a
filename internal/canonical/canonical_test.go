package canonical

import (
	"bytes"
	"testing"
)

func TestMarshal_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"a": 1, "b": 2, "c": "x"}
	b := map[string]any{"c": "x", "b": 2, "a": 1}

	ab, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a): %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b): %v", err)
	}

	if !bytes.Equal(ab, bb) {
		t.Errorf("same map, different insertion order: %s vs %s", ab, bb)
	}
}

func TestMarshal_Idempotent(t *testing.T) {
	v := map[string]any{
		"nested": map[string]any{"z": 26, "a": 1},
		"list":   []any{"one", 2, true, nil},
	}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("repeated encoding of the same value must be identical")
	}
}

func TestMarshal_SortedKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":1,"b":2}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_SequenceOrderPreserved(t *testing.T) {
	first, _ := Marshal([]any{1, 2, 3})
	second, _ := Marshal([]any{3, 2, 1})
	if bytes.Equal(first, second) {
		t.Error("sequence order is semantically meaningful and must affect encoding")
	}
}

func TestMarshal_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"true", true, "true"},
		{"int", int64(-42), "-42"},
		{"uint", uint32(7), "7"},
		{"float", 1.5, "1.5"},
		{"string", "héllo", `"héllo"`},
		{"empty map", map[string]any{}, "{}"},
		{"nil slice", []any(nil), "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshal_CycleEncodesSentinel(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	got, err := Marshal(m)
	if err != nil {
		t.Fatalf("cyclic value must not be an error: %v", err)
	}
	want := `{"self":"<cycle>"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_SharedValueIsNotACycle(t *testing.T) {
	shared := map[string]any{"k": 1}
	got, err := Marshal(map[string]any{"a": shared, "b": shared})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":{"k":1},"b":{"k":1}}`
	if string(got) != want {
		t.Errorf("shared (non-cyclic) value must encode twice: got %s", got)
	}
}

func TestMarshal_NonStringMapKey(t *testing.T) {
	if _, err := Marshal(map[int]string{1: "x"}); err != ErrNonStringMapKey {
		t.Errorf("want ErrNonStringMapKey, got %v", err)
	}
}
