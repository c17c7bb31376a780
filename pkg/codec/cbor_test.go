package codec

import (
	"bytes"
	"testing"
)

func TestMarshal_DeterministicMapOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []byte("x")}
	b := map[string]any{"c": []byte("x"), "a": 1, "b": 2}

	encA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	encB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Error("expected identical encoding regardless of map insertion order")
	}
}

func TestUnmarshal_AnyUsesStringKeys(t *testing.T) {
	enc, err := Marshal(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out any
	if err := Unmarshal(enc, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", out)
	}
	if m["k"] != "v" {
		t.Errorf("want v, got %v", m["k"])
	}
}
