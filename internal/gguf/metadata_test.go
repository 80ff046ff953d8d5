package gguf

import (
	"reflect"
	"testing"
)

func TestGetArray(t *testing.T) {
	meta := Metadata{
		{Key: "strings", Value: Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"a", "b", "c"}}}},
		{Key: "ints", Value: Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeInt32, Values: []any{int32(1), int32(2), int32(3)}}}},
		{Key: "mixed", Value: Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"a", 1}}}},
		{Key: "not_array", Value: Value{Type: TypeString, Value: "hello"}},
	}

	strs, ok := GetArray[string](meta, "strings")
	if !ok {
		t.Error("expected ok for strings")
	}
	if !reflect.DeepEqual(strs, []string{"a", "b", "c"}) {
		t.Errorf("got %v, want %v", strs, []string{"a", "b", "c"})
	}

	ints, ok := GetArray[int32](meta, "ints")
	if !ok {
		t.Error("expected ok for ints")
	}
	if !reflect.DeepEqual(ints, []int32{1, 2, 3}) {
		t.Errorf("got %v, want %v", ints, []int32{1, 2, 3})
	}

	if _, ok := GetArray[int32](meta, "strings"); ok {
		t.Error("expected !ok for string array read as int32")
	}
	if _, ok := GetArray[string](meta, "mixed"); ok {
		t.Error("expected !ok for mixed element types")
	}
	if _, ok := GetArray[string](meta, "not_array"); ok {
		t.Error("expected !ok for non-array value")
	}
	if _, ok := GetArray[string](meta, "missing"); ok {
		t.Error("expected !ok for missing key")
	}
}

func TestMetadataAccessors(t *testing.T) {
	var meta Metadata
	meta.Set("general.name", Value{Type: TypeString, Value: "tiny"})
	meta.Set("general.alignment", Value{Type: TypeUint32, Value: uint32(64)})
	meta.Set("llama.rope.freq_base", Value{Type: TypeFloat32, Value: float32(10000)})
	meta.Set("general.name", Value{Type: TypeString, Value: "tinier"})

	if got := meta.Keys(); !reflect.DeepEqual(got, []string{"general.name", "general.alignment", "llama.rope.freq_base"}) {
		t.Fatalf("Set should replace in place, got keys %v", got)
	}
	if s, _ := meta.String("general.name"); s != "tinier" {
		t.Errorf("name = %q", s)
	}
	if a := meta.Alignment(); a != 64 {
		t.Errorf("alignment = %d, want 64", a)
	}
	if f, ok := meta.Float64("llama.rope.freq_base"); !ok || f != 10000 {
		t.Errorf("freq_base = %v, %v", f, ok)
	}
	if _, ok := meta.Uint64("general.name"); ok {
		t.Error("string should not read as uint64")
	}
	if a := (Metadata{}).Alignment(); a != DefaultAlignment {
		t.Errorf("default alignment = %d", a)
	}
}
