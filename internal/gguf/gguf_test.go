package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/samcharles93/ggufq/pkg/quant"
)

func sampleMetadata() Metadata {
	return Metadata{
		{Key: "general.architecture", Value: Value{Type: TypeString, Value: "llama"}},
		{Key: "general.alignment", Value: Value{Type: TypeUint32, Value: uint32(64)}},
		{Key: "u8", Value: Value{Type: TypeUint8, Value: uint8(7)}},
		{Key: "i8", Value: Value{Type: TypeInt8, Value: int8(-7)}},
		{Key: "u16", Value: Value{Type: TypeUint16, Value: uint16(700)}},
		{Key: "i16", Value: Value{Type: TypeInt16, Value: int16(-700)}},
		{Key: "i32", Value: Value{Type: TypeInt32, Value: int32(-70000)}},
		{Key: "u64", Value: Value{Type: TypeUint64, Value: uint64(1) << 40}},
		{Key: "i64", Value: Value{Type: TypeInt64, Value: int64(-1) << 40}},
		{Key: "f32", Value: Value{Type: TypeFloat32, Value: float32(0.5)}},
		{Key: "f64", Value: Value{Type: TypeFloat64, Value: 0.25}},
		{Key: "bool", Value: Value{Type: TypeBool, Value: true}},
		{Key: "tokens", Value: Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"<s>", "</s>"}}}},
		{Key: "nested", Value: Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeArray, Values: []any{
			ArrayValue{ElemType: TypeInt32, Values: []any{int32(1), int32(2)}},
		}}}},
	}
}

func f32Tensor(t *testing.T, name string, shape []int) quant.Tensor {
	t.Helper()
	n := quant.Elements(shape)
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(i) / float32(n)
	}
	data, err := quant.Encode(quant.F32, vals)
	if err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return quant.Tensor{Name: name, Codec: quant.F32, Shape: shape, Data: data}
}

func writeFile(t *testing.T, path string, meta Metadata, tensors []quant.Tensor) {
	t.Helper()
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write(meta, tensors); err != nil {
		_ = w.Abort()
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.gguf")

	q, err := quant.Encode(quant.Q8_0, make([]float32, 64))
	if err != nil {
		t.Fatal(err)
	}
	tensors := []quant.Tensor{
		f32Tensor(t, "token_embd.weight", []int{3, 5}),
		{Name: "blk.0.attn_q.weight", Codec: quant.Q8_0, Shape: []int{2, 32}, Data: q},
		f32Tensor(t, "output_norm.weight", []int{5}),
	}
	meta := sampleMetadata()
	writeFile(t, path, meta, tensors)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Version != Version {
		t.Fatalf("version = %d", f.Header.Version)
	}
	if !reflect.DeepEqual(f.Metadata, meta) {
		t.Fatalf("metadata mismatch:\n got %#v\nwant %#v", f.Metadata, meta)
	}
	if f.Alignment != 64 || f.DataOffset%64 != 0 {
		t.Fatalf("alignment %d, data offset %d", f.Alignment, f.DataOffset)
	}
	if got := f.Names(); !reflect.DeepEqual(got, []string{"token_embd.weight", "blk.0.attn_q.weight", "output_norm.weight"}) {
		t.Fatalf("names = %v", got)
	}
	for _, want := range tensors {
		info, ok := f.TensorByName(want.Name)
		if !ok {
			t.Fatalf("missing %s", want.Name)
		}
		if info.Offset%64 != 0 {
			t.Errorf("%s: offset %d not aligned", want.Name, info.Offset)
		}
		if info.Type != TensorType(want.Codec) {
			t.Errorf("%s: type %s, want %s", want.Name, info.Type, want.Codec)
		}
		if !reflect.DeepEqual(info.Shape(), want.Shape) {
			t.Errorf("%s: shape %v, want %v", want.Name, info.Shape(), want.Shape)
		}
		data, err := f.TensorData(info)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, want.Data) {
			t.Errorf("%s: payload differs", want.Name)
		}
	}

	info, _ := f.TensorByName("token_embd.weight")
	if !reflect.DeepEqual(info.Dims, []uint64{5, 3}) {
		t.Errorf("dims should be innermost first, got %v", info.Dims)
	}
	vals, err := f.TensorFloat32(info)
	if err != nil {
		t.Fatal(err)
	}
	if vals[14] != 14.0/15.0 {
		t.Errorf("last element = %v", vals[14])
	}
}

func TestWriterAbortLeavesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.gguf")

	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(nil, []quant.Tensor{f32Tensor(t, "a", []int{4})}); err != nil {
		t.Fatal(err)
	}
	if err := w.Abort(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %v", entries[0].Name())
	}
	if err := w.Commit(); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("Commit after Abort = %v", err)
	}
}

func TestCreateMissingDirectory(t *testing.T) {
	t.Parallel()
	_, err := Create(filepath.Join(t.TempDir(), "missing", "out.gguf"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestWriterRejectsInvalidTensors(t *testing.T) {
	t.Parallel()
	a := f32Tensor(t, "a", []int{4})
	cases := map[string][]quant.Tensor{
		"duplicate":   {a, a},
		"short":       {{Name: "b", Codec: quant.F32, Shape: []int{4}, Data: make([]byte, 8)}},
		"indivisible": {{Name: "c", Codec: quant.Q4_0, Shape: []int{2, 16}, Data: make([]byte, 18)}},
		"codec":       {{Name: "d", Codec: quant.Codec(4), Shape: []int{4}, Data: make([]byte, 16)}},
		"overflow":    {{Name: "e", Codec: quant.F32, Shape: []int{1 << 21, 1 << 21, 1 << 21}}},
	}
	for name, tensors := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			w, err := Create(filepath.Join(t.TempDir(), "x.gguf"))
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = w.Abort() }()
			if _, err := w.Write(nil, tensors); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWriterRejectsBadAlignment(t *testing.T) {
	t.Parallel()
	for _, a := range []uint32{0, 48, 1 << 30} {
		meta := Metadata{{Key: KeyAlignment, Value: Value{Type: TypeUint32, Value: a}}}
		w, err := Create(filepath.Join(t.TempDir(), "x.gguf"))
		if err != nil {
			t.Fatal(err)
		}
		_, err = w.Write(meta, nil)
		_ = w.Abort()
		if !errors.Is(err, ErrCorruptFile) {
			t.Errorf("alignment %d: got %v, want ErrCorruptFile", a, err)
		}
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.gguf")
	writeFile(t, good, nil, []quant.Tensor{f32Tensor(t, "a", []int{8})})
	raw, err := os.ReadFile(good)
	if err != nil {
		t.Fatal(err)
	}

	// One tensor "abc" of shape [2, 2, 2] and no metadata: the three dims
	// start after the 24 byte header, the name and the dim count.
	cube := filepath.Join(dir, "cube.gguf")
	writeFile(t, cube, nil, []quant.Tensor{f32Tensor(t, "abc", []int{2, 2, 2})})
	overflow, err := os.ReadFile(cube)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		binary.LittleEndian.PutUint64(overflow[24+8+3+4+8*i:], 1<<21)
	}

	// Only general.alignment = 64 (u32): the value follows the key and its type.
	aligned := filepath.Join(dir, "aligned.gguf")
	alignMeta := Metadata{{Key: KeyAlignment, Value: Value{Type: TypeUint32, Value: uint32(64)}}}
	writeFile(t, aligned, alignMeta, []quant.Tensor{f32Tensor(t, "a", []int{8})})
	alignRaw, err := os.ReadFile(aligned)
	if err != nil {
		t.Fatal(err)
	}
	valueAt := 24 + 8 + len(KeyAlignment) + 4
	oddAlign := bytes.Clone(alignRaw)
	binary.LittleEndian.PutUint32(oddAlign[valueAt:], 48)
	hugeAlign := bytes.Clone(alignRaw)
	binary.LittleEndian.PutUint32(hugeAlign[valueAt:], 1<<30)

	badMagic := bytes.Clone(raw)
	copy(badMagic, "GGML")
	v1 := bytes.Clone(raw)
	binary.LittleEndian.PutUint32(v1[4:], 1)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"magic", badMagic, ErrInvalidMagic},
		{"version", v1, ErrUnsupportedVersion},
		{"truncated header", raw[:20], ErrCorruptFile},
		{"truncated data", raw[:len(raw)-4], ErrCorruptFile},
		{"element overflow", overflow, ErrCorruptFile},
		{"odd alignment", oddAlign, ErrCorruptFile},
		{"huge alignment", hugeAlign, ErrCorruptFile},
	}
	for _, tc := range cases {
		path := filepath.Join(dir, tc.name+".gguf")
		if err := os.WriteFile(path, tc.data, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Open(path)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
		if !IsFormatError(err) {
			t.Errorf("%s: expected a format error", tc.name)
		}
	}
}

func TestTensorTypeNames(t *testing.T) {
	cases := map[TensorType]string{
		GGMLTypeF32:  "F32",
		GGMLTypeQ4_0: "Q4_0",
		GGMLTypeQ6_K: "Q6_K",
		GGMLTypeBF16: "BF16",
		TensorType(4): "type(4)",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("%d: got %q, want %q", uint32(typ), got, want)
		}
	}
}
