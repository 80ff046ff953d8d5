package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/ggufq/pkg/quant"
)

// TensorInfo describes one tensor. Dims are stored innermost first, as on disk.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Shape returns the dimensions outermost first.
func (t TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[len(t.Dims)-1-i] = int(d)
	}
	return shape
}

// Elements returns the number of elements in the tensor, or -1 when the dims
// overflow int.
func (t TensorInfo) Elements() int {
	n, err := t.elements()
	if err != nil {
		return -1
	}
	return n
}

func (t TensorInfo) elements() (int, error) {
	n := 1
	for _, d := range t.Dims {
		if d > math.MaxInt32 {
			return 0, fmt.Errorf("%w: dimension %d too large", ErrCorruptFile, d)
		}
		if d > 0 && n > math.MaxInt/int(d) {
			return 0, fmt.Errorf("%w: dims %v overflow the element count", ErrCorruptFile, t.Dims)
		}
		n *= int(d)
	}
	return n, nil
}

// Size returns the payload size in bytes.
func (t TensorInfo) Size() (int, error) {
	n, err := t.elements()
	if err != nil {
		return 0, err
	}
	size, err := t.Type.RowSize(n)
	if errors.Is(err, quant.ErrShape) && !errors.Is(err, ErrCorruptFile) {
		return 0, fmt.Errorf("%w: %w", ErrCorruptFile, err)
	}
	return size, err
}

// TensorByName returns the tensor info for the given name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// TensorData returns the raw payload of t. The slice aliases the file mapping.
func (f *File) TensorData(t TensorInfo) ([]byte, error) {
	if f.Data == nil {
		return nil, fmt.Errorf("tensor %s: file closed", t.Name)
	}
	size, err := t.Size()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	off := f.DataOffset + t.Offset
	if off+uint64(size) > uint64(len(f.Data)) {
		return nil, fmt.Errorf("%w: tensor %s: unexpected EOF", ErrCorruptFile, t.Name)
	}
	return f.Data[off : off+uint64(size)], nil
}

// TensorFloat32 loads t and converts it to float32, dequantizing codec payloads.
func (f *File) TensorFloat32(t TensorInfo) ([]float32, error) {
	raw, err := f.TensorData(t)
	if err != nil {
		return nil, err
	}
	out, err := ToFloat32(t.Type, raw, t.Elements())
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return out, nil
}

// ToFloat32 converts n elements of type typ to float32.
func ToFloat32(typ TensorType, raw []byte, n int) ([]float32, error) {
	if c, ok := typ.Codec(); ok {
		return quant.Decode(c, raw, n)
	}
	size, err := typ.RowSize(n)
	if err != nil {
		return nil, err
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%s: have %d bytes, want %d", typ, len(raw), size)
	}
	out := make([]float32, n)
	switch typ {
	case GGMLTypeBF16:
		for i := range out {
			out[i] = quant.BF16ToF32(raw[i*2:])
		}
	case GGMLTypeF64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case GGMLTypeI8:
		for i := range out {
			out[i] = float32(int8(raw[i]))
		}
	case GGMLTypeI16:
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case GGMLTypeI32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case GGMLTypeI64:
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
	return out, nil
}

// Names returns tensor names in file order.
func (f *File) Names() []string {
	out := make([]string, len(f.Tensors))
	for i, t := range f.Tensors {
		out[i] = t.Name
	}
	return out
}

// dimsOf converts a row-major shape to on-disk dims.
func dimsOf(shape []int) []uint64 {
	if len(shape) == 0 {
		return []uint64{1}
	}
	dims := make([]uint64, len(shape))
	for i, d := range shape {
		dims[len(shape)-1-i] = uint64(d)
	}
	return dims
}
