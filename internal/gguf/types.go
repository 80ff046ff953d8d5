package gguf

import (
	"fmt"
	"math"

	"github.com/samcharles93/ggufq/pkg/quant"
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypeNames = [...]string{
	TypeUint8:   "u8",
	TypeInt8:    "i8",
	TypeUint16:  "u16",
	TypeInt16:   "i16",
	TypeUint32:  "u32",
	TypeInt32:   "i32",
	TypeFloat32: "f32",
	TypeBool:    "bool",
	TypeString:  "string",
	TypeArray:   "array",
	TypeUint64:  "u64",
	TypeInt64:   "i64",
	TypeFloat64: "f64",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// TensorType is the element type recorded in a tensor info. The values that
// overlap quant.Codec share the same numeric identifier.
type TensorType uint32

const (
	GGMLTypeF32  = TensorType(quant.F32)
	GGMLTypeF16  = TensorType(quant.F16)
	GGMLTypeQ4_0 = TensorType(quant.Q4_0)
	GGMLTypeQ4_1 = TensorType(quant.Q4_1)
	GGMLTypeQ5_0 = TensorType(quant.Q5_0)
	GGMLTypeQ5_1 = TensorType(quant.Q5_1)
	GGMLTypeQ8_0 = TensorType(quant.Q8_0)
	GGMLTypeQ8_1 = TensorType(quant.Q8_1)
	GGMLTypeQ2_K = TensorType(quant.Q2_K)
	GGMLTypeQ3_K = TensorType(quant.Q3_K)
	GGMLTypeQ4_K = TensorType(quant.Q4_K)
	GGMLTypeQ5_K = TensorType(quant.Q5_K)
	GGMLTypeQ6_K = TensorType(quant.Q6_K)
	GGMLTypeQ8_K = TensorType(quant.Q8_K)

	GGMLTypeI8   TensorType = 24
	GGMLTypeI16  TensorType = 25
	GGMLTypeI32  TensorType = 26
	GGMLTypeI64  TensorType = 27
	GGMLTypeF64  TensorType = 28
	GGMLTypeBF16 TensorType = 30
)

// plainSizes holds element sizes for the types that are not codecs.
var plainSizes = map[TensorType]int{
	GGMLTypeI8:   1,
	GGMLTypeI16:  2,
	GGMLTypeI32:  4,
	GGMLTypeI64:  8,
	GGMLTypeF64:  8,
	GGMLTypeBF16: 2,
}

var plainNames = map[TensorType]string{
	GGMLTypeI8:   "I8",
	GGMLTypeI16:  "I16",
	GGMLTypeI32:  "I32",
	GGMLTypeI64:  "I64",
	GGMLTypeF64:  "F64",
	GGMLTypeBF16: "BF16",
}

// Codec reports the codec backing t, if any.
func (t TensorType) Codec() (quant.Codec, bool) {
	c := quant.Codec(t)
	return c, c.Valid()
}

// Known reports whether the size of t is known.
func (t TensorType) Known() bool {
	if _, ok := t.Codec(); ok {
		return true
	}
	_, ok := plainSizes[t]
	return ok
}

func (t TensorType) String() string {
	if c, ok := t.Codec(); ok {
		return codecTypeName(c)
	}
	if s, ok := plainNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// BlockSize is the number of elements per storage block.
func (t TensorType) BlockSize() int {
	if c, ok := t.Codec(); ok {
		return c.BlockSize()
	}
	return 1
}

// RowSize returns the byte size of n elements of type t.
func (t TensorType) RowSize(n int) (int, error) {
	if c, ok := t.Codec(); ok {
		return c.RowSize(n)
	}
	if sz, ok := plainSizes[t]; ok {
		if n < 0 || n > math.MaxInt/sz {
			return 0, fmt.Errorf("%w: %w: %d elements of %s", ErrCorruptFile, quant.ErrShape, n, t)
		}
		return n * sz, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

func codecTypeName(c quant.Codec) string {
	switch c {
	case quant.Q2_K, quant.Q3_K, quant.Q4_K, quant.Q5_K, quant.Q6_K, quant.Q8_K:
		s := c.String()
		return "Q" + s[1:2] + "_K"
	default:
		b := []byte(c.String())
		for i := range b {
			if b[i] >= 'a' && b[i] <= 'z' {
				b[i] -= 'a' - 'A'
			}
		}
		return string(b)
	}
}
