package quant

import (
	"fmt"
	"math"
)

// Tensor is an encoded tensor ready to be written to a container.
type Tensor struct {
	Name  string
	Codec Codec
	// Shape is row-major: the last entry is the innermost dimension.
	Shape []int
	Data  []byte
}

// BlockSize is the block size of the tensor's codec.
func (t Tensor) BlockSize() int { return t.Codec.BlockSize() }

// Elements returns the number of elements described by Shape.
func (t Tensor) Elements() int { return Elements(t.Shape) }

// Elements returns the product of shape, or 1 for a scalar. It returns -1 when
// a dimension is negative or the product overflows int.
func Elements(shape []int) int {
	n, err := CheckedElements(shape)
	if err != nil {
		return -1
	}
	return n
}

// CheckedElements is Elements with an error for invalid shapes.
func CheckedElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		if d > 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: %v overflows the element count", ErrShape, shape)
		}
		n *= d
	}
	return n, nil
}

// Encode packs src with codec c. len(src) must be a multiple of the codec's block
// size, and block codecs reject non-finite input.
func Encode(c Codec, src []float32) ([]byte, error) {
	t, ok := lookup(c)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %d", ErrEncode, ErrUnknownCodec, uint32(c))
	}
	size, err := c.RowSize(len(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if t.blockSize > 1 {
		for i, v := range src {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("%w: %s: non-finite value at element %d", ErrEncode, t.name, i)
			}
		}
	}
	dst := make([]byte, size)
	t.encode(dst, src)
	return dst, nil
}

// Decode unpacks n elements encoded with codec c.
func Decode(c Codec, data []byte, n int) ([]float32, error) {
	t, ok := lookup(c)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %d", ErrDecode, ErrUnknownCodec, uint32(c))
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %w: negative element count %d", ErrDecode, ErrShape, n)
	}
	size, err := c.RowSize(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: %s: have %d bytes, want %d for %d elements", ErrDecode, t.name, len(data), size, n)
	}
	dst := make([]float32, n)
	t.decode(dst, data)
	return dst, nil
}

// blocks runs fn for each block of a codec over dst and src.
func blocks(dst []byte, src []float32, bs, ts int, fn func(y []byte, x []float32)) {
	nb := len(src) / bs
	for i := range nb {
		fn(dst[i*ts:(i+1)*ts], src[i*bs:(i+1)*bs])
	}
}

func unblocks(dst []float32, src []byte, bs, ts int, fn func(y []float32, x []byte)) {
	nb := len(dst) / bs
	for i := range nb {
		fn(dst[i*bs:(i+1)*bs], src[i*ts:(i+1)*ts])
	}
}
