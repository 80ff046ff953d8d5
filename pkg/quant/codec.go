// Package quant implements the block codecs used for GGUF tensor payloads.
//
// Codec identifiers share their numeric values with the GGML tensor types, so a
// Codec can be written straight into a GGUF tensor info record.
package quant

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Codec identifies a tensor encoding.
type Codec uint32

const (
	F32  Codec = 0
	F16  Codec = 1
	Q4_0 Codec = 2
	Q4_1 Codec = 3
	Q5_0 Codec = 6
	Q5_1 Codec = 7
	Q8_0 Codec = 8
	Q8_1 Codec = 9
	Q2_K Codec = 10
	Q3_K Codec = 11
	Q4_K Codec = 12
	Q5_K Codec = 13
	Q6_K Codec = 14
	Q8_K Codec = 15
)

const (
	// QK is the block size shared by the legacy codecs.
	QK = 32
	// QK_K is the super-block size shared by the k-family codecs.
	QK_K = 256
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrEncode       = errors.New("encode failed")
	ErrDecode       = errors.New("decode failed")
	ErrShape        = errors.New("invalid tensor shape")
)

type encodeFunc func(dst []byte, src []float32)
type decodeFunc func(dst []float32, src []byte)

type traits struct {
	name      string
	blockSize int
	typeSize  int
	encode    encodeFunc
	decode    decodeFunc
}

// registry is indexed by Codec and never mutated after init.
var registry [Q8_K + 1]*traits

func init() {
	for c, t := range map[Codec]*traits{
		F32:  {"f32", 1, 4, encodeF32, decodeF32},
		F16:  {"f16", 1, 2, encodeF16, decodeF16},
		Q4_0: {"q4_0", QK, 2 + QK/2, encodeQ4_0, decodeQ4_0},
		Q4_1: {"q4_1", QK, 4 + QK/2, encodeQ4_1, decodeQ4_1},
		Q5_0: {"q5_0", QK, 2 + 4 + QK/2, encodeQ5_0, decodeQ5_0},
		Q5_1: {"q5_1", QK, 4 + 4 + QK/2, encodeQ5_1, decodeQ5_1},
		Q8_0: {"q8_0", QK, 2 + QK, encodeQ8_0, decodeQ8_0},
		Q8_1: {"q8_1", QK, 4 + QK, encodeQ8_1, decodeQ8_1},
		Q2_K: {"q2k", QK_K, q2kBlockSize, encodeQ2K, decodeQ2K},
		Q3_K: {"q3k", QK_K, q3kBlockSize, encodeQ3K, decodeQ3K},
		Q4_K: {"q4k", QK_K, q4kBlockSize, encodeQ4K, decodeQ4K},
		Q5_K: {"q5k", QK_K, q5kBlockSize, encodeQ5K, decodeQ5K},
		Q6_K: {"q6k", QK_K, q6kBlockSize, encodeQ6K, decodeQ6K},
		Q8_K: {"q8k", QK_K, q8kBlockSize, encodeQ8K, decodeQ8K},
	} {
		registry[c] = t
	}
}

func lookup(c Codec) (*traits, bool) {
	if int(c) >= len(registry) || registry[c] == nil {
		return nil, false
	}
	return registry[c], true
}

// Codecs returns every registered codec in ascending identifier order.
func Codecs() []Codec {
	out := make([]Codec, 0, 14)
	for c, t := range registry {
		if t != nil {
			out = append(out, Codec(c))
		}
	}
	return out
}

// Valid reports whether c is a registered codec.
func (c Codec) Valid() bool {
	_, ok := lookup(c)
	return ok
}

func (c Codec) String() string {
	if t, ok := lookup(c); ok {
		return t.name
	}
	return fmt.Sprintf("codec(%d)", uint32(c))
}

// BlockSize is the number of consecutive elements encoded as one unit.
func (c Codec) BlockSize() int {
	if t, ok := lookup(c); ok {
		return t.blockSize
	}
	return 0
}

// TypeSize is the number of bytes a single block occupies.
func (c Codec) TypeSize() int {
	if t, ok := lookup(c); ok {
		return t.typeSize
	}
	return 0
}

// IsBlock reports whether c packs more than one element per block.
func (c Codec) IsBlock() bool { return c.BlockSize() > 1 }

// RowSize returns the encoded size in bytes of n elements.
func (c Codec) RowSize(n int) (int, error) {
	t, ok := lookup(c)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCodec, uint32(c))
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s: negative element count %d", ErrShape, t.name, n)
	}
	if n%t.blockSize != 0 {
		return 0, fmt.Errorf("%s: %d elements not a multiple of block size %d", t.name, n, t.blockSize)
	}
	blocks := n / t.blockSize
	if blocks > math.MaxInt/t.typeSize {
		return 0, fmt.Errorf("%w: %s: %d elements overflow", ErrShape, t.name, n)
	}
	return blocks * t.typeSize, nil
}

// ParseCodec resolves a codec name. Both "q4k" and "q4_k" spellings are accepted.
func ParseCodec(s string) (Codec, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for c, t := range registry {
		if t == nil {
			continue
		}
		if key == t.name || key == strings.Replace(t.name, "k", "_k", 1) {
			return Codec(c), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
}

// Names returns the canonical codec names, useful for flag help text.
func Names() []string {
	codecs := Codecs()
	out := make([]string, len(codecs))
	for i, c := range codecs {
		out[i] = c.String()
	}
	return out
}
