// Package safetensors reads tensors from .safetensors files.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ggufq/pkg/quant"
)

const maxHeaderSize = 256 << 20 // 256 MiB

var (
	ErrCorruptHeader    = errors.New("corrupt safetensors header")
	ErrUnsupportedDType = errors.New("unsupported safetensors dtype")
)

// dtypeSizes lists the element size of every dtype this package can read.
var dtypeSizes = map[string]int{
	"F64":  8,
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
	"I16":  2,
	"I8":   1,
	"U8":   1,
	"BOOL": 1,
}

// TensorInfo describes a tensor payload. Start and End are relative to the data region.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

func (t TensorInfo) Size() int64 { return t.End - t.Start }

// File is an open safetensors file. ReadAt on the underlying handle is safe for
// concurrent use, so tensors may be read from several goroutines.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo

	f *os.File
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of path and keeps the file open for tensor reads.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parse(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.Path = path
	return sf, nil
}

func parse(f *os.File) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read header length: %w", ErrCorruptHeader, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrCorruptHeader, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrCorruptHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptHeader, err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	dataLen := size - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrCorruptHeader, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptHeader, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > dataLen {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes", ErrCorruptHeader, name, info.Start, info.End, dataLen)
		}
		tensors[name] = info
	}
	return &File{DataStart: dataStart, Tensors: tensors, f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw payload of a tensor.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.f == nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: file closed", name)
	}
	buf := make([]byte, t.Size())
	if _, err := f.f.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a tensor and converts it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(info.DType, info.Shape, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 converts a raw payload of the given dtype and shape to float32.
func DecodeF32(dtype string, shape []int, raw []byte) ([]float32, error) {
	esize, ok := dtypeSizes[dtype]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*esize {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrCorruptHeader, dtype, len(raw), n*esize)
	}
	out := make([]float32, n)
	for i := range out {
		b := raw[i*esize:]
		switch dtype {
		case "F64":
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case "F16":
			out[i] = quant.F16ToF32(b)
		case "BF16":
			out[i] = quant.BF16ToF32(b)
		case "I64":
			out[i] = float32(int64(binary.LittleEndian.Uint64(b)))
		case "I32":
			out[i] = float32(int32(binary.LittleEndian.Uint32(b)))
		case "I16":
			out[i] = float32(int16(binary.LittleEndian.Uint16(b)))
		case "I8":
			out[i] = float32(int8(b[0]))
		case "U8", "BOOL":
			out[i] = float32(b[0])
		}
	}
	return out, nil
}

// Supported reports whether dtype can be decoded.
func Supported(dtype string) bool {
	_, ok := dtypeSizes[dtype]
	return ok
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: invalid dim %d", ErrCorruptHeader, d)
		}
		if d > 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: tensor too large", ErrCorruptHeader)
		}
		n *= d
	}
	return n, nil
}
