package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/samcharles93/ggufq/pkg/quant"
)

const writerBufSize = 1 << 20 // 1 MiB

// Writer produces a GGUF container at a destination path.
//
// Create opens a temporary file next to the destination straight away, so path
// problems surface before any work is done. Nothing appears at the destination
// until Commit; Abort removes the temporary file.
type Writer struct {
	path   string
	f      *os.File
	closed bool
}

// Create opens a temporary file in the directory of path.
func Create(path string) (*Writer, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if base == "" {
		return nil, fmt.Errorf("gguf: invalid output path %q", path)
	}
	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, f: f}, nil
}

// Path is the destination path.
func (w *Writer) Path() string { return w.path }

// TempPath is the temporary file that Commit renames onto Path.
func (w *Writer) TempPath() string { return w.f.Name() }

// Write serialises meta and tensors. Tensors are written in the given order with
// each payload aligned to the metadata's general.alignment.
func (w *Writer) Write(meta Metadata, tensors []quant.Tensor) (int64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if err := validateTensors(tensors); err != nil {
		return 0, err
	}
	if err := meta.CheckAlignment(); err != nil {
		return 0, err
	}
	alignment := meta.Alignment()

	offsets := make([]uint64, len(tensors))
	var next uint64
	for i, t := range tensors {
		offsets[i] = next
		next = align(next+uint64(len(t.Data)), alignment)
	}

	bw := bufio.NewWriterSize(w.f, writerBufSize)
	e := &encoder{w: bw}
	e.raw([]byte(magicGGUF))
	e.u32(Version)
	e.u64(uint64(len(tensors)))
	e.u64(uint64(len(meta)))
	for _, kv := range meta {
		e.str(kv.Key)
		e.u32(uint32(kv.Value.Type))
		e.value(kv.Key, kv.Value.Type, kv.Value.Value)
	}
	for i, t := range tensors {
		dims := dimsOf(t.Shape)
		e.str(t.Name)
		e.u32(uint32(len(dims)))
		for _, d := range dims {
			e.u64(d)
		}
		e.u32(uint32(t.Codec))
		e.u64(offsets[i])
	}
	e.pad(alignment)

	start := e.n
	for i, t := range tensors {
		e.pad(alignment)
		if uint64(e.n-start) != offsets[i] && e.err == nil {
			e.err = fmt.Errorf("gguf: tensor %s written at %d, expected %d", t.Name, e.n-start, offsets[i])
		}
		e.raw(t.Data)
	}
	if e.err != nil {
		return e.n, e.err
	}
	if err := bw.Flush(); err != nil {
		return e.n, err
	}
	return e.n, nil
}

func validateTensors(tensors []quant.Tensor) error {
	seen := make(map[string]struct{}, len(tensors))
	for _, t := range tensors {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTensor, t.Name)
		}
		seen[t.Name] = struct{}{}
		if !t.Codec.Valid() {
			return fmt.Errorf("tensor %s: %w", t.Name, quant.ErrUnknownCodec)
		}
		if bs := t.Codec.BlockSize(); bs > 1 && (len(t.Shape) == 0 || t.Shape[len(t.Shape)-1]%bs != 0) {
			return fmt.Errorf("tensor %s: shape %v not divisible by %s block size %d", t.Name, t.Shape, t.Codec, bs)
		}
		want, err := t.Codec.RowSize(t.Elements())
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if len(t.Data) != want {
			return fmt.Errorf("tensor %s: %s payload is %d bytes, want %d", t.Name, t.Codec, len(t.Data), want)
		}
	}
	return nil
}

// Commit flushes the temporary file to disk and renames it onto the destination.
func (w *Writer) Commit() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	err := errors.Join(w.f.Chmod(0o644), w.f.Sync())
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.f.Name(), w.path)
	}
	if err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	return nil
}

// Abort discards the temporary file. It is a no-op after Commit.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// encoder writes little-endian primitives and remembers the first error.
type encoder struct {
	w   io.Writer
	n   int64
	err error
	pb  [8]byte
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(b)
	e.n += int64(n)
	e.err = err
}

func (e *encoder) u8(v uint8) { e.raw([]byte{v}) }

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.pb[:2], v)
	e.raw(e.pb[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.pb[:4], v)
	e.raw(e.pb[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.pb[:8], v)
	e.raw(e.pb[:8])
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.raw([]byte(s))
}

var zeros [256]byte

func (e *encoder) pad(alignment uint64) {
	n := align(uint64(e.n), alignment) - uint64(e.n)
	for n > 0 {
		k := min(n, uint64(len(zeros)))
		e.raw(zeros[:k])
		n -= k
	}
}

func (e *encoder) value(key string, vt ValueType, v any) {
	if e.err != nil {
		return
	}
	ok := true
	switch vt {
	case TypeUint8:
		var x uint8
		if x, ok = v.(uint8); ok {
			e.u8(x)
		}
	case TypeInt8:
		var x int8
		if x, ok = v.(int8); ok {
			e.u8(uint8(x))
		}
	case TypeUint16:
		var x uint16
		if x, ok = v.(uint16); ok {
			e.u16(x)
		}
	case TypeInt16:
		var x int16
		if x, ok = v.(int16); ok {
			e.u16(uint16(x))
		}
	case TypeUint32:
		var x uint32
		if x, ok = v.(uint32); ok {
			e.u32(x)
		}
	case TypeInt32:
		var x int32
		if x, ok = v.(int32); ok {
			e.u32(uint32(x))
		}
	case TypeUint64:
		var x uint64
		if x, ok = v.(uint64); ok {
			e.u64(x)
		}
	case TypeInt64:
		var x int64
		if x, ok = v.(int64); ok {
			e.u64(uint64(x))
		}
	case TypeFloat32:
		var x float32
		if x, ok = v.(float32); ok {
			e.u32(math.Float32bits(x))
		}
	case TypeFloat64:
		var x float64
		if x, ok = v.(float64); ok {
			e.u64(math.Float64bits(x))
		}
	case TypeBool:
		var x bool
		if x, ok = v.(bool); ok {
			var b uint8
			if x {
				b = 1
			}
			e.u8(b)
		}
	case TypeString:
		var x string
		if x, ok = v.(string); ok {
			e.str(x)
		}
	case TypeArray:
		var arr ArrayValue
		if arr, ok = v.(ArrayValue); ok {
			e.u32(uint32(arr.ElemType))
			e.u64(uint64(len(arr.Values)))
			for _, item := range arr.Values {
				e.value(key, arr.ElemType, item)
			}
		}
	default:
		e.err = fmt.Errorf("gguf: metadata %s: unsupported value type %d", key, uint32(vt))
		return
	}
	if !ok && e.err == nil {
		e.err = fmt.Errorf("gguf: metadata %s: %T does not match declared type %s", key, v, vt)
	}
}
