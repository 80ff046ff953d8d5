// Package source loads model files into a uniform, lazily read tensor set.
package source

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/samcharles93/ggufq/internal/gguf"
	"github.com/samcharles93/ggufq/internal/npz"
	"github.com/samcharles93/ggufq/internal/safetensors"
	"github.com/samcharles93/ggufq/pkg/quant"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

// Tensor is a named tensor whose bytes are read on demand. It is safe for
// concurrent use.
type Tensor struct {
	name   string
	shape  []int
	dtype  string
	typ    gguf.TensorType
	typed  bool
	origin string
	raw    func() ([]byte, error)
	f32    func() ([]float32, error)
}

func (t *Tensor) Name() string { return t.name }

// Shape is row-major; the last entry is the innermost dimension.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// DType is the element type as named by the source format.
func (t *Tensor) DType() string { return t.dtype }

// Origin is the file the tensor was read from.
func (t *Tensor) Origin() string { return t.origin }

// Type reports the GGUF tensor type matching the source element type, if any.
func (t *Tensor) Type() (gguf.TensorType, bool) { return t.typ, t.typed }

// Codec reports the codec the source bytes are already encoded with, if any.
func (t *Tensor) Codec() (quant.Codec, bool) {
	if !t.typed {
		return 0, false
	}
	return t.typ.Codec()
}

// Bytes returns the raw source payload.
func (t *Tensor) Bytes() ([]byte, error) { return t.raw() }

// Float32 returns the tensor decoded to float32.
func (t *Tensor) Float32() ([]float32, error) { return t.f32() }

// Set is a loaded source: metadata plus tensors in a stable order.
type Set struct {
	Format   Format
	Metadata gguf.Metadata
	Tensors  []*Tensor

	closers []io.Closer
}

func (s *Set) Len() int { return len(s.Tensors) }

func (s *Set) Names() []string {
	out := make([]string, len(s.Tensors))
	for i, t := range s.Tensors {
		out[i] = t.name
	}
	return out
}

func (s *Set) Lookup(name string) (*Tensor, bool) {
	for _, t := range s.Tensors {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}

// Close releases every file held by the set. Tensors must not be read afterwards.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Load opens a single container file.
func Load(path string, format Format) (*Set, error) {
	switch format {
	case Gguf:
		return loadGGUF(path)
	case Npz:
		return loadNPZ(path)
	case Safetensors:
		return LoadFlat([]string{path})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// LoadFlat opens safetensors files and merges them. When a name appears in more
// than one file the later file wins. Tensors are ordered by name.
func LoadFlat(paths []string) (*Set, error) {
	set := &Set{Format: Safetensors}
	merged := make(map[string]*Tensor)
	for _, path := range paths {
		f, err := safetensors.Open(path)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.closers = append(set.closers, f)
		for _, name := range f.Names() {
			info, _ := f.Tensor(name)
			if !safetensors.Supported(info.DType) {
				_ = set.Close()
				return nil, fmt.Errorf("%s: tensor %s: %w: %s", path, name, safetensors.ErrUnsupportedDType, info.DType)
			}
			merged[name] = safetensorsTensor(f, name, info)
		}
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		set.Tensors = append(set.Tensors, merged[name])
	}
	return set, nil
}

var safetensorsTypes = map[string]gguf.TensorType{
	"F64":  gguf.GGMLTypeF64,
	"F32":  gguf.GGMLTypeF32,
	"F16":  gguf.GGMLTypeF16,
	"BF16": gguf.GGMLTypeBF16,
	"I64":  gguf.GGMLTypeI64,
	"I32":  gguf.GGMLTypeI32,
	"I16":  gguf.GGMLTypeI16,
	"I8":   gguf.GGMLTypeI8,
}

func safetensorsTensor(f *safetensors.File, name string, info safetensors.TensorInfo) *Tensor {
	typ, typed := safetensorsTypes[info.DType]
	return &Tensor{
		name:   name,
		shape:  info.Shape,
		dtype:  info.DType,
		typ:    typ,
		typed:  typed,
		origin: f.Path,
		raw: func() ([]byte, error) {
			b, _, err := f.ReadTensor(name)
			return b, err
		},
		f32: func() ([]float32, error) {
			v, _, err := f.ReadTensorF32(name)
			return v, err
		},
	}
}

func loadGGUF(path string) (*Set, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	set := &Set{Format: Gguf, Metadata: f.Metadata, closers: []io.Closer{f}}
	for _, info := range f.Tensors {
		set.Tensors = append(set.Tensors, &Tensor{
			name:   info.Name,
			shape:  info.Shape(),
			dtype:  info.Type.String(),
			typ:    info.Type,
			typed:  true,
			origin: path,
			raw:    func() ([]byte, error) { return f.TensorData(info) },
			f32:    func() ([]float32, error) { return f.TensorFloat32(info) },
		})
	}
	return set, nil
}

func loadNPZ(path string) (*Set, error) {
	f, err := npz.Open(path)
	if err != nil {
		return nil, err
	}
	set := &Set{Format: Npz, closers: []io.Closer{f}}
	for _, arr := range f.Arrays {
		typ, typed := safetensorsTypes[arr.DType]
		set.Tensors = append(set.Tensors, &Tensor{
			name:   arr.Name,
			shape:  arr.Shape,
			dtype:  arr.DType,
			typ:    typ,
			typed:  typed,
			origin: path,
			raw: func() ([]byte, error) {
				b, _, err := f.Read(arr.Name)
				return b, err
			},
			f32: func() ([]float32, error) {
				b, _, err := f.Read(arr.Name)
				if err != nil {
					return nil, err
				}
				v, err := safetensors.DecodeF32(arr.DType, arr.Shape, b)
				if err != nil {
					return nil, fmt.Errorf("array %s: %w", arr.Name, err)
				}
				return v, nil
			},
		})
	}
	return set, nil
}
