// Package gguf reads and writes GGUF v3 model containers.
package gguf

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	magicGGUF = "GGUF"

	// Version is the container version written by Writer.
	Version uint32 = 3

	KeyAlignment     = "general.alignment"
	DefaultAlignment = 32
	MaxAlignment     = 1 << 20
)

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// File is an opened GGUF container. Tensor payloads are sliced from Data on demand
// and stay valid until Close.
type File struct {
	Path       string
	Header     Header
	Metadata   Metadata
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
	Data       []byte

	mapped bool
	index  map[string]int
}

// Open maps path read-only and parses the header, metadata and tensor infos.
func Open(path string) (*File, error) {
	data, mapped, err := load(path)
	if err != nil {
		return nil, err
	}
	f, err := parse(data)
	if err != nil {
		if mapped {
			_ = unix.Munmap(data)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	f.mapped = mapped
	return f, nil
}

func load(path string) ([]byte, bool, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = fd.Close() }()

	st, err := fd.Stat()
	if err != nil {
		return nil, false, err
	}
	size := st.Size()
	if size == 0 {
		return nil, false, fmt.Errorf("%s: %w: empty file", path, ErrCorruptFile)
	}
	// The mapping outlives the descriptor.
	if data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		return data, true, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(fd, data); err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func parse(data []byte) (*File, error) {
	d := &decoder{buf: data}

	magic, err := d.next(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != magicGGUF {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, string(magic))
	}
	version, err := d.u32()
	if err != nil {
		return nil, err
	}
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	tensorCount, err := d.u64()
	if err != nil {
		return nil, err
	}
	kvCount, err := d.u64()
	if err != nil {
		return nil, err
	}
	if kvCount > uint64(d.remaining()) || tensorCount > uint64(d.remaining()) {
		return nil, fmt.Errorf("%w: counts exceed file size", ErrCorruptFile)
	}

	meta := make(Metadata, 0, kvCount)
	for i := range kvCount {
		key, err := d.str()
		if err != nil {
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}
		vt, err := d.u32()
		if err != nil {
			return nil, fmt.Errorf("read value type for %s: %w", key, err)
		}
		val, err := d.value(ValueType(vt))
		if err != nil {
			return nil, fmt.Errorf("read value for %s: %w", key, err)
		}
		meta = append(meta, KV{Key: key, Value: Value{Type: ValueType(vt), Value: val}})
	}
	if err := meta.CheckAlignment(); err != nil {
		return nil, err
	}

	tensors := make([]TensorInfo, 0, tensorCount)
	index := make(map[string]int, tensorCount)
	for i := range tensorCount {
		info, err := readTensorInfo(d)
		if err != nil {
			return nil, fmt.Errorf("read tensor info %d: %w", i, err)
		}
		if _, dup := index[info.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTensor, info.Name)
		}
		index[info.Name] = len(tensors)
		tensors = append(tensors, info)
	}

	alignment := meta.Alignment()
	dataOffset := align(uint64(d.off), alignment)

	for _, t := range tensors {
		size, err := t.Size()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		end := dataOffset + t.Offset + uint64(size)
		if end < dataOffset || end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: tensor %s data [%d, %d) past end of file", ErrCorruptFile, t.Name, dataOffset+t.Offset, end)
		}
	}

	return &File{
		Header:     Header{Version: version, TensorCount: tensorCount, KVCount: kvCount},
		Metadata:   meta,
		Tensors:    tensors,
		Alignment:  alignment,
		DataOffset: dataOffset,
		Data:       data,
		index:      index,
	}, nil
}

func readTensorInfo(d *decoder) (TensorInfo, error) {
	name, err := d.str()
	if err != nil {
		return TensorInfo{}, err
	}
	nDim, err := d.u32()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if nDim > 8 {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s has %d dims", ErrCorruptFile, name, nDim)
	}
	dims := make([]uint64, nDim)
	for i := range dims {
		if dims[i], err = d.u64(); err != nil {
			return TensorInfo{}, fmt.Errorf("tensor %s dim %d: %w", name, i, err)
		}
	}
	typ, err := d.u32()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	offset, err := d.u64()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return TensorInfo{Name: name, Dims: dims, Type: TensorType(typ), Offset: offset}, nil
}

// Close releases the file mapping. Slices returned by TensorData become invalid.
func (f *File) Close() error {
	if f.Data == nil {
		return nil
	}
	data := f.Data
	f.Data = nil
	if f.mapped {
		return unix.Munmap(data)
	}
	return nil
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	if rem := offset % alignment; rem != 0 {
		return offset + (alignment - rem)
	}
	return offset
}

// IsFormatError reports whether err describes malformed GGUF contents.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrCorruptFile) ||
		errors.Is(err, ErrUnsupportedType) ||
		errors.Is(err, ErrDuplicateTensor)
}
