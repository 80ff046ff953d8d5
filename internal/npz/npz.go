// Package npz reads numpy .npz archives: zip files whose members are .npy arrays.
package npz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	ErrCorruptArchive   = errors.New("corrupt npz archive")
	ErrUnsupportedDType = errors.New("unsupported npy dtype")
)

const npyMagic = "\x93NUMPY"

// dtypes maps npy type codes, without byte order, to safetensors-style names.
var dtypes = map[string]struct {
	name string
	size int
}{
	"f2": {"F16", 2},
	"f4": {"F32", 4},
	"f8": {"F64", 8},
	"i1": {"I8", 1},
	"i2": {"I16", 2},
	"i4": {"I32", 4},
	"i8": {"I64", 8},
	"u1": {"U8", 1},
	"b1": {"BOOL", 1},
}

// Array describes one member of the archive.
type Array struct {
	Name  string
	DType string
	Shape []int

	file       *zip.File
	dataOffset int64
	size       int64
}

func (a Array) Size() int64 { return a.size }

// File is an open archive. Arrays keeps the archive's member order.
type File struct {
	Path   string
	Arrays []Array

	zr    *zip.ReadCloser
	index map[string]int
}

// Open reads the archive directory and every member's npy header.
func Open(path string) (*File, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			return nil, fmt.Errorf("%s: %w: %w", path, ErrCorruptArchive, err)
		}
		return nil, err
	}
	f := &File{Path: path, zr: zr, index: make(map[string]int, len(zr.File))}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		arr, err := readHeader(zf)
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("%s: %s: %w", path, zf.Name, err)
		}
		if _, dup := f.index[arr.Name]; dup {
			_ = zr.Close()
			return nil, fmt.Errorf("%s: %w: duplicate array %q", path, ErrCorruptArchive, arr.Name)
		}
		f.index[arr.Name] = len(f.Arrays)
		f.Arrays = append(f.Arrays, arr)
	}
	return f, nil
}

func (f *File) Close() error {
	if f.zr == nil {
		return nil
	}
	err := f.zr.Close()
	f.zr = nil
	return err
}

func (f *File) Array(name string) (Array, bool) {
	i, ok := f.index[name]
	if !ok {
		return Array{}, false
	}
	return f.Arrays[i], true
}

// Read returns the raw little-endian payload of the named array.
func (f *File) Read(name string) ([]byte, Array, error) {
	arr, ok := f.Array(name)
	if !ok {
		return nil, Array{}, fmt.Errorf("array not found: %s", name)
	}
	if f.zr == nil {
		return nil, Array{}, fmt.Errorf("array %s: archive closed", name)
	}
	rc, err := arr.file.Open()
	if err != nil {
		return nil, Array{}, fmt.Errorf("array %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.CopyN(io.Discard, rc, arr.dataOffset); err != nil {
		return nil, Array{}, fmt.Errorf("array %s: %w", name, err)
	}
	buf := make([]byte, arr.size)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, Array{}, fmt.Errorf("%w: array %s: %w", ErrCorruptArchive, name, err)
	}
	return buf, arr, nil
}

func readHeader(zf *zip.File) (Array, error) {
	rc, err := zf.Open()
	if err != nil {
		return Array{}, err
	}
	defer func() { _ = rc.Close() }()

	var pre [10]byte
	if _, err := io.ReadFull(rc, pre[:8]); err != nil {
		return Array{}, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	if string(pre[:6]) != npyMagic {
		return Array{}, fmt.Errorf("%w: not an npy member", ErrCorruptArchive)
	}
	var headerLen, prefix int64
	switch major := pre[6]; major {
	case 1:
		if _, err := io.ReadFull(rc, pre[8:10]); err != nil {
			return Array{}, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}
		headerLen, prefix = int64(binary.LittleEndian.Uint16(pre[8:10])), 10
	case 2, 3:
		var l [4]byte
		if _, err := io.ReadFull(rc, l[:]); err != nil {
			return Array{}, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}
		headerLen, prefix = int64(binary.LittleEndian.Uint32(l[:])), 12
	default:
		return Array{}, fmt.Errorf("%w: npy version %d", ErrCorruptArchive, major)
	}
	if headerLen > 1<<20 {
		return Array{}, fmt.Errorf("%w: npy header of %d bytes", ErrCorruptArchive, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(rc, header); err != nil {
		return Array{}, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}

	h, err := parseHeader(string(header))
	if err != nil {
		return Array{}, err
	}
	dt, ok := dtypes[h.code]
	if !ok {
		return Array{}, fmt.Errorf("%w: %s", ErrUnsupportedDType, h.descr)
	}
	if h.fortran {
		return Array{}, fmt.Errorf("%w: fortran order arrays are not supported", ErrUnsupportedDType)
	}
	n := int64(1)
	for _, d := range h.shape {
		n *= int64(d)
	}
	size := n * int64(dt.size)
	dataOffset := prefix + headerLen
	if uint64(dataOffset+size) > zf.UncompressedSize64 {
		return Array{}, fmt.Errorf("%w: member holds %d bytes, header needs %d", ErrCorruptArchive, zf.UncompressedSize64, dataOffset+size)
	}
	return Array{
		Name:       strings.TrimSuffix(zf.Name, ".npy"),
		DType:      dt.name,
		Shape:      h.shape,
		file:       zf,
		dataOffset: dataOffset,
		size:       size,
	}, nil
}

type npyHeader struct {
	descr   string
	code    string
	fortran bool
	shape   []int
}

// parseHeader reads the python dict literal of an npy header, e.g.
// {'descr': '<f4', 'fortran_order': False, 'shape': (2, 3), }
func parseHeader(s string) (npyHeader, error) {
	var h npyHeader
	descr, ok := dictValue(s, "descr")
	if !ok {
		return h, fmt.Errorf("%w: header missing descr", ErrCorruptArchive)
	}
	h.descr = strings.Trim(descr, `'"`)
	code := h.descr
	if len(code) > 0 {
		switch code[0] {
		case '<', '|', '=':
			code = code[1:]
		case '>':
			return h, fmt.Errorf("%w: big-endian %s", ErrUnsupportedDType, h.descr)
		}
	}
	h.code = code

	fortran, ok := dictValue(s, "fortran_order")
	if !ok {
		return h, fmt.Errorf("%w: header missing fortran_order", ErrCorruptArchive)
	}
	h.fortran = fortran == "True"

	shape, ok := dictValue(s, "shape")
	if !ok || !strings.HasPrefix(shape, "(") || !strings.HasSuffix(shape, ")") {
		return h, fmt.Errorf("%w: header missing shape", ErrCorruptArchive)
	}
	h.shape = []int{}
	for _, part := range strings.Split(shape[1:len(shape)-1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || d < 0 {
			return h, fmt.Errorf("%w: bad shape %s", ErrCorruptArchive, shape)
		}
		h.shape = append(h.shape, d)
	}
	return h, nil
}

// dictValue returns the literal following 'key': up to the next top-level comma.
func dictValue(s, key string) (string, bool) {
	i := strings.Index(s, "'"+key+"'")
	if i < 0 {
		i = strings.Index(s, `"`+key+`"`)
	}
	if i < 0 {
		return "", false
	}
	rest := s[i+len(key)+2:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = strings.TrimSpace(rest[colon+1:])
	depth := 0
	for j, r := range rest {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',', '}':
			if depth == 0 {
				return strings.TrimSpace(rest[:j]), true
			}
		}
	}
	return strings.TrimSpace(rest), true
}
