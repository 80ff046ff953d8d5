package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// decoder reads little-endian primitives from an in-memory (usually mapped) file.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, file is %d bytes", ErrCorruptFile, n, d.off, len(d.buf))
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) u8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	if n > uint64(d.remaining()) {
		return "", fmt.Errorf("%w: string length %d exceeds file", ErrCorruptFile, n)
	}
	b, err := d.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) value(vt ValueType) (any, error) {
	switch vt {
	case TypeUint8:
		return d.u8()
	case TypeInt8:
		v, err := d.u8()
		return int8(v), err
	case TypeUint16:
		return d.u16()
	case TypeInt16:
		v, err := d.u16()
		return int16(v), err
	case TypeUint32:
		return d.u32()
	case TypeInt32:
		v, err := d.u32()
		return int32(v), err
	case TypeUint64:
		return d.u64()
	case TypeInt64:
		v, err := d.u64()
		return int64(v), err
	case TypeFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case TypeFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case TypeBool:
		v, err := d.u8()
		return v != 0, err
	case TypeString:
		return d.str()
	case TypeArray:
		et, err := d.u32()
		if err != nil {
			return nil, err
		}
		count, err := d.u64()
		if err != nil {
			return nil, err
		}
		// every element occupies at least one byte
		if count > uint64(d.remaining()) {
			return nil, fmt.Errorf("%w: array of %d elements exceeds file", ErrCorruptFile, count)
		}
		values := make([]any, 0, count)
		for range count {
			v, err := d.value(ValueType(et))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return ArrayValue{ElemType: ValueType(et), Values: values}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %d", ErrCorruptFile, uint32(vt))
	}
}
