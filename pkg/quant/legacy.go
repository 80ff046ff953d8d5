package quant

import (
	"encoding/binary"
	"math"
)

func absMax(x []float32) (amax, vmax float32) {
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax, vmax = a, v
		}
	}
	return amax, vmax
}

func minMax(x []float32) (lo, hi float32) {
	lo, hi = x[0], x[0]
	for _, v := range x[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func inverse(d float32) float32 {
	if d == 0 {
		return 0
	}
	return 1 / d
}

// Q4_0: fp16 d, 16 bytes of nibbles. x = (q - 8) * d.
func encodeQ4_0(dst []byte, src []float32) {
	blocks(dst, src, QK, 18, func(y []byte, x []float32) {
		_, vmax := absMax(x)
		d := vmax / -8
		id := inverse(d)
		putF16(y, d)
		for j := range QK / 2 {
			q0 := clampInt(int(x[j]*id+8.5), 0, 15)
			q1 := clampInt(int(x[j+QK/2]*id+8.5), 0, 15)
			y[2+j] = byte(q0) | byte(q1)<<4
		}
	})
}

func decodeQ4_0(dst []float32, src []byte) {
	unblocks(dst, src, QK, 18, func(y []float32, x []byte) {
		d := getF16(x)
		for j := range QK / 2 {
			y[j] = float32(int(x[2+j]&0x0F)-8) * d
			y[j+QK/2] = float32(int(x[2+j]>>4)-8) * d
		}
	})
}

// Q4_1: fp16 d, fp16 m, 16 bytes of nibbles. x = q*d + m.
func encodeQ4_1(dst []byte, src []float32) {
	blocks(dst, src, QK, 20, func(y []byte, x []float32) {
		lo, hi := minMax(x)
		d := (hi - lo) / 15
		id := inverse(d)
		putF16(y, d)
		putF16(y[2:], lo)
		for j := range QK / 2 {
			q0 := clampInt(int((x[j]-lo)*id+0.5), 0, 15)
			q1 := clampInt(int((x[j+QK/2]-lo)*id+0.5), 0, 15)
			y[4+j] = byte(q0) | byte(q1)<<4
		}
	})
}

func decodeQ4_1(dst []float32, src []byte) {
	unblocks(dst, src, QK, 20, func(y []float32, x []byte) {
		d, m := getF16(x), getF16(x[2:])
		for j := range QK / 2 {
			y[j] = float32(x[4+j]&0x0F)*d + m
			y[j+QK/2] = float32(x[4+j]>>4)*d + m
		}
	})
}

// Q5_0: fp16 d, u32 of fifth bits, 16 bytes of nibbles. x = (q - 16) * d.
func encodeQ5_0(dst []byte, src []float32) {
	blocks(dst, src, QK, 22, func(y []byte, x []float32) {
		_, vmax := absMax(x)
		d := vmax / -16
		id := inverse(d)
		putF16(y, d)
		var qh uint32
		for j := range QK / 2 {
			q0 := clampInt(int(x[j]*id+16.5), 0, 31)
			q1 := clampInt(int(x[j+QK/2]*id+16.5), 0, 31)
			y[6+j] = byte(q0&0x0F) | byte(q1&0x0F)<<4
			qh |= uint32(q0>>4) << j
			qh |= uint32(q1>>4) << (j + QK/2)
		}
		binary.LittleEndian.PutUint32(y[2:], qh)
	})
}

func decodeQ5_0(dst []float32, src []byte) {
	unblocks(dst, src, QK, 22, func(y []float32, x []byte) {
		d := getF16(x)
		qh := binary.LittleEndian.Uint32(x[2:])
		for j := range QK / 2 {
			h0 := byte((qh>>j)<<4) & 0x10
			h1 := byte(qh>>(j+12)) & 0x10
			y[j] = float32(int(x[6+j]&0x0F|h0)-16) * d
			y[j+QK/2] = float32(int(x[6+j]>>4|h1)-16) * d
		}
	})
}

// Q5_1: fp16 d, fp16 m, u32 of fifth bits, 16 bytes of nibbles. x = q*d + m.
func encodeQ5_1(dst []byte, src []float32) {
	blocks(dst, src, QK, 24, func(y []byte, x []float32) {
		lo, hi := minMax(x)
		d := (hi - lo) / 31
		id := inverse(d)
		putF16(y, d)
		putF16(y[2:], lo)
		var qh uint32
		for j := range QK / 2 {
			q0 := clampInt(int((x[j]-lo)*id+0.5), 0, 31)
			q1 := clampInt(int((x[j+QK/2]-lo)*id+0.5), 0, 31)
			y[8+j] = byte(q0&0x0F) | byte(q1&0x0F)<<4
			qh |= uint32(q0>>4) << j
			qh |= uint32(q1>>4) << (j + QK/2)
		}
		binary.LittleEndian.PutUint32(y[4:], qh)
	})
}

func decodeQ5_1(dst []float32, src []byte) {
	unblocks(dst, src, QK, 24, func(y []float32, x []byte) {
		d, m := getF16(x), getF16(x[2:])
		qh := binary.LittleEndian.Uint32(x[4:])
		for j := range QK / 2 {
			h0 := byte((qh>>j)<<4) & 0x10
			h1 := byte(qh>>(j+12)) & 0x10
			y[j] = float32(x[8+j]&0x0F|h0)*d + m
			y[j+QK/2] = float32(x[8+j]>>4|h1)*d + m
		}
	})
}

// Q8_0: fp16 d, 32 signed bytes. x = q * d.
func encodeQ8_0(dst []byte, src []float32) {
	blocks(dst, src, QK, 34, func(y []byte, x []float32) {
		amax, _ := absMax(x)
		d := amax / 127
		id := inverse(d)
		putF16(y, d)
		for j, v := range x {
			y[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	})
}

func decodeQ8_0(dst []float32, src []byte) {
	unblocks(dst, src, QK, 34, func(y []float32, x []byte) {
		d := getF16(x)
		for j := range y {
			y[j] = float32(int8(x[2+j])) * d
		}
	})
}

// Q8_1: fp16 d, fp16 s = d*sum(q), 32 signed bytes. x = q * d.
func encodeQ8_1(dst []byte, src []float32) {
	blocks(dst, src, QK, 36, func(y []byte, x []float32) {
		amax, _ := absMax(x)
		d := amax / 127
		id := inverse(d)
		sum := 0
		for j, v := range x {
			q := int8(math.Round(float64(v * id)))
			y[4+j] = byte(q)
			sum += int(q)
		}
		putF16(y, d)
		putF16(y[2:], float32(sum)*d)
	})
}

func decodeQ8_1(dst []float32, src []byte) {
	unblocks(dst, src, QK, 36, func(y []float32, x []byte) {
		d := getF16(x)
		for j := range y {
			y[j] = float32(int8(x[4+j])) * d
		}
	})
}
