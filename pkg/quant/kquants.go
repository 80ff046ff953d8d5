package quant

import (
	"encoding/binary"
	"math"
)

const (
	q2kBlockSize = QK_K/16 + QK_K/4 + 2 + 2
	q3kBlockSize = QK_K/8 + QK_K/4 + 12 + 2
	q4kBlockSize = 2 + 2 + 12 + QK_K/2
	q5kBlockSize = 2 + 2 + 12 + QK_K/8 + QK_K/2
	q6kBlockSize = QK_K/2 + QK_K/4 + QK_K/16 + 2
	q8kBlockSize = 4 + QK_K + QK_K/16*2
)

// scaleMin returns the minimum-shifted scale for a sub-block quantized to
// [0, nmax]. The minimum is clamped so that zero stays representable.
func scaleMin(x []float32, nmax int) (scale, negMin float32) {
	lo, hi := minMax(x)
	lo = min(lo, 0)
	return (hi - lo) / float32(nmax), -lo
}

// symmetricScale returns max/-nmax where max is the value of largest magnitude.
func symmetricScale(x []float32, nmax int) float32 {
	_, vmax := absMax(x)
	return vmax / -float32(nmax)
}

func maxAbsSigned(v []float32) float32 {
	var best float32
	for _, s := range v {
		if math.Abs(float64(s)) > math.Abs(float64(best)) {
			best = s
		}
	}
	return best
}

// packScaleMinK4 stores eight 6-bit scale/min pairs into 12 bytes.
func packScaleMinK4(dst []byte, ls, lm [8]int) {
	clear(dst[:12])
	for j := range 8 {
		if j < 4 {
			dst[j] = byte(ls[j])
			dst[j+4] = byte(lm[j])
			continue
		}
		dst[j+4] = byte(ls[j]&0x0F) | byte(lm[j]&0x0F)<<4
		dst[j-4] |= byte(ls[j]>>4) << 6
		dst[j] |= byte(lm[j]>>4) << 6
	}
}

func getScaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

// quantizeScaleMinK4 fills L with [0, nmax] levels for eight 32-element sub-blocks
// and writes d, dmin and the packed scales into y.
func quantizeScaleMinK4(y []byte, x []float32, L []uint8, nmax int) {
	var scales, mins [8]float32
	var maxScale, maxMin float32
	for j := range 8 {
		scales[j], mins[j] = scaleMin(x[32*j:32*(j+1)], nmax)
		maxScale = max(maxScale, scales[j])
		maxMin = max(maxMin, mins[j])
	}
	invScale := inverse(maxScale) * 63
	invMin := inverse(maxMin) * 63
	var ls, lm [8]int
	for j := range 8 {
		ls[j] = min(63, nearestInt(invScale*scales[j]))
		lm[j] = min(63, nearestInt(invMin*mins[j]))
	}
	putF16(y, maxScale/63)
	putF16(y[2:], maxMin/63)
	packScaleMinK4(y[4:16], ls, lm)

	d, dmin := getF16(y), getF16(y[2:])
	for j := range 8 {
		sc, m := getScaleMinK4(j, y[4:16])
		ds := d * float32(sc)
		if ds == 0 {
			continue
		}
		dm := dmin * float32(m)
		for i := range 32 {
			L[32*j+i] = uint8(clampInt(nearestInt((x[32*j+i]+dm)/ds), 0, nmax))
		}
	}
}

// Q4_K: fp16 d, fp16 dmin, 12 bytes of 6-bit scales/mins, 128 bytes of nibbles.
func encodeQ4K(dst []byte, src []float32) {
	var L [QK_K]uint8
	blocks(dst, src, QK_K, q4kBlockSize, func(y []byte, x []float32) {
		clear(L[:])
		quantizeScaleMinK4(y, x, L[:], 15)
		q := y[16:]
		for j := 0; j < QK_K; j += 64 {
			for l := range 32 {
				q[l] = L[j+l] | L[j+l+32]<<4
			}
			q = q[32:]
		}
	})
}

func decodeQ4K(dst []float32, src []byte) {
	unblocks(dst, src, QK_K, q4kBlockSize, func(y []float32, x []byte) {
		d, dmin := getF16(x), getF16(x[2:])
		scales := x[4:16]
		q := x[16:]
		is := 0
		for j := 0; j < QK_K; j += 64 {
			sc1, m1 := getScaleMinK4(is, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := range 32 {
				y[j+l] = d1*float32(q[l]&0x0F) - mm1
				y[j+l+32] = d2*float32(q[l]>>4) - mm2
			}
			q = q[32:]
			is += 2
		}
	})
}

// Q5_K: Q4_K plus 32 bytes holding the fifth bit of every element.
func encodeQ5K(dst []byte, src []float32) {
	var L [QK_K]uint8
	blocks(dst, src, QK_K, q5kBlockSize, func(y []byte, x []float32) {
		clear(L[:])
		quantizeScaleMinK4(y, x, L[:], 31)
		qh := y[16 : 16+QK_K/8]
		ql := y[16+QK_K/8:]
		clear(qh)
		var m1, m2 uint8 = 1, 2
		for n := 0; n < QK_K; n += 64 {
			for j := range 32 {
				l1, l2 := L[n+j], L[n+j+32]
				if l1 > 15 {
					l1 -= 16
					qh[j] |= m1
				}
				if l2 > 15 {
					l2 -= 16
					qh[j] |= m2
				}
				ql[j] = l1 | l2<<4
			}
			m1 <<= 2
			m2 <<= 2
			ql = ql[32:]
		}
	})
}

func decodeQ5K(dst []float32, src []byte) {
	unblocks(dst, src, QK_K, q5kBlockSize, func(y []float32, x []byte) {
		d, dmin := getF16(x), getF16(x[2:])
		scales := x[4:16]
		qh := x[16 : 16+QK_K/8]
		ql := x[16+QK_K/8:]
		is := 0
		var u1, u2 uint8 = 1, 2
		for j := 0; j < QK_K; j += 64 {
			sc1, m1 := getScaleMinK4(is, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := range 32 {
				h1, h2 := float32(0), float32(0)
				if qh[l]&u1 != 0 {
					h1 = 16
				}
				if qh[l]&u2 != 0 {
					h2 = 16
				}
				y[j+l] = d1*(float32(ql[l]&0x0F)+h1) - mm1
				y[j+l+32] = d2*(float32(ql[l]>>4)+h2) - mm2
			}
			ql = ql[32:]
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	})
}

// Q6_K: 128 bytes low nibbles, 64 bytes high bit pairs, 16 int8 scales, fp16 d.
func encodeQ6K(dst []byte, src []float32) {
	var L [QK_K]uint8
	blocks(dst, src, QK_K, q6kBlockSize, func(y []byte, x []float32) {
		ql := y[:QK_K/2]
		qh := y[QK_K/2 : QK_K/2+QK_K/4]
		sc := y[QK_K/2+QK_K/4 : QK_K/2+QK_K/4+QK_K/16]
		var scales [QK_K / 16]float32
		for ib := range scales {
			scales[ib] = symmetricScale(x[16*ib:16*(ib+1)], 32)
		}
		maxScale := maxAbsSigned(scales[:])
		if maxScale == 0 {
			clear(y)
			return
		}
		iscale := -128 / maxScale
		putF16(y[q6kBlockSize-2:], 1/iscale)
		for ib := range scales {
			sc[ib] = byte(int8(min(127, nearestInt(iscale*scales[ib]))))
		}
		d := getF16(y[q6kBlockSize-2:])
		clear(L[:])
		for j := range QK_K / 16 {
			ds := d * float32(int8(sc[j]))
			if ds == 0 {
				continue
			}
			for i := range 16 {
				L[16*j+i] = uint8(clampInt(nearestInt(x[16*j+i]/ds), -32, 31) + 32)
			}
		}
		for j := 0; j < QK_K; j += 128 {
			for l := range 32 {
				q1 := L[j+l] & 0x0F
				q2 := L[j+l+32] & 0x0F
				q3 := L[j+l+64] & 0x0F
				q4 := L[j+l+96] & 0x0F
				ql[l] = q1 | q3<<4
				ql[l+32] = q2 | q4<<4
				qh[l] = L[j+l]>>4 | (L[j+l+32]>>4)<<2 | (L[j+l+64]>>4)<<4 | (L[j+l+96]>>4)<<6
			}
			ql = ql[64:]
			qh = qh[32:]
		}
	})
}

func decodeQ6K(dst []float32, src []byte) {
	unblocks(dst, src, QK_K, q6kBlockSize, func(y []float32, x []byte) {
		ql := x[:QK_K/2]
		qh := x[QK_K/2 : QK_K/2+QK_K/4]
		sc := x[QK_K/2+QK_K/4 : QK_K/2+QK_K/4+QK_K/16]
		d := getF16(x[q6kBlockSize-2:])
		for n := 0; n < QK_K; n += 128 {
			for l := range 32 {
				is := l / 16
				q1 := int(ql[l]&0x0F|((qh[l]>>0)&3)<<4) - 32
				q2 := int(ql[l+32]&0x0F|((qh[l]>>2)&3)<<4) - 32
				q3 := int(ql[l]>>4|((qh[l]>>4)&3)<<4) - 32
				q4 := int(ql[l+32]>>4|((qh[l]>>6)&3)<<4) - 32
				y[n+l] = d * float32(int8(sc[is])) * float32(q1)
				y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	})
}

// packTwoBit stores 2-bit levels four to a byte, 128 elements per 32-byte run.
func packTwoBit(qs []byte, L []uint8) {
	for j := 0; j < QK_K; j += 128 {
		for l := range 32 {
			qs[j/4+l] = L[j+l] | L[j+l+32]<<2 | L[j+l+64]<<4 | L[j+l+96]<<6
		}
	}
}

func twoBit(qs []byte, e int) int {
	n, s, l := e/128, (e%128)/32, e%32
	return int(qs[32*n+l]>>(2*s)) & 3
}

// Q3_K: 32 bytes high-bit mask, 64 bytes of 2-bit levels, 12 bytes of 6-bit scales, fp16 d.
func encodeQ3K(dst []byte, src []float32) {
	var L [QK_K]uint8
	blocks(dst, src, QK_K, q3kBlockSize, func(y []byte, x []float32) {
		hmask := y[:QK_K/8]
		qs := y[QK_K/8 : QK_K/8+QK_K/4]
		sc := y[QK_K/8+QK_K/4 : QK_K/8+QK_K/4+12]
		clear(y)
		var scales [16]float32
		for j := range scales {
			scales[j] = symmetricScale(x[16*j:16*(j+1)], 4)
		}
		maxScale := maxAbsSigned(scales[:])
		if maxScale != 0 {
			iscale := -32 / maxScale
			for j := range scales {
				l := clampInt(nearestInt(iscale*scales[j]), -32, 31) + 32
				if j < 8 {
					sc[j] = byte(l & 0x0F)
				} else {
					sc[j-8] |= byte(l&0x0F) << 4
				}
				sc[8+j%4] |= byte(l>>4) << (2 * (j / 4))
			}
			putF16(y[q3kBlockSize-2:], 1/iscale)
		}
		d := getF16(y[q3kBlockSize-2:])
		clear(L[:])
		for j := range 16 {
			ds := d * float32(q3kScale(sc, j))
			if ds == 0 {
				continue
			}
			for i := range 16 {
				L[16*j+i] = uint8(clampInt(nearestInt(x[16*j+i]/ds), -4, 3) + 4)
			}
		}
		for j := range QK_K {
			if L[j] > 3 {
				hmask[j%32] |= 1 << (j / 32)
				L[j] -= 4
			}
		}
		packTwoBit(qs, L[:])
	})
}

func q3kScale(sc []byte, j int) int {
	var lo byte
	if j < 8 {
		lo = sc[j] & 0x0F
	} else {
		lo = sc[j-8] >> 4
	}
	hi := (sc[8+j%4] >> (2 * (j / 4))) & 3
	return int(lo|hi<<4) - 32
}

func decodeQ3K(dst []float32, src []byte) {
	unblocks(dst, src, QK_K, q3kBlockSize, func(y []float32, x []byte) {
		hmask := x[:QK_K/8]
		qs := x[QK_K/8 : QK_K/8+QK_K/4]
		sc := x[QK_K/8+QK_K/4 : QK_K/8+QK_K/4+12]
		d := getF16(x[q3kBlockSize-2:])
		for e := range QK_K {
			q := twoBit(qs, e)
			if hmask[e%32]&(1<<(e/32)) == 0 {
				q -= 4
			}
			y[e] = d * float32(q3kScale(sc, e/16)) * float32(q)
		}
	})
}

// Q2_K: 16 bytes of 4-bit scale/min pairs, 64 bytes of 2-bit levels, fp16 d, fp16 dmin.
func encodeQ2K(dst []byte, src []float32) {
	var L [QK_K]uint8
	blocks(dst, src, QK_K, q2kBlockSize, func(y []byte, x []float32) {
		sc := y[:QK_K/16]
		qs := y[QK_K/16 : QK_K/16+QK_K/4]
		clear(y)
		var scales, mins [16]float32
		var maxScale, maxMin float32
		for j := range 16 {
			scales[j], mins[j] = scaleMin(x[16*j:16*(j+1)], 3)
			maxScale = max(maxScale, scales[j])
			maxMin = max(maxMin, mins[j])
		}
		if maxScale > 0 {
			iscale := 15 / maxScale
			for j := range 16 {
				sc[j] = byte(min(15, nearestInt(iscale*scales[j])))
			}
			putF16(y[q2kBlockSize-4:], maxScale/15)
		}
		if maxMin > 0 {
			iscale := 15 / maxMin
			for j := range 16 {
				sc[j] |= byte(min(15, nearestInt(iscale*mins[j]))) << 4
			}
			putF16(y[q2kBlockSize-2:], maxMin/15)
		}
		d, dmin := getF16(y[q2kBlockSize-4:]), getF16(y[q2kBlockSize-2:])
		clear(L[:])
		for j := range 16 {
			ds := d * float32(sc[j]&0x0F)
			if ds == 0 {
				continue
			}
			dm := dmin * float32(sc[j]>>4)
			for i := range 16 {
				L[16*j+i] = uint8(clampInt(nearestInt((x[16*j+i]+dm)/ds), 0, 3))
			}
		}
		packTwoBit(qs, L[:])
	})
}

func decodeQ2K(dst []float32, src []byte) {
	unblocks(dst, src, QK_K, q2kBlockSize, func(y []float32, x []byte) {
		sc := x[:QK_K/16]
		qs := x[QK_K/16 : QK_K/16+QK_K/4]
		d, dmin := getF16(x[q2kBlockSize-4:]), getF16(x[q2kBlockSize-2:])
		for e := range QK_K {
			s := sc[e/16]
			y[e] = d*float32(s&0x0F)*float32(twoBit(qs, e)) - dmin*float32(s>>4)
		}
	})
}

// Q8_K: float32 d, 256 int8 levels, 16 int16 block sums.
func encodeQ8K(dst []byte, src []float32) {
	blocks(dst, src, QK_K, q8kBlockSize, func(y []byte, x []float32) {
		clear(y)
		amax, vmax := absMax(x)
		if amax == 0 {
			return
		}
		iscale := -128 / vmax
		qs := y[4 : 4+QK_K]
		for j, v := range x {
			qs[j] = byte(int8(min(127, nearestInt(iscale*v))))
		}
		for j := range QK_K / 16 {
			sum := 0
			for i := range 16 {
				sum += int(int8(qs[16*j+i]))
			}
			binary.LittleEndian.PutUint16(y[4+QK_K+2*j:], uint16(int16(sum)))
		}
		binary.LittleEndian.PutUint32(y, math.Float32bits(1/iscale))
	})
}

func decodeQ8K(dst []float32, src []byte) {
	unblocks(dst, src, QK_K, q8kBlockSize, func(y []float32, x []byte) {
		d := math.Float32frombits(binary.LittleEndian.Uint32(x))
		for j := range y {
			y[j] = d * float32(int8(x[4+j]))
		}
	})
}
