package quant

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

func putF16(b []byte, v float32) {
	binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
}

func getF16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// roundF16 returns v as it will be seen after an fp16 round trip.
func roundF16(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// F16ToF32 converts a little-endian IEEE half to float32.
func F16ToF32(b []byte) float32 { return getF16(b) }

// BF16ToF32 converts a little-endian bfloat16 to float32.
func BF16ToF32(b []byte) float32 {
	return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
}

func encodeF32(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func decodeF32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

func encodeF16(dst []byte, src []float32) {
	for i, v := range src {
		putF16(dst[i*2:], v)
	}
}

func decodeF16(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = getF16(src[i*2:])
	}
}

func nearestInt(v float32) int {
	return int(math.RoundToEven(float64(v)))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
