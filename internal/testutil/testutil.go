// Package testutil writes small model files for tests.
package testutil

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ggufq/internal/gguf"
	"github.com/samcharles93/ggufq/pkg/quant"
)

// Tensor is a safetensors fixture entry.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// F32 builds an F32 fixture.
func F32(name string, shape []int, vals []float32) Tensor {
	return Tensor{Name: name, DType: "F32", Shape: shape, Data: F32Bytes(vals...)}
}

func F32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Ramp returns n values spread evenly over [-1, 1).
func Ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 2*float32(i)/float32(n) - 1
	}
	return out
}

// WriteSafetensors writes tensors back to back in the given order.
func WriteSafetensors(t testing.TB, path string, tensors ...Tensor) {
	t.Helper()
	type entry struct {
		DType       string  `json:"dtype"`
		Shape       []int   `json:"shape"`
		DataOffsets []int64 `json:"data_offsets"`
	}
	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var data []byte
	for _, tt := range tensors {
		header[tt.Name] = entry{
			DType:       tt.DType,
			Shape:       tt.Shape,
			DataOffsets: []int64{int64(len(data)), int64(len(data) + len(tt.Data))},
		}
		data = append(data, tt.Data...)
	}
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	buf := make([]byte, 8, 8+len(hb)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

// WriteGGUF writes a container with F32 tensors built from the fixtures.
func WriteGGUF(t testing.TB, path string, meta gguf.Metadata, tensors ...Tensor) {
	t.Helper()
	out := make([]quant.Tensor, 0, len(tensors))
	for _, tt := range tensors {
		require.Equal(t, "F32", tt.DType, "WriteGGUF only takes F32 fixtures")
		out = append(out, quant.Tensor{Name: tt.Name, Codec: quant.F32, Shape: tt.Shape, Data: tt.Data})
	}
	WriteGGUFTensors(t, path, meta, out...)
}

// WriteGGUFTensors writes already encoded tensors.
func WriteGGUFTensors(t testing.TB, path string, meta gguf.Metadata, tensors ...quant.Tensor) {
	t.Helper()
	w, err := gguf.Create(path)
	require.NoError(t, err)
	if _, err := w.Write(meta, tensors); err != nil {
		_ = w.Abort()
		require.NoError(t, err)
	}
	require.NoError(t, w.Commit())
}
