package npz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// npy encodes a version 1.0 .npy payload with a padded header.
func npy(descr string, shape string, data []byte) []byte {
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shape)
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"
	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

type member struct {
	name string
	data []byte
}

func writeNPZ(t *testing.T, path string, members ...member) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: m.name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write(m.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func f32s(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestOpenAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "weights.npz")
	writeNPZ(t, path,
		member{"layer.weight.npy", npy("<f4", "(2, 3)", f32s(1, 2, 3, 4, 5, 6))},
		member{"bias.npy", npy("<f4", "(3,)", f32s(7, 8, 9))},
		member{"step.npy", npy("<i8", "()", make([]byte, 8))},
	)

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	require.Len(t, f.Arrays, 3)
	assert.Equal(t, "layer.weight", f.Arrays[0].Name)
	assert.Equal(t, "bias", f.Arrays[1].Name)
	assert.Equal(t, []int{2, 3}, f.Arrays[0].Shape)
	assert.Equal(t, []int{}, f.Arrays[2].Shape)
	assert.Equal(t, "I64", f.Arrays[2].DType)

	raw, arr, err := f.Read("bias")
	require.NoError(t, err)
	assert.Equal(t, "F32", arr.DType)
	assert.Equal(t, f32s(7, 8, 9), raw)

	raw, _, err = f.Read("layer.weight")
	require.NoError(t, err)
	assert.Equal(t, f32s(1, 2, 3, 4, 5, 6), raw)

	_, _, err = f.Read("missing")
	require.Error(t, err)
}

func TestOpenRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]struct {
		members []member
		want    error
	}{
		"big endian": {[]member{{"a.npy", npy(">f4", "(1,)", make([]byte, 4))}}, ErrUnsupportedDType},
		"complex":    {[]member{{"a.npy", npy("<c8", "(1,)", make([]byte, 8))}}, ErrUnsupportedDType},
		"short data": {[]member{{"a.npy", npy("<f4", "(4,)", make([]byte, 8))}}, ErrCorruptArchive},
		"not npy":    {[]member{{"a.npy", []byte("hello world")}}, ErrCorruptArchive},
	}
	for name, tc := range cases {
		path := filepath.Join(dir, name+".npz")
		writeNPZ(t, path, tc.members...)
		_, err := Open(path)
		assert.ErrorIs(t, err, tc.want, name)
	}

	notZip := filepath.Join(dir, "plain.npz")
	require.NoError(t, os.WriteFile(notZip, []byte("definitely not a zip"), 0o644))
	_, err := Open(notZip)
	assert.ErrorIs(t, err, ErrCorruptArchive)
}

func TestParseHeader(t *testing.T) {
	t.Parallel()
	h, err := parseHeader("{'descr': '|u1', 'fortran_order': True, 'shape': (4, 5, 6), }")
	require.NoError(t, err)
	assert.Equal(t, "u1", h.code)
	assert.True(t, h.fortran)
	assert.Equal(t, []int{4, 5, 6}, h.shape)

	_, err = parseHeader("{'descr': '<f4', 'shape': (1,)}")
	assert.ErrorIs(t, err, ErrCorruptArchive)
}
