package quant

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(n int, seed uint64) []float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

func TestCodecTable(t *testing.T) {
	t.Parallel()
	want := map[Codec][2]int{
		F32:  {1, 4},
		F16:  {1, 2},
		Q4_0: {32, 18},
		Q4_1: {32, 20},
		Q5_0: {32, 22},
		Q5_1: {32, 24},
		Q8_0: {32, 34},
		Q8_1: {32, 36},
		Q2_K: {256, 84},
		Q3_K: {256, 110},
		Q4_K: {256, 144},
		Q5_K: {256, 176},
		Q6_K: {256, 210},
		Q8_K: {256, 292},
	}
	require.Len(t, Codecs(), len(want))
	for c, bt := range want {
		assert.Equal(t, bt[0], c.BlockSize(), c.String())
		assert.Equal(t, bt[1], c.TypeSize(), c.String())
	}
	assert.False(t, Codec(4).Valid())
	assert.Equal(t, "codec(4)", Codec(4).String())
}

func TestParseCodec(t *testing.T) {
	t.Parallel()
	cases := map[string]Codec{
		"q4_0": Q4_0,
		"Q8_1": Q8_1,
		"q2k":  Q2_K,
		"q6_k": Q6_K,
		"Q6_K": Q6_K,
		"f16":  F16,
		" f32": F32,
	}
	for in, want := range cases {
		got, err := ParseCodec(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCodec("q7_0")
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	tolerance := map[Codec]float64{
		F32:  0,
		F16:  1e-3,
		Q4_0: 0.15,
		Q4_1: 0.1,
		Q5_0: 0.08,
		Q5_1: 0.05,
		Q8_0: 0.01,
		Q8_1: 0.01,
		Q2_K: 0.6,
		Q3_K: 0.4,
		Q4_K: 0.15,
		Q5_K: 0.1,
		Q6_K: 0.05,
		Q8_K: 0.01,
	}
	src := uniform(4*QK_K, 7)
	for c, tol := range tolerance {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			packed, err := Encode(c, src)
			require.NoError(t, err)
			size, err := c.RowSize(len(src))
			require.NoError(t, err)
			require.Len(t, packed, size)

			got, err := Decode(c, packed, len(src))
			require.NoError(t, err)
			var worst float64
			for i := range src {
				worst = max(worst, math.Abs(float64(got[i]-src[i])))
			}
			assert.LessOrEqual(t, worst, tol)
		})
	}
}

func TestEncodeZeros(t *testing.T) {
	t.Parallel()
	src := make([]float32, QK_K)
	for _, c := range Codecs() {
		packed, err := Encode(c, src)
		require.NoError(t, err, c.String())
		got, err := Decode(c, packed, len(src))
		require.NoError(t, err, c.String())
		for i, v := range got {
			require.Zerof(t, v, "%s element %d", c, i)
		}
	}
}

func TestEncodeRejects(t *testing.T) {
	t.Parallel()

	_, err := Encode(Q4_0, make([]float32, 33))
	require.ErrorIs(t, err, ErrEncode)

	_, err = Encode(Codec(99), make([]float32, 32))
	require.ErrorIs(t, err, ErrUnknownCodec)

	bad := uniform(QK_K, 3)
	bad[17] = float32(math.NaN())
	_, err = Encode(Q6_K, bad)
	require.ErrorIs(t, err, ErrEncode)
	assert.Contains(t, err.Error(), "element 17")

	// pass-through codecs keep non-finite values
	packed, err := Encode(F32, bad)
	require.NoError(t, err)
	got, err := Decode(F32, packed, len(bad))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(got[17])))
}

func TestDecodeLength(t *testing.T) {
	t.Parallel()
	_, err := Decode(Q8_0, make([]byte, 33), 32)
	require.ErrorIs(t, err, ErrDecode)
}

func TestQ8_1Sum(t *testing.T) {
	t.Parallel()
	src := make([]float32, QK)
	for i := range src {
		src[i] = 1
	}
	packed, err := Encode(Q8_1, src)
	require.NoError(t, err)
	d := getF16(packed)
	s := getF16(packed[2:])
	assert.InDelta(t, 32*127*d, s, 0.05)
}

func TestElementsOverflow(t *testing.T) {
	huge := []int{1 << 21, 1 << 21, 1 << 21}
	assert.Equal(t, -1, Elements(huge))
	_, err := CheckedElements(huge)
	require.ErrorIs(t, err, ErrShape)
	_, err = CheckedElements([]int{4, -1})
	require.ErrorIs(t, err, ErrShape)

	n, err := CheckedElements([]int{3, 0, 1 << 40})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = F32.RowSize(-1)
	require.ErrorIs(t, err, ErrShape)
	_, err = Q8_0.RowSize(math.MaxInt - math.MaxInt%32)
	require.ErrorIs(t, err, ErrShape)

	_, err = Decode(F32, nil, Elements(huge))
	require.ErrorIs(t, err, ErrDecode)
	require.ErrorIs(t, err, ErrShape)
}
