package fusion

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

func randomMatrix(rng *rand.Rand, rows, cols int) *tensor.Matrix {
	m := tensor.New(rows, cols)
	for i := range m.RawData() {
		m.RawData()[i] = rng.Float64()*2 - 1
	}
	return m
}

// cloud returns n random points with a batch column splitting them into
// samples of the given sizes.
func cloud(rng *rand.Rand, sizes ...int) *tensor.Matrix {
	n := 0
	for _, s := range sizes {
		n += s
	}
	xyz := tensor.New(n, 4)
	row := 0
	for b, s := range sizes {
		for i := 0; i < s; i++ {
			xyz.Set(row, 0, rng.Float64()*4)
			xyz.Set(row, 1, rng.Float64()*4)
			xyz.Set(row, 2, rng.Float64()*4)
			xyz.Set(row, 3, float64(b))
			row++
		}
	}
	return xyz
}

func TestBimodal_Modes(t *testing.T) {
	a := tensor.MustFromRows([][]float64{{1, 2}, {3, 4}})
	b := tensor.MustFromRows([][]float64{{10, 20}, {30, 40}})

	tests := []struct {
		mode string
		want [][]float64
		out  int
	}{
		{ModeResidual, [][]float64{{11, 22}, {33, 44}}, 2},
		{ModeConcatenation, [][]float64{{1, 2, 10, 20}, {3, 4, 30, 40}}, 4},
		{ModeBoth, [][]float64{{1, 2, 11, 22}, {3, 4, 33, 44}}, 4},
		{ModeModality, [][]float64{{10, 20}, {30, 40}}, 2},
		{ModeNo2D, [][]float64{{1, 2}, {3, 4}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			m, err := NewBimodal(tt.mode, 2, 2)
			require.NoError(t, err)
			assert.Equal(t, tt.out, m.OutChannels())

			got, err := m.Forward(context.Background(), a, b, nil)
			require.NoError(t, err)
			if diff := cmp.Diff(tensor.MustFromRows(tt.want).RawData(), got.RawData()); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBimodal_UnknownMode(t *testing.T) {
	_, err := NewBimodal("sum", 2, 2)
	require.ErrorIs(t, err, ErrUnknownMode)
	for _, m := range BimodalModes {
		assert.Contains(t, err.Error(), m)
	}
}

func TestBimodal_ResidualWidthMismatch(t *testing.T) {
	_, err := NewBimodal(ModeResidual, 2, 3)
	assert.ErrorIs(t, err, tensor.ErrShape)

	m, err := NewBimodal(ModeResidual, 0, 0)
	require.NoError(t, err)
	_, err = m.Forward(context.Background(), tensor.New(2, 2), tensor.New(2, 3), nil)
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestBimodal_RowMismatch(t *testing.T) {
	m, err := NewBimodal(ModeConcatenation, 0, 0)
	require.NoError(t, err)
	_, err = m.Forward(context.Background(), tensor.New(2, 2), tensor.New(3, 2), nil)
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestPassthrough_AllKinds(t *testing.T) {
	main := tensor.MustFromRows([][]float64{{1, 2, 3}})
	mod := tensor.MustFromRows([][]float64{{4, 5}})

	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			o := DefaultOptions(kind)
			o.InMain, o.InMod = 3, 2
			if kind == KindBimodal {
				o.Mode = ModeConcatenation
			}
			m, err := New(o)
			require.NoError(t, err)

			got, err := m.Forward(context.Background(), nil, mod, nil)
			require.NoError(t, err)
			assert.Same(t, mod, got)

			got, err = m.Forward(context.Background(), main, nil, nil)
			require.NoError(t, err)
			assert.Same(t, main, got)
		})
	}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Options{Kind: "qkv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), KindPTBlock)
}

func TestKinds(t *testing.T) {
	want := []string{KindBimodal, KindPTBlock, KindSelfAttentive, KindTransformerLayer}
	if diff := cmp.Diff(want, Kinds()); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register(KindBimodal, func(Options) (Module, error) { return nil, nil })
	})
}

func TestSelfAttentive_Shapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	tests := []struct {
		name      string
		mode      string
		embedding bool
		wantOut   int
		wantE     bool
	}{
		{"local embedded", ModeLocal, true, 6, true},
		{"local raw", ModeLocal, false, 5, false},
		{"no-embedding-local ignores flag", ModeNoEmbeddingLocal, true, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions(KindSelfAttentive)
			o.Mode = tt.mode
			o.InMain, o.InMod = 3, 2
			o.EmbedMain, o.EmbedMod = 4, 2
			o.NSample = 4
			o.Embedding = tt.embedding

			s, err := NewSelfAttentive(o)
			require.NoError(t, err)
			s.Init(nn.NewSource(7))
			assert.Equal(t, tt.wantOut, s.OutChannels())
			assert.Equal(t, tt.wantE, s.E2D != nil)

			y, att, err := s.ForwardWithAttention(context.Background(), randomMatrix(rng, 10, 3), randomMatrix(rng, 10, 2), cloud(rng, 10))
			require.NoError(t, err)
			assert.Equal(t, 10, y.Rows())
			assert.Equal(t, tt.wantOut, y.Cols())
			require.NotNil(t, att)
			assert.Len(t, att.Entropy(), 10)
		})
	}
}

// A freshly allocated layer has zero linear weights and produces zeros,
// so the residual path returns the concatenation unchanged.
func TestSelfAttentive_Residual(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	main, mod := randomMatrix(rng, 6, 2), randomMatrix(rng, 6, 3)
	xyz := cloud(rng, 6)
	concat, err := tensor.Concat(main, mod)
	require.NoError(t, err)

	o := DefaultOptions(KindSelfAttentive)
	o.Mode = ModeNoEmbeddingLocal
	o.InMain, o.InMod = 2, 3
	o.NSample = 3

	s, err := NewSelfAttentive(o)
	require.NoError(t, err)
	y, err := s.Forward(context.Background(), main, mod, xyz)
	require.NoError(t, err)
	assert.True(t, tensor.EqualApprox(concat, y, 1e-12))

	o.Residual = false
	s, err = NewSelfAttentive(o)
	require.NoError(t, err)
	y, err = s.Forward(context.Background(), main, mod, xyz)
	require.NoError(t, err)
	assert.True(t, tensor.EqualApprox(tensor.New(6, 5), y, 1e-12))
}

func TestSelfAttentive_BatchColumnSeparatesSamples(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	o := DefaultOptions(KindSelfAttentive)
	o.InMain, o.InMod = 2, 2
	o.EmbedMain, o.EmbedMod = 3, 3
	o.NSample = 4
	s, err := NewSelfAttentive(o)
	require.NoError(t, err)
	s.Init(nn.NewSource(11))

	xyz := cloud(rng, 7, 5)
	main, mod := randomMatrix(rng, 12, 2), randomMatrix(rng, 12, 2)
	y, err := s.Forward(context.Background(), main, mod, xyz)
	require.NoError(t, err)

	first := []int{0, 1, 2, 3, 4, 5, 6}
	xyzA, _ := tensor.Gather(xyz, first)
	mainA, _ := tensor.Gather(main, first)
	modA, _ := tensor.Gather(mod, first)
	yA, err := s.Forward(context.Background(), mainA, modA, xyzA)
	require.NoError(t, err)

	got, _ := tensor.Gather(y, first)
	assert.True(t, tensor.EqualApprox(yA, got, 1e-9))
}

func TestSelfAttentive_Errors(t *testing.T) {
	o := DefaultOptions(KindSelfAttentive)
	o.InMain, o.InMod = 2, 2

	bad := o
	bad.Mode = ModeGlobal
	_, err := NewSelfAttentive(bad)
	assert.ErrorIs(t, err, ErrUnknownMode)

	bad = o
	bad.InMod = 0
	_, err = NewSelfAttentive(bad)
	assert.Error(t, err)

	s, err := NewSelfAttentive(o)
	require.NoError(t, err)
	_, err = s.Forward(context.Background(), tensor.New(3, 2), tensor.New(3, 2), nil)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = s.Forward(context.Background(), tensor.New(3, 2), tensor.New(3, 2), tensor.New(2, 3))
	assert.ErrorIs(t, err, tensor.ErrShape)
}

// With zero query and key projections every point attends uniformly, so
// each output row is the mean of the values it attends to: all points by
// default, the point's own sample with PerSample.
func TestTransformerLayer_GlobalUniformAttention(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	main, mod := randomMatrix(rng, 7, 3), randomMatrix(rng, 7, 2)
	xyz := cloud(rng, 4, 3)

	tests := []struct {
		name      string
		perSample bool
		segs      [][2]int
	}{
		{name: "all points", segs: [][2]int{{0, 7}}},
		{name: "per sample", perSample: true, segs: [][2]int{{0, 4}, {4, 7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions(KindTransformerLayer)
			o.InMain, o.InMod = 3, 2
			o.NcInner, o.NcQK = 4, 2
			o.OutMain = 3
			o.PerSample = tt.perSample

			tl, err := NewTransformerLayer(o)
			require.NoError(t, err)
			tl.Init(nn.NewSource(5))
			tl.WQ.Weight = tensor.New(2, 4)

			y, err := tl.Forward(context.Background(), main, mod, xyz)
			require.NoError(t, err)

			concat, _ := tensor.Concat(main, mod)
			e, err := tl.E.Forward(concat)
			require.NoError(t, err)
			v, err := tl.WV.Forward(e)
			require.NoError(t, err)

			for _, seg := range tt.segs {
				mean := make([]float64, 3)
				for j := seg[0]; j < seg[1]; j++ {
					for c, x := range v.Row(j) {
						mean[c] += x / float64(seg[1]-seg[0])
					}
				}
				for i := seg[0]; i < seg[1]; i++ {
					assert.InDeltaSlice(t, mean, y.Row(i), 1e-9, "row %d", i)
				}
			}
		})
	}
}

// Dense softmax(Q·Kᵀ/√nc_qk)·V over every row, spanning several row chunks
// and ignoring the batch column.
func TestTransformerLayer_GlobalMatchesDenseAttention(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 1))
	o := DefaultOptions(KindTransformerLayer)
	o.InMain, o.InMod = 2, 2
	o.NcInner, o.NcQK = 4, 3
	o.Workers = 3
	tl, err := NewTransformerLayer(o)
	require.NoError(t, err)
	tl.Init(nn.NewSource(11))

	n := globalRowChunk*2 + 9
	main, mod := randomMatrix(rng, n, 2), randomMatrix(rng, n, 2)
	y, err := tl.Forward(context.Background(), main, mod, cloud(rng, n/2, n-n/2))
	require.NoError(t, err)

	concat, _ := tensor.Concat(main, mod)
	e, err := tl.E.Forward(concat)
	require.NoError(t, err)
	q, _ := tl.WQ.Forward(e)
	k, _ := tl.WK.Forward(e)
	v, _ := tl.WV.Forward(e)
	scores, err := tensor.MulT(q, k)
	require.NoError(t, err)
	scores.Apply(func(x float64) float64 { return x / math.Sqrt(3) })
	scores.SoftmaxRows()
	want, err := tensor.Mul(scores, v)
	require.NoError(t, err)

	assert.True(t, tensor.EqualApprox(want, y, 1e-9))
}

func TestTransformerLayer_GlobalWithoutCoordinates(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	o := DefaultOptions(KindTransformerLayer)
	o.InMain, o.InMod = 2, 2
	tl, err := NewTransformerLayer(o)
	require.NoError(t, err)
	tl.Init(nn.NewSource(1))

	main, mod := randomMatrix(rng, 5, 2), randomMatrix(rng, 5, 2)
	y, err := tl.Forward(context.Background(), main, mod, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, y.Cols())

	// A single batch column of zeros is the same single sample.
	xyz := tensor.New(5, 4)
	y2, err := tl.Forward(context.Background(), main, mod, xyz)
	require.NoError(t, err)
	assert.True(t, tensor.EqualApprox(y, y2, 1e-12))
}

func TestTransformerLayer_Local(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	o := DefaultOptions(KindTransformerLayer)
	o.Mode = ModeLocal
	o.InMain, o.InMod = 3, 3
	o.NcInner = 4
	o.OutMain = 8
	o.NSample = 4

	tl, err := NewTransformerLayer(o)
	require.NoError(t, err)
	assert.Nil(t, tl.WQ)
	require.NotNil(t, tl.Layer)
	tl.Init(nn.NewSource(2))

	y, att, err := tl.ForwardWithAttention(context.Background(), randomMatrix(rng, 9, 3), randomMatrix(rng, 9, 3), cloud(rng, 9))
	require.NoError(t, err)
	assert.Equal(t, 8, y.Cols())
	assert.NotNil(t, att)
}

func TestTransformerLayer_UnknownMode(t *testing.T) {
	o := DefaultOptions(KindTransformerLayer)
	o.InMain, o.InMod = 1, 1
	o.Mode = ModeNoEmbeddingLocal
	_, err := NewTransformerLayer(o)
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestTransformerLayer_Cancelled(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	o := DefaultOptions(KindTransformerLayer)
	o.InMain, o.InMod = 2, 2
	o.Workers = 1
	tl, err := NewTransformerLayer(o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tl.Forward(ctx, randomMatrix(rng, 4, 2), randomMatrix(rng, 4, 2), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPTBlock_ZeroWeightsReturnConcatenation(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	o := DefaultOptions(KindPTBlock)
	o.InMain, o.InMod = 2, 4
	o.NcInner = 4
	o.NSample = 3

	b, err := NewPTBlock(o)
	require.NoError(t, err)
	assert.Equal(t, 6, b.OutChannels())

	main, mod := randomMatrix(rng, 5, 2), randomMatrix(rng, 5, 4)
	y, err := b.Forward(context.Background(), main, mod, cloud(rng, 5))
	require.NoError(t, err)
	concat, _ := tensor.Concat(main, mod)
	assert.True(t, tensor.EqualApprox(concat, y, 1e-12))
}

func TestPTBlock_Initialised(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	o := DefaultOptions(KindPTBlock)
	o.InMain, o.InMod = 2, 4
	o.NcInner = 4
	o.NSample = 3
	b, err := NewPTBlock(o)
	require.NoError(t, err)
	b.Init(nn.NewSource(3))

	y, att, err := b.ForwardWithAttention(context.Background(), randomMatrix(rng, 8, 2), randomMatrix(rng, 8, 4), cloud(rng, 5, 3))
	require.NoError(t, err)
	assert.Equal(t, 8, y.Rows())
	assert.Equal(t, 6, y.Cols())
	assert.Equal(t, 3, att.Neighbours.K)
}

func TestPTBlock_OnlyLocal(t *testing.T) {
	o := DefaultOptions(KindPTBlock)
	o.InMain, o.InMod = 1, 1
	o.Mode = ModeGlobal
	_, err := NewPTBlock(o)
	assert.ErrorIs(t, err, ErrUnknownMode)
}
