package pointtransformer

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

func randomMatrix(rng *rand.Rand, rows, cols int, scale float64) *tensor.Matrix {
	m := tensor.New(rows, cols)
	for i := range m.RawData() {
		m.RawData()[i] = (rng.Float64()*2 - 1) * scale
	}
	return m
}

func newRandomLayer(t *testing.T, cfg Config, seed uint64) *Layer {
	t.Helper()
	l, err := New(cfg)
	require.NoError(t, err)
	l.Init(nn.NewSource(seed))
	return l
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{InPlanes: 4, OutPlanes: 8}, false},
		{"share divides out", Config{InPlanes: 4, OutPlanes: 8, SharePlanes: 4}, false},
		{"share does not divide out", Config{InPlanes: 4, OutPlanes: 8, SharePlanes: 3}, true},
		{"zero in", Config{OutPlanes: 8}, true},
		{"zero out", Config{InPlanes: 8}, true},
		{"negative nsample", Config{InPlanes: 2, OutPlanes: 2, NSample: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{InPlanes: 3, OutPlanes: 6})
	require.NoError(t, err)
	assert.Equal(t, DefaultNSample, l.Config().NSample)
	assert.Equal(t, DefaultSharePlanes, l.Config().SharePlanes)
	assert.Len(t, l.LinearP.Layers, 4)
	assert.Len(t, l.LinearW.Layers, 6)
}

func TestForward_Shape(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	l := newRandomLayer(t, Config{InPlanes: 4, OutPlanes: 8, NSample: 5}, 11)

	p := randomMatrix(rng, 20, 3, 5)
	x := randomMatrix(rng, 20, 4, 1)

	y, att, err := l.ForwardWithAttention(context.Background(), p, x, []int{20})
	require.NoError(t, err)
	r, c := y.Dims()
	assert.Equal(t, 20, r)
	assert.Equal(t, 8, c)
	assert.Equal(t, 20*5, att.Weights.Rows())
	assert.Equal(t, 8, att.Weights.Cols())
}

func TestForward_AttentionNormalisedOverNeighbours(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	l := newRandomLayer(t, Config{InPlanes: 3, OutPlanes: 4, NSample: 6}, 21)

	p := randomMatrix(rng, 15, 3, 2)
	x := randomMatrix(rng, 15, 3, 1)
	_, att, err := l.ForwardWithAttention(context.Background(), p, x, []int{15})
	require.NoError(t, err)

	k := att.Neighbours.K
	for i := 0; i < att.Neighbours.N; i++ {
		for c := 0; c < att.Weights.Cols(); c++ {
			var sum float64
			for j := 0; j < k; j++ {
				w := att.Weights.At(i*k+j, c)
				assert.GreaterOrEqual(t, w, 0.0)
				sum += w
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "point %d channel %d", i, c)
		}
	}
}

// With zero query/key/positional weights the attention is uniform and an
// identity value projection makes the layer a neighbourhood mean.
func TestForward_UniformAttentionIsNeighbourhoodMean(t *testing.T) {
	l, err := New(Config{InPlanes: 2, OutPlanes: 2, NSample: 2})
	require.NoError(t, err)
	l.LinearV.Weight = tensor.MustFromRows([][]float64{{1, 0}, {0, 1}})

	p := tensor.MustFromRows([][]float64{{0, 0, 0}, {1, 0, 0}, {5, 0, 0}})
	x := tensor.MustFromRows([][]float64{{2, 4}, {6, 8}, {10, 12}})

	y, att, err := l.ForwardWithAttention(context.Background(), p, x, []int{3})
	require.NoError(t, err)

	// neighbours: 0->{0,1}, 1->{1,0}, 2->{2,1}
	want := tensor.MustFromRows([][]float64{{4, 6}, {4, 6}, {8, 10}})
	assert.True(t, tensor.EqualApprox(want, y, 1e-9), "got %v", y)

	for _, h := range att.Entropy() {
		assert.InDelta(t, math.Log(2), h, 1e-9)
	}
}

func TestForward_SharePlanes(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	l := newRandomLayer(t, Config{InPlanes: 4, OutPlanes: 8, SharePlanes: 4, NSample: 3}, 5)
	p := randomMatrix(rng, 10, 3, 1)
	x := randomMatrix(rng, 10, 4, 1)

	y, att, err := l.ForwardWithAttention(context.Background(), p, x, []int{10})
	require.NoError(t, err)
	assert.Equal(t, 8, y.Cols())
	assert.Equal(t, 2, att.Weights.Cols())
}

func refLinear(l *nn.Linear, x []float64) []float64 {
	out := make([]float64, l.Out)
	for o := range out {
		if l.Bias != nil {
			out[o] = l.Bias[o]
		}
		for i, v := range x {
			out[o] += l.Weight.At(o, i) * v
		}
	}
	return out
}

func refBatchNorm(bn *nn.BatchNorm1d, x []float64) []float64 {
	out := make([]float64, len(x))
	for c, v := range x {
		out[c] = (v-bn.RunningMean[c])/math.Sqrt(bn.RunningVar[c]+bn.Eps)*bn.Weight[c] + bn.Bias[c]
	}
	return out
}

func refReLU(x []float64) []float64 {
	out := make([]float64, len(x))
	for c, v := range x {
		out[c] = math.Max(v, 0)
	}
	return out
}

func perturbBatchNorm(rng *rand.Rand, bn *nn.BatchNorm1d) {
	for c := 0; c < bn.Features; c++ {
		bn.Weight[c] = 0.5 + rng.Float64()
		bn.Bias[c] = rng.Float64() - 0.5
		bn.RunningMean[c] = rng.Float64() - 0.5
		bn.RunningVar[c] = 0.5 + rng.Float64()
	}
}

// The layer output must match a point-by-point evaluation of
// y_i = Σ_j softmax_j(γ(k_j − q_i + δ_ij)) ⊙ (v_j + δ_ij), δ_ij = θ(p_j − p_i),
// with every weight channel shared by out/share value channels.
func TestForward_MatchesPointwiseReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	cfg := Config{InPlanes: 2, OutPlanes: 4, SharePlanes: 2, NSample: 2}
	l := newRandomLayer(t, cfg, 13)

	p1 := l.LinearP.Layers[0].(*nn.Linear)
	pbn := l.LinearP.Layers[1].(*nn.BatchNorm1d)
	p2 := l.LinearP.Layers[3].(*nn.Linear)
	wbn1 := l.LinearW.Layers[0].(*nn.BatchNorm1d)
	w1 := l.LinearW.Layers[2].(*nn.Linear)
	wbn2 := l.LinearW.Layers[3].(*nn.BatchNorm1d)
	w2 := l.LinearW.Layers[5].(*nn.Linear)
	for _, bn := range []*nn.BatchNorm1d{pbn, wbn1, wbn2} {
		perturbBatchNorm(rng, bn)
	}

	p := tensor.MustFromRows([][]float64{{0, 0, 0}, {1, 0.5, 0}, {3, -1, 2}})
	x := tensor.MustFromRows([][]float64{{0.3, -1.2}, {2, 0.7}, {-0.4, 1.5}})
	// Squared distances: |p0-p1|²=1.25, |p1-p2|²=11.25, |p0-p2|²=14.
	neighbours := [][]int{{0, 1}, {1, 0}, {2, 1}}

	y, att, err := l.ForwardWithAttention(context.Background(), p, x, []int{3})
	require.NoError(t, err)

	for i, nbrs := range neighbours {
		assert.Equal(t, nbrs, att.Neighbours.Row(i))

		q := refLinear(l.LinearQ, x.Row(i))
		logits := make([][]float64, len(nbrs))
		vals := make([][]float64, len(nbrs))
		for j, nj := range nbrs {
			rel := make([]float64, 3)
			for d := range rel {
				rel[d] = p.At(nj, d) - p.At(i, d)
			}
			delta := refLinear(p2, refReLU(refBatchNorm(pbn, refLinear(p1, rel))))

			k := refLinear(l.LinearK, x.Row(nj))
			v := refLinear(l.LinearV, x.Row(nj))
			w := make([]float64, 4)
			for c := range w {
				w[c] = k[c] - q[c] + delta[c]
				v[c] += delta[c]
			}
			w = refReLU(refBatchNorm(wbn1, w))
			w = refReLU(refBatchNorm(wbn2, refLinear(w1, w)))
			logits[j] = refLinear(w2, w)
			vals[j] = v
		}

		want := make([]float64, 4)
		for c := 0; c < 2; c++ {
			m := math.Max(logits[0][c], logits[1][c])
			e0, e1 := math.Exp(logits[0][c]-m), math.Exp(logits[1][c]-m)
			a := []float64{e0 / (e0 + e1), e1 / (e0 + e1)}
			for j := range nbrs {
				assert.InDelta(t, a[j], att.Weights.At(i*2+j, c), 1e-12, "point %d neighbour %d channel %d", i, j, c)
				// Weight channel c drives value channels c and c+2.
				want[c] += a[j] * vals[j][c]
				want[c+2] += a[j] * vals[j][c+2]
			}
		}
		assert.InDeltaSlice(t, want, y.Row(i), 1e-12, "point %d", i)
	}
}

func TestForward_PermutationEquivariant(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	l := newRandomLayer(t, Config{InPlanes: 3, OutPlanes: 5, NSample: 4}, 99)

	n := 12
	p := randomMatrix(rng, n, 3, 3)
	x := randomMatrix(rng, n, 3, 1)
	y, err := l.Forward(context.Background(), p, x, []int{n})
	require.NoError(t, err)

	perm := rng.Perm(n)
	pp, err := tensor.Gather(p, perm)
	require.NoError(t, err)
	xp, err := tensor.Gather(x, perm)
	require.NoError(t, err)
	yp, err := l.Forward(context.Background(), pp, xp, []int{n})
	require.NoError(t, err)

	want, err := tensor.Gather(y, perm)
	require.NoError(t, err)
	assert.True(t, tensor.EqualApprox(want, yp, 1e-9))
}

func TestForward_SegmentsAreIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(23, 24))
	l := newRandomLayer(t, Config{InPlanes: 2, OutPlanes: 4, NSample: 4}, 3)

	pa, xa := randomMatrix(rng, 8, 3, 1), randomMatrix(rng, 8, 2, 1)
	pb, xb := randomMatrix(rng, 6, 3, 1), randomMatrix(rng, 6, 2, 1)

	ya, err := l.Forward(context.Background(), pa, xa, []int{8})
	require.NoError(t, err)

	p := stack(t, pa, pb)
	x := stack(t, xa, xb)
	y, err := l.Forward(context.Background(), p, x, []int{8, 14})
	require.NoError(t, err)

	first, err := tensor.Gather(y, []int{0, 1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	assert.True(t, tensor.EqualApprox(ya, first, 1e-9))
}

func stack(t *testing.T, a, b *tensor.Matrix) *tensor.Matrix {
	t.Helper()
	out := tensor.New(a.Rows()+b.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		copy(out.Row(i), a.Row(i))
	}
	for i := 0; i < b.Rows(); i++ {
		copy(out.Row(a.Rows()+i), b.Row(i))
	}
	return out
}

func TestForward_EmptyCloud(t *testing.T) {
	l := newRandomLayer(t, Config{InPlanes: 2, OutPlanes: 2, NSample: 4}, 1)
	y, err := l.Forward(context.Background(), tensor.New(0, 3), tensor.New(0, 2), []int{0})
	require.NoError(t, err)
	r, c := y.Dims()
	assert.Equal(t, 0, r)
	assert.Equal(t, 2, c)
}

func TestForward_Errors(t *testing.T) {
	l := newRandomLayer(t, Config{InPlanes: 2, OutPlanes: 2, NSample: 2}, 1)
	ctx := context.Background()

	_, err := l.Forward(ctx, tensor.New(3, 3), tensor.New(2, 2), []int{2})
	assert.ErrorIs(t, err, tensor.ErrShape)

	_, err = l.Forward(ctx, tensor.New(2, 3), tensor.New(2, 5), []int{2})
	assert.ErrorIs(t, err, tensor.ErrShape)

	_, err = l.Forward(ctx, tensor.New(2, 3), tensor.New(2, 2), []int{1})
	assert.Error(t, err)
}
