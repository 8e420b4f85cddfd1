// Package pointtransformer implements the Point Transformer layer: vector
// self-attention over the k nearest neighbours of every point, with a
// learned relative positional encoding.
package pointtransformer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/pointops"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

const (
	// DefaultSharePlanes shares every attention weight with one channel.
	DefaultSharePlanes = 1
	// DefaultNSample is the neighbourhood size.
	DefaultNSample = 16
)

// Config describes the layer dimensions.
type Config struct {
	InPlanes    int
	OutPlanes   int
	SharePlanes int // 0 means DefaultSharePlanes
	NSample     int // 0 means DefaultNSample
	Workers     int // neighbour search workers, 0 means GOMAXPROCS
}

func (c Config) withDefaults() Config {
	if c.SharePlanes == 0 {
		c.SharePlanes = DefaultSharePlanes
	}
	if c.NSample == 0 {
		c.NSample = DefaultNSample
	}
	return c
}

// Validate checks the dimensions.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.InPlanes <= 0 || c.OutPlanes <= 0 {
		return fmt.Errorf("in_planes and out_planes must be positive, got %d and %d", c.InPlanes, c.OutPlanes)
	}
	if c.SharePlanes < 0 || c.OutPlanes%c.SharePlanes != 0 {
		return fmt.Errorf("out_planes %d is not divisible by share_planes %d", c.OutPlanes, c.SharePlanes)
	}
	if c.NSample < 0 {
		return fmt.Errorf("nsample must be positive, got %d", c.NSample)
	}
	return nil
}

// Layer is the Point Transformer layer. Field tags are the PyTorch
// state-dict names so trained weights load directly.
type Layer struct {
	LinearQ *nn.Linear     `weight:"linear_q"`
	LinearK *nn.Linear     `weight:"linear_k"`
	LinearV *nn.Linear     `weight:"linear_v"`
	LinearP *nn.Sequential `weight:"linear_p"` // Linear(3,3), BN(3), ReLU, Linear(3,out)
	LinearW *nn.Sequential `weight:"linear_w"` // BN, ReLU, Linear, BN, ReLU, Linear

	cfg Config
}

// New allocates a layer with identity batch norms and zero linear weights.
func New(cfg Config) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	mid, out, s := cfg.OutPlanes, cfg.OutPlanes, cfg.SharePlanes

	return &Layer{
		LinearQ: nn.NewLinear(cfg.InPlanes, mid, true),
		LinearK: nn.NewLinear(cfg.InPlanes, mid, true),
		LinearV: nn.NewLinear(cfg.InPlanes, out, true),
		LinearP: nn.NewSequential(
			nn.NewLinear(3, 3, true),
			nn.NewBatchNorm1d(3),
			nn.ReLU{},
			nn.NewLinear(3, out, true),
		),
		LinearW: nn.NewSequential(
			nn.NewBatchNorm1d(mid),
			nn.ReLU{},
			nn.NewLinear(mid, mid/s, true),
			nn.NewBatchNorm1d(mid/s),
			nn.ReLU{},
			nn.NewLinear(out/s, out/s, true),
		),
		cfg: cfg,
	}, nil
}

// Config returns the effective configuration.
func (l *Layer) Config() Config { return l.cfg }

// Init draws fresh linear weights from src and resets batch norms.
func (l *Layer) Init(src rand.Source) {
	l.LinearQ.Init(src)
	l.LinearK.Init(src)
	l.LinearV.Init(src)
	l.LinearP.Init(src)
	l.LinearW.Init(src)
}

// Attention carries the neighbourhoods and normalised attention weights
// of one forward pass. Weights has N·K rows and OutPlanes/SharePlanes
// columns; row i·K+j belongs to neighbour j of point i.
type Attention struct {
	Neighbours *pointops.Neighbours
	Weights    *tensor.Matrix
}

// Entropy returns, per point, the Shannon entropy (nats) of the attention
// distribution over its neighbours averaged across weight channels.
func (a *Attention) Entropy() []float64 {
	n, k := a.Neighbours.N, a.Neighbours.K
	cw := a.Weights.Cols()
	out := make([]float64, n)
	if cw == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		var h float64
		for j := 0; j < k; j++ {
			for _, w := range a.Weights.Row(i*k + j) {
				if w > 0 {
					h -= w * math.Log(w)
				}
			}
		}
		out[i] = h / float64(cw)
	}
	return out
}

// Forward runs the layer on coordinates p (N x 3), features x
// (N x InPlanes) and cumulative batch offsets, returning N x OutPlanes.
func (l *Layer) Forward(ctx context.Context, p, x *tensor.Matrix, offsets []int) (*tensor.Matrix, error) {
	y, _, err := l.ForwardWithAttention(ctx, p, x, offsets)
	return y, err
}

// ForwardWithAttention is Forward that also returns the attention weights.
func (l *Layer) ForwardWithAttention(ctx context.Context, p, x *tensor.Matrix, offsets []int) (*tensor.Matrix, *Attention, error) {
	n := x.Rows()
	if p.Rows() != n {
		return nil, nil, fmt.Errorf("coordinates have %d rows, features %d: %w", p.Rows(), n, tensor.ErrShape)
	}
	if x.Cols() != l.cfg.InPlanes {
		return nil, nil, fmt.Errorf("features have %d channels, layer expects %d: %w", x.Cols(), l.cfg.InPlanes, tensor.ErrShape)
	}
	k := l.cfg.NSample
	diagf("forward n=%d in=%d out=%d nsample=%d segments=%d", n, l.cfg.InPlanes, l.cfg.OutPlanes, k, len(offsets))

	xq, err := l.LinearQ.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("linear_q: %w", err)
	}
	xk, err := l.LinearK.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("linear_k: %w", err)
	}
	xv, err := l.LinearV.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("linear_v: %w", err)
	}

	nb, err := pointops.KNNQuery(ctx, k, p, offsets, pointops.KNNOptions{Workers: l.cfg.Workers})
	if err != nil {
		return nil, nil, fmt.Errorf("knn query: %w", err)
	}
	pr, err := pointops.GroupRelativeXYZ(nb, p)
	if err != nil {
		return nil, nil, err
	}
	xkg, err := pointops.QueryAndGroup(nb, p, xk, false)
	if err != nil {
		return nil, nil, err
	}
	xvg, err := pointops.QueryAndGroup(nb, p, xv, false)
	if err != nil {
		return nil, nil, err
	}

	// Positional encoding, (N·K) x out.
	pr, err = l.LinearP.Forward(pr)
	if err != nil {
		return nil, nil, fmt.Errorf("linear_p: %w", err)
	}
	tracef("positional encoding %dx%d", pr.Rows(), pr.Cols())

	// w = k_j - q_i + δ_ij; mid and out planes coincide so the encoding
	// adds channel for channel.
	w := xkg
	for i := 0; i < n; i++ {
		q := xq.Row(i)
		for j := 0; j < k; j++ {
			r := i*k + j
			wr, pe := w.Row(r), pr.Row(r)
			for c := range wr {
				wr[c] += pe[c] - q[c]
			}
		}
	}
	w, err = l.LinearW.Forward(w)
	if err != nil {
		return nil, nil, fmt.Errorf("linear_w: %w", err)
	}
	softmaxOverNeighbours(w, n, k)

	// y_i = Σ_j (v_j + δ_ij) ⊙ w_ij, each weight channel shared by
	// SharePlanes value channels.
	out := l.cfg.OutPlanes
	cs := out / l.cfg.SharePlanes
	y := tensor.New(n, out)
	for i := 0; i < n; i++ {
		yr := y.Row(i)
		for j := 0; j < k; j++ {
			r := i*k + j
			vr, pe, wr := xvg.Row(r), pr.Row(r), w.Row(r)
			for c := 0; c < out; c++ {
				yr[c] += (vr[c] + pe[c]) * wr[c%cs]
			}
		}
	}
	return y, &Attention{Neighbours: nb, Weights: w}, nil
}

// softmaxOverNeighbours normalises w ((N·K) x C) over the K rows of every
// point, independently per column.
func softmaxOverNeighbours(w *tensor.Matrix, n, k int) {
	cols := w.Cols()
	buf := make([]float64, k)
	for i := 0; i < n; i++ {
		for c := 0; c < cols; c++ {
			for j := 0; j < k; j++ {
				buf[j] = w.At(i*k+j, c)
			}
			tensor.Softmax(buf)
			for j := 0; j < k; j++ {
				w.Set(i*k+j, c, buf[j])
			}
		}
	}
}
