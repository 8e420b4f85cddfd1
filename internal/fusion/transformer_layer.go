package fusion

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/pointops"
	"github.com/banshee-data/ptfusion/internal/pointtransformer"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

// TransformerLayerModes lists the supported TransformerLayer modes.
var TransformerLayerModes = []string{ModeGlobal, ModeLocal}

// TransformerLayer embeds the concatenated modalities with an MLP and
// then applies either dense scaled dot-product attention (global) or the
// Point Transformer layer (local). There is no residual connection.
type TransformerLayer struct {
	E  *nn.Sequential `weight:"E"`
	WQ *nn.Linear     `weight:"W_Q"`
	WK *nn.Linear     `weight:"W_K"`
	WV *nn.Linear     `weight:"W_V"`

	Layer *pointtransformer.Layer `weight:"pointtransformer_layer"`

	opts Options
}

// NewTransformerLayer builds the module. o.OutMain defaults to
// InMain+InMod.
func NewTransformerLayer(o Options) (*TransformerLayer, error) {
	o = o.withDefaults()
	if err := o.validateInputs(); err != nil {
		return nil, err
	}
	if o.OutMain == 0 {
		o.OutMain = o.InMain + o.InMod
	}
	t := &TransformerLayer{
		E:    nn.NewMLP([]int{o.InMain + o.InMod, o.NcInner, o.NcInner}, false),
		opts: o,
	}
	switch o.Mode {
	case ModeGlobal:
		t.WQ = nn.NewLinear(o.NcInner, o.NcQK, false)
		t.WK = nn.NewLinear(o.NcInner, o.NcQK, false)
		t.WV = nn.NewLinear(o.NcInner, o.OutMain, false)
	case ModeLocal:
		layer, err := pointtransformer.New(pointtransformer.Config{
			InPlanes:  o.NcInner,
			OutPlanes: o.OutMain,
			NSample:   o.NSample,
			Workers:   o.Workers,
		})
		if err != nil {
			return nil, fmt.Errorf("pointtransformer_layer: %w", err)
		}
		t.Layer = layer
	default:
		return nil, unknownMode(o.Mode, TransformerLayerModes)
	}
	return t, nil
}

func (t *TransformerLayer) Kind() string { return KindTransformerLayer }
func (t *TransformerLayer) Mode() string { return t.opts.Mode }

// Options returns the effective options.
func (t *TransformerLayer) Options() Options { return t.opts }

func (t *TransformerLayer) OutChannels() int { return t.opts.OutMain }

// Init draws fresh weights.
func (t *TransformerLayer) Init(src rand.Source) {
	t.E.Init(src)
	if t.Layer != nil {
		t.Layer.Init(src)
		return
	}
	t.WQ.Init(src)
	t.WK.Init(src)
	t.WV.Init(src)
}

// Forward fuses mod into main.
func (t *TransformerLayer) Forward(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, error) {
	y, _, err := t.ForwardWithAttention(ctx, main, mod, xyz)
	return y, err
}

// ForwardWithAttention is Forward that also returns the local attention
// weights. Global mode returns nil attention.
func (t *TransformerLayer) ForwardWithAttention(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, *pointtransformer.Attention, error) {
	if out, ok := passthrough(main, mod); ok {
		return out, nil, nil
	}
	if err := checkRows(main, mod); err != nil {
		return nil, nil, err
	}
	fused, err := tensor.Concat(main, mod)
	if err != nil {
		return nil, nil, err
	}
	if fused, err = t.E.Forward(fused); err != nil {
		return nil, nil, fmt.Errorf("E: %w", err)
	}

	if t.opts.Mode == ModeGlobal {
		offsets := []int{fused.Rows()}
		if t.opts.PerSample && xyz != nil {
			if xyz.Rows() != fused.Rows() {
				return nil, nil, fmt.Errorf("coordinates have %d rows, features %d: %w", xyz.Rows(), fused.Rows(), tensor.ErrShape)
			}
			if offsets, err = pointops.OffsetsFromXYZ(xyz); err != nil {
				return nil, nil, err
			}
		}
		y, err := t.globalAttention(ctx, fused, offsets)
		return y, nil, err
	}

	p, offsets, err := splitXYZ(xyz, fused.Rows())
	if err != nil {
		return nil, nil, err
	}
	y, att, err := t.Layer.ForwardWithAttention(ctx, p, fused, offsets)
	if err != nil {
		return nil, nil, fmt.Errorf("pointtransformer_layer: %w", err)
	}
	return y, att, nil
}

// globalRowChunk is the number of query rows per global attention task.
const globalRowChunk = 256

// globalAttention computes softmax(Q·Kᵀ/√nc_qk)·V, each row attending to
// the rows of its segment. Rows are processed one at a time so memory
// stays linear in the number of points.
func (t *TransformerLayer) globalAttention(ctx context.Context, x *tensor.Matrix, offsets []int) (*tensor.Matrix, error) {
	n := x.Rows()
	segs, err := pointops.Segments(offsets, n)
	if err != nil {
		return nil, err
	}
	q, err := t.WQ.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("W_Q: %w", err)
	}
	k, err := t.WK.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("W_K: %w", err)
	}
	v, err := t.WV.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("W_V: %w", err)
	}
	scale := 1 / math.Sqrt(float64(t.opts.NcQK))
	y := tensor.New(n, v.Cols())
	tracef("global attention n=%d qk=%d out=%d segments=%d", n, q.Cols(), v.Cols(), len(segs))

	workers := t.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, seg := range segs {
		for lo := seg.Start; lo < seg.End; lo += globalRowChunk {
			hi := min(lo+globalRowChunk, seg.End)
			g.Go(func() error {
				scores := make([]float64, seg.Len())
				for i := lo; i < hi; i++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					qi := q.Row(i)
					for j := seg.Start; j < seg.End; j++ {
						var dot float64
						for c, kv := range k.Row(j) {
							dot += qi[c] * kv
						}
						scores[j-seg.Start] = dot * scale
					}
					tensor.Softmax(scores)
					yi := y.Row(i)
					for j, w := range scores {
						for c, vv := range v.Row(seg.Start + j) {
							yi[c] += w * vv
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return y, nil
}

func (t *TransformerLayer) String() string {
	return fmt.Sprintf("TransformerLayer(mode=%s, nc_inner=%d, nc_qk=%d, out=%d, per_sample=%t)",
		t.opts.Mode, t.opts.NcInner, t.opts.NcQK, t.opts.OutMain, t.opts.PerSample)
}
