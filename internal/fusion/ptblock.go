package fusion

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/pointtransformer"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

// PTBlockModes lists the supported PTBlock modes.
var PTBlockModes = []string{ModeLocal}

// PTBlock projects the concatenated modalities down to NcInner channels,
// runs the Point Transformer layer there, projects back up and adds the
// raw concatenation.
type PTBlock struct {
	EIn   *nn.Linear              `weight:"E_in"`
	EOut  *nn.Linear              `weight:"E_out"`
	Layer *pointtransformer.Layer `weight:"pointtransformer_layer"`

	opts Options
}

// NewPTBlock builds the module.
func NewPTBlock(o Options) (*PTBlock, error) {
	o = o.withDefaults()
	if o.Mode != ModeLocal {
		return nil, unknownMode(o.Mode, PTBlockModes)
	}
	if err := o.validateInputs(); err != nil {
		return nil, err
	}
	width := o.InMain + o.InMod
	layer, err := pointtransformer.New(pointtransformer.Config{
		InPlanes:  o.NcInner,
		OutPlanes: o.NcInner,
		NSample:   o.NSample,
		Workers:   o.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("pointtransformer_layer: %w", err)
	}
	return &PTBlock{
		EIn:   nn.NewLinear(width, o.NcInner, true),
		EOut:  nn.NewLinear(o.NcInner, width, true),
		Layer: layer,
		opts:  o,
	}, nil
}

func (b *PTBlock) Kind() string { return KindPTBlock }
func (b *PTBlock) Mode() string { return b.opts.Mode }

// Options returns the effective options.
func (b *PTBlock) Options() Options { return b.opts }

func (b *PTBlock) OutChannels() int { return b.opts.InMain + b.opts.InMod }

// Init draws fresh weights.
func (b *PTBlock) Init(src rand.Source) {
	b.EIn.Init(src)
	b.Layer.Init(src)
	b.EOut.Init(src)
}

// Forward fuses mod into main.
func (b *PTBlock) Forward(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, error) {
	y, _, err := b.ForwardWithAttention(ctx, main, mod, xyz)
	return y, err
}

// ForwardWithAttention is Forward that also returns the attention weights.
func (b *PTBlock) ForwardWithAttention(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, *pointtransformer.Attention, error) {
	if out, ok := passthrough(main, mod); ok {
		return out, nil, nil
	}
	if err := checkRows(main, mod); err != nil {
		return nil, nil, err
	}
	p, offsets, err := splitXYZ(xyz, main.Rows())
	if err != nil {
		return nil, nil, err
	}
	res, err := tensor.Concat(main, mod)
	if err != nil {
		return nil, nil, err
	}
	h, err := b.EIn.Forward(res)
	if err != nil {
		return nil, nil, fmt.Errorf("E_in: %w", err)
	}
	h, att, err := b.Layer.ForwardWithAttention(ctx, p, h, offsets)
	if err != nil {
		return nil, nil, fmt.Errorf("pointtransformer_layer: %w", err)
	}
	y, err := b.EOut.Forward(h)
	if err != nil {
		return nil, nil, fmt.Errorf("E_out: %w", err)
	}
	if err := y.AddInPlace(res); err != nil {
		return nil, nil, err
	}
	return y, att, nil
}

func (b *PTBlock) String() string {
	return fmt.Sprintf("PTBlock(width=%d, nc_inner=%d, nsample=%d)", b.OutChannels(), b.opts.NcInner, b.opts.NSample)
}
