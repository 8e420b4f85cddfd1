package fusion

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/pointtransformer"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

// Attention modes.
const (
	ModeLocal            = "local"
	ModeNoEmbeddingLocal = "no-embedding-local"
	ModeGlobal           = "global"
)

// SelfAttentiveModes lists the supported SelfAttentive modes.
var SelfAttentiveModes = []string{ModeLocal, ModeNoEmbeddingLocal}

// Attentive is implemented by modules that can report the attention
// weights of their Point Transformer layer. The attention is nil when the
// forward pass did not run one (absent modality, global mode).
type Attentive interface {
	ForwardWithAttention(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, *pointtransformer.Attention, error)
}

// SelfAttentive embeds both modalities, concatenates them main first and
// runs local vector attention over the fused features.
type SelfAttentive struct {
	E2D   *nn.Linear              `weight:"E_2d"`
	E3D   *nn.Linear              `weight:"E_3d"`
	Layer *pointtransformer.Layer `weight:"pointtransformer_layer"`

	opts Options
}

// NewSelfAttentive builds the module. Mode no-embedding-local disables
// the embedding regardless of o.Embedding.
func NewSelfAttentive(o Options) (*SelfAttentive, error) {
	o = o.withDefaults()
	switch o.Mode {
	case ModeLocal:
	case ModeNoEmbeddingLocal:
		o.Embedding = false
	default:
		return nil, unknownMode(o.Mode, SelfAttentiveModes)
	}
	if err := o.validateInputs(); err != nil {
		return nil, err
	}

	s := &SelfAttentive{opts: o}
	width := o.InMain + o.InMod
	if o.Embedding {
		s.E2D = nn.NewLinear(o.InMod, o.EmbedMod, true)
		s.E3D = nn.NewLinear(o.InMain, o.EmbedMain, true)
		width = o.EmbedMain + o.EmbedMod
	}
	layer, err := pointtransformer.New(pointtransformer.Config{
		InPlanes:  width,
		OutPlanes: width,
		NSample:   o.NSample,
		Workers:   o.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("pointtransformer_layer: %w", err)
	}
	s.Layer = layer
	return s, nil
}

func (s *SelfAttentive) Kind() string { return KindSelfAttentive }
func (s *SelfAttentive) Mode() string { return s.opts.Mode }

// Options returns the effective options.
func (s *SelfAttentive) Options() Options { return s.opts }

// OutChannels is the width of the concatenated (embedded) features.
func (s *SelfAttentive) OutChannels() int { return s.Layer.Config().OutPlanes }

// Init draws fresh weights.
func (s *SelfAttentive) Init(src rand.Source) {
	if s.E2D != nil {
		s.E2D.Init(src)
		s.E3D.Init(src)
	}
	s.Layer.Init(src)
}

// Forward fuses mod into main.
func (s *SelfAttentive) Forward(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, error) {
	y, _, err := s.ForwardWithAttention(ctx, main, mod, xyz)
	return y, err
}

// ForwardWithAttention is Forward that also returns the attention weights.
func (s *SelfAttentive) ForwardWithAttention(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, *pointtransformer.Attention, error) {
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

	if s.opts.Embedding {
		if mod, err = s.E2D.Forward(mod); err != nil {
			return nil, nil, fmt.Errorf("E_2d: %w", err)
		}
		if main, err = s.E3D.Forward(main); err != nil {
			return nil, nil, fmt.Errorf("E_3d: %w", err)
		}
	}
	fused, err := tensor.Concat(main, mod)
	if err != nil {
		return nil, nil, err
	}
	tracef("self-attentive fused %dx%d over %d segments", fused.Rows(), fused.Cols(), len(offsets))

	y, att, err := s.Layer.ForwardWithAttention(ctx, p, fused, offsets)
	if err != nil {
		return nil, nil, fmt.Errorf("pointtransformer_layer: %w", err)
	}
	if s.opts.Residual {
		if err := y.AddInPlace(fused); err != nil {
			return nil, nil, err
		}
	}
	return y, att, nil
}

func (s *SelfAttentive) String() string {
	return fmt.Sprintf("SelfAttentive(mode=%s, width=%d, nsample=%d, residual=%t, embedding=%t)",
		s.opts.Mode, s.OutChannels(), s.opts.NSample, s.opts.Residual, s.opts.Embedding)
}
