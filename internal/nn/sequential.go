package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// Sequential chains modules. Its children are addressed by position, so
// a Sequential under "linear_p" exposes "linear_p.0.weight" and so on.
type Sequential struct {
	Layers []Module `weight:""`
}

// NewSequential returns a Sequential over layers.
func NewSequential(layers ...Module) *Sequential {
	return &Sequential{Layers: layers}
}

// Forward runs x through every layer in order.
func (s *Sequential) Forward(x *tensor.Matrix) (*tensor.Matrix, error) {
	var err error
	for i, l := range s.Layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return x, nil
}

// Init initialises every child that has parameters.
func (s *Sequential) Init(src rand.Source) {
	for _, l := range s.Layers {
		if in, ok := l.(Initializer); ok {
			in.Init(src)
		}
	}
}

// NewMLP builds the torch_points3d MLP: for each consecutive pair of
// channel counts a stage of Linear, FastBatchNorm1d and LeakyReLU(0.2).
// Stage i exposes "<i>.0.weight" and "<i>.1.batch_norm.*".
func NewMLP(channels []int, bias bool) *Sequential {
	if len(channels) < 2 {
		return NewSequential()
	}
	stages := make([]Module, 0, len(channels)-1)
	for i := 1; i < len(channels); i++ {
		stages = append(stages, NewSequential(
			NewLinear(channels[i-1], channels[i], bias),
			NewFastBatchNorm1d(channels[i]),
			LeakyReLU{Slope: DefaultLeakySlope},
		))
	}
	return NewSequential(stages...)
}
