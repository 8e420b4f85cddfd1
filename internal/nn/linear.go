package nn

import (
	"fmt"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// Module is a differentiable-in-principle layer evaluated forward only.
// Inputs are (rows, channels) matrices.
type Module interface {
	Forward(x *tensor.Matrix) (*tensor.Matrix, error)
}

// Linear is y = x·Wᵀ + b with W stored as (out, in), matching the
// PyTorch state-dict layout so exported weights load unchanged.
type Linear struct {
	Weight *tensor.Matrix `weight:"weight"`
	Bias   tensor.Vector  `weight:"bias"` // nil when constructed without bias

	In, Out int
}

// NewLinear allocates a zeroed Linear layer. Call Init or load weights
// before use.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{
		Weight: tensor.New(out, in),
		In:     in,
		Out:    out,
	}
	if bias {
		l.Bias = make(tensor.Vector, out)
	}
	return l
}

// Forward applies the affine map to every row of x.
func (l *Linear) Forward(x *tensor.Matrix) (*tensor.Matrix, error) {
	if x.Cols() != l.In {
		return nil, fmt.Errorf("linear %d->%d: input has %d channels: %w", l.In, l.Out, x.Cols(), tensor.ErrShape)
	}
	y, err := tensor.MulT(x, l.Weight)
	if err != nil {
		return nil, err
	}
	if l.Bias != nil {
		if err := y.AddRowVector(l.Bias); err != nil {
			return nil, err
		}
	}
	return y, nil
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in=%d, out=%d, bias=%t)", l.In, l.Out, l.Bias != nil)
}
