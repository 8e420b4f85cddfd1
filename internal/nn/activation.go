package nn

import "github.com/banshee-data/ptfusion/internal/tensor"

// ReLU is max(0, x).
type ReLU struct{}

// Forward returns a rectified copy of x.
func (ReLU) Forward(x *tensor.Matrix) (*tensor.Matrix, error) {
	y := x.Clone()
	y.Apply(func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	})
	return y, nil
}

// DefaultLeakySlope is the negative slope torch_points3d MLP blocks use.
const DefaultLeakySlope = 0.2

// LeakyReLU is x for x >= 0 and Slope*x otherwise.
type LeakyReLU struct {
	Slope float64
}

// Forward returns a rectified copy of x.
func (l LeakyReLU) Forward(x *tensor.Matrix) (*tensor.Matrix, error) {
	y := x.Clone()
	y.Apply(func(v float64) float64 {
		if v < 0 {
			return v * l.Slope
		}
		return v
	})
	return y, nil
}
