package nn

import (
	"fmt"
	"math"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// DefaultBatchNormEps matches torch.nn.BatchNorm1d.
const DefaultBatchNormEps = 1e-5

// BatchNorm1d normalises every channel (column) independently.
//
// In the default evaluation mode the running statistics are used. With
// UseBatchStats set, the mean and biased variance of the current input
// are used instead, which is what a PyTorch module in training mode
// computes for its output.
type BatchNorm1d struct {
	Weight      tensor.Vector `weight:"weight"`
	Bias        tensor.Vector `weight:"bias"`
	RunningMean tensor.Vector `weight:"running_mean"`
	RunningVar  tensor.Vector `weight:"running_var"`

	Features      int
	Eps           float64
	UseBatchStats bool
}

// NewBatchNorm1d returns an identity-initialised normalisation layer:
// unit weight, zero bias, zero mean and unit variance.
func NewBatchNorm1d(features int) *BatchNorm1d {
	bn := &BatchNorm1d{
		Weight:      make(tensor.Vector, features),
		Bias:        make(tensor.Vector, features),
		RunningMean: make(tensor.Vector, features),
		RunningVar:  make(tensor.Vector, features),
		Features:    features,
		Eps:         DefaultBatchNormEps,
	}
	bn.Reset()
	return bn
}

// Reset restores the identity initialisation.
func (bn *BatchNorm1d) Reset() {
	for i := 0; i < bn.Features; i++ {
		bn.Weight[i] = 1
		bn.Bias[i] = 0
		bn.RunningMean[i] = 0
		bn.RunningVar[i] = 1
	}
}

// Forward normalises x column-wise and returns a new matrix.
func (bn *BatchNorm1d) Forward(x *tensor.Matrix) (*tensor.Matrix, error) {
	if x.Cols() != bn.Features {
		return nil, fmt.Errorf("batchnorm(%d): input has %d channels: %w", bn.Features, x.Cols(), tensor.ErrShape)
	}
	mean, variance := bn.RunningMean, bn.RunningVar
	if bn.UseBatchStats {
		if x.Rows() < 2 {
			return nil, fmt.Errorf("batchnorm(%d): batch statistics need more than one row, got %d", bn.Features, x.Rows())
		}
		mean, variance = columnMoments(x)
	}

	eps := bn.Eps
	if eps == 0 {
		eps = DefaultBatchNormEps
	}
	scale := make([]float64, bn.Features)
	shift := make([]float64, bn.Features)
	for c := 0; c < bn.Features; c++ {
		scale[c] = bn.Weight[c] / math.Sqrt(variance[c]+eps)
		shift[c] = bn.Bias[c] - mean[c]*scale[c]
	}

	y := x.Clone()
	for i := 0; i < y.Rows(); i++ {
		row := y.Row(i)
		for c := range row {
			row[c] = row[c]*scale[c] + shift[c]
		}
	}
	return y, nil
}

// columnMoments returns the per-column mean and biased variance.
func columnMoments(x *tensor.Matrix) (mean, variance tensor.Vector) {
	rows, cols := x.Dims()
	mean = make(tensor.Vector, cols)
	variance = make(tensor.Vector, cols)
	for i := 0; i < rows; i++ {
		for c, v := range x.Row(i) {
			mean[c] += v
		}
	}
	for c := range mean {
		mean[c] /= float64(rows)
	}
	for i := 0; i < rows; i++ {
		for c, v := range x.Row(i) {
			d := v - mean[c]
			variance[c] += d * d
		}
	}
	for c := range variance {
		variance[c] /= float64(rows)
	}
	return mean, variance
}

// FastBatchNorm1d wraps BatchNorm1d under a "batch_norm" key, the layout
// torch_points3d MLP blocks export.
type FastBatchNorm1d struct {
	BatchNorm *BatchNorm1d `weight:"batch_norm"`
}

// NewFastBatchNorm1d returns an identity-initialised wrapped layer.
func NewFastBatchNorm1d(features int) *FastBatchNorm1d {
	return &FastBatchNorm1d{BatchNorm: NewBatchNorm1d(features)}
}

// Forward delegates to the wrapped layer.
func (f *FastBatchNorm1d) Forward(x *tensor.Matrix) (*tensor.Matrix, error) {
	return f.BatchNorm.Forward(x)
}
