package pointops

import (
	"fmt"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// QueryAndGroup gathers the neighbour features of every point into an
// (N·K) x C matrix, row i·K+j holding neighbour j of point i. With useXYZ
// the neighbour's coordinates relative to the query point are prepended,
// giving (N·K) x (3+C).
func QueryAndGroup(nb *Neighbours, p, feats *tensor.Matrix, useXYZ bool) (*tensor.Matrix, error) {
	if feats.Rows() != nb.N {
		return nil, fmt.Errorf("features have %d rows, neighbours %d: %w", feats.Rows(), nb.N, tensor.ErrShape)
	}
	c := feats.Cols()
	width := c
	if useXYZ {
		if p.Rows() != nb.N || p.Cols() != 3 {
			r, cc := p.Dims()
			return nil, fmt.Errorf("coordinates are %dx%d, want %dx3: %w", r, cc, nb.N, tensor.ErrShape)
		}
		width += 3
	}

	out := tensor.New(nb.N*nb.K, width)
	for i := 0; i < nb.N; i++ {
		center := []float64(nil)
		if useXYZ {
			center = p.Row(i)
		}
		for j, src := range nb.Row(i) {
			row := out.Row(i*nb.K + j)
			off := 0
			if useXYZ {
				q := p.Row(src)
				row[0] = q[0] - center[0]
				row[1] = q[1] - center[1]
				row[2] = q[2] - center[2]
				off = 3
			}
			copy(row[off:], feats.Row(src))
		}
	}
	return out, nil
}

// GroupRelativeXYZ returns only the relative neighbour coordinates,
// (N·K) x 3.
func GroupRelativeXYZ(nb *Neighbours, p *tensor.Matrix) (*tensor.Matrix, error) {
	return QueryAndGroup(nb, p, tensor.New(nb.N, 0), true)
}
