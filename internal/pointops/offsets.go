package pointops

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// BatchColumn is the xyz column holding the sample index of each point.
const BatchColumn = 3

// ErrOffsets is returned (wrapped) for malformed batch offsets.
var ErrOffsets = errors.New("pointops: invalid offsets")

// Segment is the half-open row range [Start, End) of one sample.
type Segment struct {
	Start, End int
}

// Len returns the number of points in the segment.
func (s Segment) Len() int { return s.End - s.Start }

// OffsetsFromXYZ converts the per-point batch column of xyz into
// cumulative end offsets, one per batch index from 0 to the largest seen.
// Points must be grouped by batch in non-decreasing order, and no batch
// index may exceed the number of points. A 3-column input is a single
// sample.
func OffsetsFromXYZ(xyz *tensor.Matrix) ([]int, error) {
	rows, cols := xyz.Dims()
	if cols < 3 {
		return nil, fmt.Errorf("xyz needs at least 3 columns, got %d: %w", cols, tensor.ErrShape)
	}
	if cols == 3 {
		return []int{rows}, nil
	}
	batch := make([]int, rows)
	for i := 0; i < rows; i++ {
		v := xyz.At(i, BatchColumn)
		if v < 0 || v > float64(rows) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: row %d has batch index %v", ErrOffsets, i, v)
		}
		batch[i] = int(v)
	}
	return OffsetsFromBatch(batch)
}

// OffsetsFromBatch builds cumulative offsets from sorted batch indices.
// Batch indices with no points yield empty segments. An index larger than
// len(batch) is rejected.
func OffsetsFromBatch(batch []int) ([]int, error) {
	if len(batch) == 0 {
		return []int{0}, nil
	}
	maxBatch := 0
	for i, b := range batch {
		if b < 0 {
			return nil, fmt.Errorf("%w: negative batch index %d at row %d", ErrOffsets, b, i)
		}
		if b > len(batch) {
			return nil, fmt.Errorf("%w: batch index %d at row %d exceeds point count %d", ErrOffsets, b, i, len(batch))
		}
		if i > 0 && b < batch[i-1] {
			return nil, fmt.Errorf("%w: batch index decreases at row %d (%d after %d)", ErrOffsets, i, b, batch[i-1])
		}
		if b > maxBatch {
			maxBatch = b
		}
	}
	counts := make([]int, maxBatch+1)
	for _, b := range batch {
		counts[b]++
	}
	offsets := make([]int, len(counts))
	total := 0
	for i, c := range counts {
		total += c
		offsets[i] = total
	}
	return offsets, nil
}

// Segments turns cumulative offsets into row ranges and checks that they
// are non-decreasing and cover exactly n rows.
func Segments(offsets []int, n int) ([]Segment, error) {
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: no offsets", ErrOffsets)
	}
	segs := make([]Segment, len(offsets))
	start := 0
	for i, end := range offsets {
		if end < start {
			return nil, fmt.Errorf("%w: offset %d (%d) is below %d", ErrOffsets, i, end, start)
		}
		segs[i] = Segment{Start: start, End: end}
		start = end
	}
	if start != n {
		return nil, fmt.Errorf("%w: offsets cover %d rows, have %d", ErrOffsets, start, n)
	}
	return segs, nil
}

// Coords returns the first three columns of xyz.
func Coords(xyz *tensor.Matrix) (*tensor.Matrix, error) {
	if xyz.Cols() < 3 {
		return nil, fmt.Errorf("xyz needs at least 3 columns, got %d: %w", xyz.Cols(), tensor.ErrShape)
	}
	if xyz.Cols() == 3 {
		return xyz, nil
	}
	return tensor.SliceCols(xyz, 0, 3)
}
