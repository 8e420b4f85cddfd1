package pointops

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

const (
	// BruteForceLimit is the segment size at or below which neighbours are
	// found by exhaustive search instead of a kd-tree.
	BruteForceLimit = 128
	// queryChunk is the number of query points handled per worker task.
	queryChunk = 1024
)

// Neighbours holds the K nearest neighbour indices of N query points,
// row-major, ordered by ascending squared distance.
type Neighbours struct {
	N, K  int
	Index []int
	Dist2 []float64
}

// Row returns the neighbour indices of point i.
func (nb *Neighbours) Row(i int) []int { return nb.Index[i*nb.K : (i+1)*nb.K] }

// Dist2Row returns the squared neighbour distances of point i.
func (nb *Neighbours) Dist2Row(i int) []float64 { return nb.Dist2[i*nb.K : (i+1)*nb.K] }

// KNNOptions tunes KNNQuery. The zero value uses GOMAXPROCS workers.
type KNNOptions struct {
	Workers int
}

// KNNQuery finds the nsample nearest points of every point in p (N x 3)
// among the points of its own segment. A point is always its own first
// neighbour, even among coincident points. Other ties are broken by the
// lower index. A segment holding fewer
// than nsample points fills the remaining slots with the segment's first
// index and an infinite distance.
func KNNQuery(ctx context.Context, nsample int, p *tensor.Matrix, offsets []int, opts KNNOptions) (*Neighbours, error) {
	if nsample <= 0 {
		return nil, fmt.Errorf("nsample must be positive, got %d", nsample)
	}
	n, cols := p.Dims()
	if cols != 3 {
		return nil, fmt.Errorf("coordinates must have 3 columns, got %d: %w", cols, tensor.ErrShape)
	}
	segs, err := Segments(offsets, n)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		for _, v := range p.Row(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("point %d has non-finite coordinate %v", i, v)
			}
		}
	}

	nb := &Neighbours{
		N:     n,
		K:     nsample,
		Index: make([]int, n*nsample),
		Dist2: make([]float64, n*nsample),
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for si, seg := range segs {
		if seg.Len() == 0 {
			continue
		}
		if seg.Len() < nsample {
			diagf("segment %d has %d points, fewer than nsample=%d; padding with index %d", si, seg.Len(), nsample, seg.Start)
		}
		search := newSegmentSearch(p, seg)
		for lo := seg.Start; lo < seg.End; lo += queryChunk {
			hi := min(lo+queryChunk, seg.End)
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				for i := lo; i < hi; i++ {
					search.query(i, nb.Row(i), nb.Dist2Row(i))
				}
				return nil
			})
		}
		tracef("segment %d [%d,%d) queued, kdtree=%t", si, seg.Start, seg.End, search.tree != nil)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nb, nil
}

// segmentSearch answers neighbour queries within one segment.
type segmentSearch struct {
	p    *tensor.Matrix
	seg  Segment
	tree *kdtree.Tree
}

func newSegmentSearch(p *tensor.Matrix, seg Segment) *segmentSearch {
	s := &segmentSearch{p: p, seg: seg}
	if seg.Len() > BruteForceLimit {
		pts := make(indexedPoints, 0, seg.Len())
		for i := seg.Start; i < seg.End; i++ {
			pts = append(pts, newIndexedPoint(p, i))
		}
		s.tree = kdtree.New(pts, false)
	}
	return s
}

type candidate struct {
	index int
	dist2 float64
}

// byDistance orders candidates with self first, then by squared distance
// and index. Coincident points would otherwise displace self.
func byDistance(self int, cands []candidate) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := cands[i], cands[j]
		if (a.index == self) != (b.index == self) {
			return a.index == self
		}
		if a.dist2 != b.dist2 {
			return a.dist2 < b.dist2
		}
		return a.index < b.index
	}
}

// query writes the neighbours of point i into idx and dist2.
func (s *segmentSearch) query(i int, idx []int, dist2 []float64) {
	k := len(idx)
	var cands []candidate
	if s.tree == nil {
		cands = s.bruteForce(i)
	} else {
		cands = s.treeSearch(i, min(k, s.seg.Len()))
	}
	sort.Slice(cands, byDistance(i, cands))

	for j := 0; j < k; j++ {
		if j < len(cands) {
			idx[j] = cands[j].index
			dist2[j] = cands[j].dist2
			continue
		}
		idx[j] = s.seg.Start
		dist2[j] = math.Inf(1)
	}
}

func (s *segmentSearch) bruteForce(i int) []candidate {
	q := s.p.Row(i)
	cands := make([]candidate, 0, s.seg.Len())
	for j := s.seg.Start; j < s.seg.End; j++ {
		r := s.p.Row(j)
		dx, dy, dz := r[0]-q[0], r[1]-q[1], r[2]-q[2]
		cands = append(cands, candidate{index: j, dist2: dx*dx + dy*dy + dz*dz})
	}
	return cands
}

// treeSearch returns at least the k nearest points of i, plus every point
// tied with the k-th distance, so the final order matches bruteForce.
func (s *segmentSearch) treeSearch(i, k int) []candidate {
	q := newIndexedPoint(s.p, i)
	nk := kdtree.NewNKeeper(k)
	s.tree.NearestSet(nk, q)
	kth := 0.0
	for _, c := range nk.Heap {
		if c.Comparable != nil && c.Dist > kth {
			kth = c.Dist
		}
	}

	keep := kdtree.NewDistKeeper(kth)
	s.tree.NearestSet(keep, q)
	cands := make([]candidate, 0, len(keep.Heap))
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		cands = append(cands, candidate{index: c.Comparable.(indexedPoint).index, dist2: c.Dist})
	}
	return cands
}

// indexedPoint is a kd-tree point that remembers its source row.
type indexedPoint struct {
	coord [3]float64
	index int
}

func newIndexedPoint(p *tensor.Matrix, i int) indexedPoint {
	r := p.Row(i)
	return indexedPoint{coord: [3]float64{r[0], r[1], r[2]}, index: i}
}

// Compare returns the signed distance of p from the plane through c
// perpendicular to dimension d.
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coord[d] - q.coord[d]
}

// Dims returns the number of dimensions described by the receiver.
func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between c and the receiver.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	var sum float64
	for d := range p.coord {
		diff := p.coord[d] - q.coord[d]
		sum += diff * diff
	}
	return sum
}

// indexedPoints is a kdtree.Interface over indexedPoint values.
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{indexedPoints: p, Dim: d}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane is a kdtree.SortSlicer for partitioning indexedPoints along Dim.
type plane struct {
	kdtree.Dim
	indexedPoints
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].coord[p.Dim] < p.indexedPoints[j].coord[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
