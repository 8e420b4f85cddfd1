// Package pcdio converts between PCD point cloud files and coordinate
// matrices.
package pcdio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// BatchField is the optional per-point sample index field.
const BatchField = "batch"

// ErrNoXYZ is returned when a cloud lacks x, y or z.
var ErrNoXYZ = errors.New("pcdio: point cloud has no x, y, z fields")

// Read decodes a PCD stream into an N x 3 coordinate matrix, or N x 4
// with the sample index in the last column when the cloud carries a
// "batch" field (float or unsigned).
func Read(r io.Reader) (*tensor.Matrix, error) {
	pp, err := pc.Unmarshal(r)
	if err != nil {
		return nil, fmt.Errorf("pcdio: decode: %w", err)
	}
	return FromPointCloud(pp)
}

// FromPointCloud extracts coordinates (and batch indices) from pp.
func FromPointCloud(pp *pc.PointCloud) (*tensor.Matrix, error) {
	if !hasFields(pp, "x", "y", "z") {
		return nil, ErrNoXYZ
	}
	n := pp.Points
	batch, err := readBatch(pp)
	if err != nil {
		return nil, err
	}
	cols := 3
	if batch != nil {
		cols = 4
	}
	out := tensor.New(n, cols)
	if n == 0 {
		return out, nil
	}
	it, err := pp.Vec3Iterator()
	if err != nil {
		return nil, fmt.Errorf("pcdio: %w", err)
	}
	for i := 0; i < n; i++ {
		v := it.Vec3()
		row := out.Row(i)
		row[0], row[1], row[2] = float64(v[0]), float64(v[1]), float64(v[2])
		if batch != nil {
			row[3] = batch[i]
		}
		it.Incr()
	}
	return out, nil
}

func readBatch(pp *pc.PointCloud) ([]float64, error) {
	idx := fieldIndex(pp, BatchField)
	if idx < 0 || pp.Points == 0 {
		if idx >= 0 {
			return []float64{}, nil
		}
		return nil, nil
	}
	out := make([]float64, pp.Points)
	switch pp.Type[idx] {
	case "F":
		it, err := pp.Float32Iterator(BatchField)
		if err != nil {
			return nil, fmt.Errorf("pcdio: batch: %w", err)
		}
		for i := range out {
			out[i] = float64(it.Float32())
			it.Incr()
		}
	case "U":
		it, err := pp.Uint32Iterator(BatchField)
		if err != nil {
			return nil, fmt.Errorf("pcdio: batch: %w", err)
		}
		for i := range out {
			out[i] = float64(it.Uint32())
			it.Incr()
		}
	default:
		return nil, fmt.Errorf("pcdio: batch field has unsupported type %q", pp.Type[idx])
	}
	return out, nil
}

// Field is an extra per-point scalar written alongside the coordinates.
type Field struct {
	Name   string
	Values []float64
}

// Write encodes the first three columns of xyz and the extra fields as a
// binary PCD with float32 fields. A fourth xyz column is written as the
// batch field.
func Write(w io.Writer, xyz *tensor.Matrix, fields ...Field) error {
	pp, err := ToPointCloud(xyz, fields...)
	if err != nil {
		return err
	}
	if err := pc.Marshal(pp, w); err != nil {
		return fmt.Errorf("pcdio: encode: %w", err)
	}
	return nil
}

// ToPointCloud builds a PCD point cloud from xyz and extra fields.
func ToPointCloud(xyz *tensor.Matrix, fields ...Field) (*pc.PointCloud, error) {
	n, cols := xyz.Dims()
	if cols < 3 {
		return nil, fmt.Errorf("pcdio: xyz needs at least 3 columns, got %d: %w", cols, tensor.ErrShape)
	}
	if cols > 3 {
		batch := make([]float64, n)
		for i := range batch {
			batch[i] = xyz.At(i, 3)
		}
		fields = append([]Field{{Name: BatchField, Values: batch}}, fields...)
	}
	names := []string{"x", "y", "z"}
	for _, f := range fields {
		if len(f.Values) != n {
			return nil, fmt.Errorf("pcdio: field %s has %d values for %d points: %w", f.Name, len(f.Values), n, tensor.ErrShape)
		}
		names = append(names, f.Name)
	}

	k := len(names)
	header := pc.PointCloudHeader{
		Version:   0.7,
		Fields:    names,
		Size:      repeat(4, k),
		Type:      make([]string, k),
		Count:     repeat(1, k),
		Width:     n,
		Height:    1,
		Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
	}
	for i := range header.Type {
		header.Type[i] = "F"
	}
	pp := &pc.PointCloud{PointCloudHeader: header, Points: n}
	stride := pp.Stride()
	pp.Data = make([]byte, n*stride)
	if n == 0 {
		return pp, nil
	}

	it, err := pp.Vec3Iterator()
	if err != nil {
		return nil, fmt.Errorf("pcdio: %w", err)
	}
	for i := 0; i < n; i++ {
		it.SetVec3(mat.Vec3{float32(xyz.At(i, 0)), float32(xyz.At(i, 1)), float32(xyz.At(i, 2))})
		it.Incr()
	}
	// Extra fields follow x, y, z as little-endian float32.
	for j, f := range fields {
		off := 12 + 4*j
		for i, v := range f.Values {
			binary.LittleEndian.PutUint32(pp.Data[i*stride+off:], math.Float32bits(float32(v)))
		}
	}
	return pp, nil
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func fieldIndex(pp *pc.PointCloud, name string) int {
	for i, f := range pp.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

func hasFields(pp *pc.PointCloud, names ...string) bool {
	for _, n := range names {
		if fieldIndex(pp, n) < 0 {
			return false
		}
	}
	return true
}
