package pcdio

import (
	"bytes"
	"testing"

	"github.com/seqsense/pcgol/pc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	xyz := tensor.MustFromRows([][]float64{
		{0, 0, 0, 0},
		{1, 2, 3, 0},
		{-1.5, 0.25, 8, 1},
	})
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, xyz, Field{Name: "norm", Values: []float64{0.5, 1, 2}}))

	got, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.True(t, tensor.EqualApprox(xyz, got, 1e-6), "got %v", got)
}

func TestToPointCloud_ExtraFields(t *testing.T) {
	xyz := tensor.MustFromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	pp, err := ToPointCloud(xyz, Field{Name: "entropy", Values: []float64{0.25, 0.75}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "entropy"}, pp.Fields)
	assert.Equal(t, 16, pp.Stride())

	it, err := pp.Float32Iterator("entropy")
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), it.Float32())
	it.Incr()
	assert.Equal(t, float32(0.75), it.Float32())
}

func TestRead_NoBatchField(t *testing.T) {
	xyz := tensor.MustFromRows([][]float64{{1, 2, 3}})
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, xyz))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Cols())
}

func TestRead_UnsignedBatch(t *testing.T) {
	pp := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version: 0.7,
			Fields:  []string{"x", "y", "z", "batch"},
			Size:    []int{4, 4, 4, 4},
			Type:    []string{"F", "F", "F", "U"},
			Count:   []int{1, 1, 1, 1},
			Width:   2,
			Height:  1,
		},
		Points: 2,
	}
	pp.Data = make([]byte, pp.Points*pp.Stride())
	it, err := pp.Uint32Iterator("batch")
	require.NoError(t, err)
	it.Incr()
	it.SetUint32(3)

	got, err := FromPointCloud(pp)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Cols())
	assert.Equal(t, 0.0, got.At(0, 3))
	assert.Equal(t, 3.0, got.At(1, 3))
}

func TestErrors(t *testing.T) {
	_, err := ToPointCloud(tensor.New(2, 2))
	assert.ErrorIs(t, err, tensor.ErrShape)

	_, err = ToPointCloud(tensor.New(2, 3), Field{Name: "norm", Values: []float64{1}})
	assert.ErrorIs(t, err, tensor.ErrShape)

	pp := &pc.PointCloud{PointCloudHeader: pc.PointCloudHeader{Fields: []string{"x", "y"}}}
	_, err = FromPointCloud(pp)
	assert.ErrorIs(t, err, ErrNoXYZ)

	_, err = Read(bytes.NewReader([]byte("not a pcd")))
	assert.Error(t, err)
}
