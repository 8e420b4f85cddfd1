package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulT(t *testing.T) {
	x := MustFromRows([][]float64{
		{1, 2},
		{3, 4},
		{5, 6},
	})
	// PyTorch Linear layout: (out, in)
	w := MustFromRows([][]float64{
		{1, 0},
		{0, 1},
		{1, 1},
	})

	got, err := MulT(x, w)
	require.NoError(t, err)

	want := [][]float64{
		{1, 2, 3},
		{3, 4, 7},
		{5, 6, 11},
	}
	for i, row := range want {
		if diff := cmp.Diff(row, got.Row(i)); diff != "" {
			t.Errorf("row %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestMulT_ShapeMismatch(t *testing.T) {
	_, err := MulT(New(2, 3), New(4, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestMulT_EmptyRows(t *testing.T) {
	out, err := MulT(New(0, 3), New(5, 3))
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 0, r)
	assert.Equal(t, 5, c)
}

func TestMul(t *testing.T) {
	a := MustFromRows([][]float64{{1, 2}, {3, 4}})
	b := MustFromRows([][]float64{{0, 1}, {1, 0}})
	got, err := Mul(a, b)
	require.NoError(t, err)
	assert.True(t, EqualApprox(got, MustFromRows([][]float64{{2, 1}, {4, 3}}), 0))
}

func TestConcat(t *testing.T) {
	a := MustFromRows([][]float64{{1}, {2}})
	b := MustFromRows([][]float64{{10, 11}, {20, 21}})

	got, err := Concat(a, b)
	require.NoError(t, err)
	assert.True(t, EqualApprox(got, MustFromRows([][]float64{{1, 10, 11}, {2, 20, 21}}), 0))

	_, err = Concat(a, New(3, 1))
	assert.ErrorIs(t, err, ErrShape)
}

func TestAdd(t *testing.T) {
	a := MustFromRows([][]float64{{1, 2}, {3, 4}})
	b := MustFromRows([][]float64{{1, 1}, {1, 1}})

	got, err := Add(a, b)
	require.NoError(t, err)
	assert.True(t, EqualApprox(got, MustFromRows([][]float64{{2, 3}, {4, 5}}), 0))
	// operands untouched
	assert.Equal(t, 1.0, a.At(0, 0))

	_, err = Add(a, New(2, 3))
	assert.ErrorIs(t, err, ErrShape)
}

func TestGather(t *testing.T) {
	m := MustFromRows([][]float64{{0, 0}, {1, 1}, {2, 2}})

	got, err := Gather(m, []int{2, 0, 2})
	require.NoError(t, err)
	assert.True(t, EqualApprox(got, MustFromRows([][]float64{{2, 2}, {0, 0}, {2, 2}}), 0))

	_, err = Gather(m, []int{3})
	assert.ErrorIs(t, err, ErrShape)
}

func TestSliceCols(t *testing.T) {
	m := MustFromRows([][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}})
	got, err := SliceCols(m, 0, 3)
	require.NoError(t, err)
	assert.True(t, EqualApprox(got, MustFromRows([][]float64{{1, 2, 3}, {5, 6, 7}}), 0))

	_, err = SliceCols(m, 2, 5)
	assert.ErrorIs(t, err, ErrShape)
}

func TestSoftmax(t *testing.T) {
	xs := []float64{1, 2, 3}
	Softmax(xs)

	var sum float64
	for _, v := range xs {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Less(t, xs[0], xs[1])
	assert.Less(t, xs[1], xs[2])

	// Large inputs must not overflow.
	big := []float64{1000, 1000}
	Softmax(big)
	assert.InDelta(t, 0.5, big[0], 1e-12)
	assert.False(t, math.IsNaN(big[1]))
}

func TestAddRowVector(t *testing.T) {
	m := MustFromRows([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, m.AddRowVector(Vector{10, 20}))
	assert.True(t, EqualApprox(m, MustFromRows([][]float64{{11, 22}, {13, 24}}), 0))
	assert.ErrorIs(t, m.AddRowVector(Vector{1}), ErrShape)
}

func TestReshapeSharesStorage(t *testing.T) {
	m := MustFromRows([][]float64{{1, 2, 3, 4}})
	v, err := m.Reshape(2, 2)
	require.NoError(t, err)
	v.Set(1, 1, 40)
	assert.Equal(t, 40.0, m.At(0, 3))

	_, err = m.Reshape(3, 1)
	assert.ErrorIs(t, err, ErrShape)
}

func TestRowNorms(t *testing.T) {
	m := MustFromRows([][]float64{{3, 4}, {0, 0}})
	assert.Equal(t, []float64{5, 0}, m.RowNorms())
}

func TestFromFloat32(t *testing.T) {
	m, err := FromFloat32(1, 2, []float32{0.5, 1.5})
	require.NoError(t, err)
	assert.Equal(t, 1.5, m.At(0, 1))

	_, err = FromFloat32(2, 2, []float32{1})
	assert.ErrorIs(t, err, ErrShape)
}

func TestFromSlice_RejectsOverflowingShape(t *testing.T) {
	_, err := FromSlice(1<<32, 1<<32, nil)
	assert.ErrorIs(t, err, ErrShape)
	_, err = FromFloat32(1<<32, 1<<32, nil)
	assert.ErrorIs(t, err, ErrShape)
	_, err = FromSlice(-1, -2, []float64{1, 2})
	assert.ErrorIs(t, err, ErrShape)

	m, err := FromSlice(0, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Rows())
}

func TestDenseEmpty(t *testing.T) {
	assert.Nil(t, New(0, 4).Dense())
	assert.NotNil(t, New(1, 4).Dense())
}
