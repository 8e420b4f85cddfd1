package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned (wrapped) when operand shapes are incompatible.
var ErrShape = errors.New("tensor: shape mismatch")

// Matrix is a dense row-major float64 matrix. Rows index points and
// columns index feature channels throughout ptfusion.
//
// Unlike *mat.Dense a Matrix may have zero rows, which is how an empty
// point cloud flows through the layers.
type Matrix struct {
	rows, cols int
	data       []float64
}

// Vector is a dense float64 vector (biases, normalisation statistics).
type Vector []float64

// New returns a zeroed rows x cols matrix.
func New(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: negative dimension %dx%d", rows, cols))
	}
	return &Matrix{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

// shapeHolds reports whether n values fill a rows x cols matrix exactly,
// without forming the possibly overflowing product rows*cols.
func shapeHolds(rows, cols, n int) bool {
	if rows < 0 || cols < 0 {
		return false
	}
	if rows == 0 || cols == 0 {
		return n == 0
	}
	return n%cols == 0 && n/cols == rows
}

// FromSlice wraps data (not copied) as a rows x cols matrix.
func FromSlice(rows, cols int, data []float64) (*Matrix, error) {
	if !shapeHolds(rows, cols, len(data)) {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	return &Matrix{rows: rows, cols: cols, data: data}, nil
}

// FromFloat32 copies data into a new rows x cols matrix.
func FromFloat32(rows, cols int, data []float32) (*Matrix, error) {
	if !shapeHolds(rows, cols, len(data)) {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	m := New(rows, cols)
	for i, v := range data {
		m.data[i] = float64(v)
	}
	return m, nil
}

// FromRows copies a slice of equally sized rows into a new matrix.
func FromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return New(0, 0), nil
	}
	cols := len(rows[0])
	m := New(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(r), cols)
		}
		copy(m.data[i*cols:], r)
	}
	return m, nil
}

// MustFromRows is FromRows for literals in tests and fixtures.
func MustFromRows(rows [][]float64) *Matrix {
	m, err := FromRows(rows)
	if err != nil {
		panic(err)
	}
	return m
}

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (rows, cols int) { return m.rows, m.cols }

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// At returns the element at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.data[i*m.cols+j] }

// Set sets the element at row i, column j.
func (m *Matrix) Set(i, j int, v float64) { m.data[i*m.cols+j] = v }

// Row returns row i. The slice aliases the matrix storage.
func (m *Matrix) Row(i int) []float64 { return m.data[i*m.cols : (i+1)*m.cols] }

// RawData returns the backing row-major storage.
func (m *Matrix) RawData() []float64 { return m.data }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.rows, m.cols)
	copy(c.data, m.data)
	return c
}

// Reshape reinterprets the storage as rows x cols without copying.
func (m *Matrix) Reshape(rows, cols int) (*Matrix, error) {
	if rows*cols != len(m.data) {
		return nil, fmt.Errorf("%w: cannot view %dx%d as %dx%d", ErrShape, m.rows, m.cols, rows, cols)
	}
	return &Matrix{rows: rows, cols: cols, data: m.data}, nil
}

// Dense returns a gonum view sharing the matrix storage. It returns nil
// for an empty matrix, which gonum cannot represent.
func (m *Matrix) Dense() *mat.Dense {
	if m.rows == 0 || m.cols == 0 {
		return nil
	}
	return mat.NewDense(m.rows, m.cols, m.data)
}

// String implements fmt.Stringer using gonum's formatter.
func (m *Matrix) String() string {
	d := m.Dense()
	if d == nil {
		return fmt.Sprintf("[](%dx%d)", m.rows, m.cols)
	}
	return fmt.Sprintf("%v", mat.Formatted(d, mat.Squeeze()))
}

// MulT computes x·wᵀ where x is n x k and w is m x k, the layout of a
// PyTorch Linear weight.
func MulT(x, w *Matrix) (*Matrix, error) {
	if x.cols != w.cols {
		return nil, fmt.Errorf("%w: x is %dx%d, weight is %dx%d", ErrShape, x.rows, x.cols, w.rows, w.cols)
	}
	out := New(x.rows, w.rows)
	if x.rows == 0 || w.rows == 0 {
		return out, nil
	}
	if x.cols == 0 {
		return out, nil
	}
	out.Dense().Mul(x.Dense(), w.Dense().T())
	return out, nil
}

// Mul computes a·b.
func Mul(a, b *Matrix) (*Matrix, error) {
	if a.cols != b.rows {
		return nil, fmt.Errorf("%w: cannot multiply %dx%d by %dx%d", ErrShape, a.rows, a.cols, b.rows, b.cols)
	}
	out := New(a.rows, b.cols)
	if a.rows == 0 || b.cols == 0 || a.cols == 0 {
		return out, nil
	}
	out.Dense().Mul(a.Dense(), b.Dense())
	return out, nil
}

// AddRowVector adds v to every row of m in place.
func (m *Matrix) AddRowVector(v Vector) error {
	if len(v) != m.cols {
		return fmt.Errorf("%w: vector of %d for %d columns", ErrShape, len(v), m.cols)
	}
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		for j, b := range v {
			row[j] += b
		}
	}
	return nil
}

// Concat joins a and b column-wise: [a | b].
func Concat(a, b *Matrix) (*Matrix, error) {
	if a.rows != b.rows {
		return nil, fmt.Errorf("%w: concat of %d and %d rows", ErrShape, a.rows, b.rows)
	}
	out := New(a.rows, a.cols+b.cols)
	for i := 0; i < a.rows; i++ {
		row := out.Row(i)
		copy(row, a.Row(i))
		copy(row[a.cols:], b.Row(i))
	}
	return out, nil
}

// Add returns a + b.
func Add(a, b *Matrix) (*Matrix, error) {
	out := a.Clone()
	if err := out.AddInPlace(b); err != nil {
		return nil, err
	}
	return out, nil
}

// AddInPlace adds b into m element-wise.
func (m *Matrix) AddInPlace(b *Matrix) error {
	if m.rows != b.rows || m.cols != b.cols {
		return fmt.Errorf("%w: %dx%d + %dx%d", ErrShape, m.rows, m.cols, b.rows, b.cols)
	}
	for i, v := range b.data {
		m.data[i] += v
	}
	return nil
}

// Gather returns the rows of m selected by idx, in idx order.
func Gather(m *Matrix, idx []int) (*Matrix, error) {
	out := New(len(idx), m.cols)
	for i, r := range idx {
		if r < 0 || r >= m.rows {
			return nil, fmt.Errorf("%w: row index %d out of range [0,%d)", ErrShape, r, m.rows)
		}
		copy(out.Row(i), m.Row(r))
	}
	return out, nil
}

// SliceCols copies columns [from, to) into a new matrix.
func SliceCols(m *Matrix, from, to int) (*Matrix, error) {
	if from < 0 || to > m.cols || from > to {
		return nil, fmt.Errorf("%w: column range [%d,%d) of %d", ErrShape, from, to, m.cols)
	}
	out := New(m.rows, to-from)
	for i := 0; i < m.rows; i++ {
		copy(out.Row(i), m.Row(i)[from:to])
	}
	return out, nil
}

// Apply replaces every element v with fn(v).
func (m *Matrix) Apply(fn func(float64) float64) {
	for i, v := range m.data {
		m.data[i] = fn(v)
	}
}

// SoftmaxRows normalises each row of m in place with a numerically
// stable softmax.
func (m *Matrix) SoftmaxRows() {
	for i := 0; i < m.rows; i++ {
		Softmax(m.Row(i))
	}
}

// Softmax normalises xs in place.
func Softmax(xs []float64) {
	if len(xs) == 0 {
		return
	}
	maxV := math.Inf(-1)
	for _, v := range xs {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range xs {
		e := math.Exp(v - maxV)
		xs[i] = e
		sum += e
	}
	for i := range xs {
		xs[i] /= sum
	}
}

// RowNorms returns the Euclidean norm of every row.
func (m *Matrix) RowNorms() []float64 {
	norms := make([]float64, m.rows)
	for i := range norms {
		var s float64
		for _, v := range m.Row(i) {
			s += v * v
		}
		norms[i] = math.Sqrt(s)
	}
	return norms
}

// EqualApprox reports whether a and b have the same shape and every pair
// of elements differs by at most tol.
func EqualApprox(a, b *Matrix, tol float64) bool {
	if a.rows != b.rows || a.cols != b.cols {
		return false
	}
	for i, v := range a.data {
		if math.Abs(v-b.data[i]) > tol {
			return false
		}
	}
	return true
}
