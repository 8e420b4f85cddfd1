package report

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func grid(n int) (*tensor.Matrix, []float64) {
	xyz := tensor.New(n, 3)
	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		xyz.Set(i, 0, float64(i%10))
		xyz.Set(i, 1, float64(i/10))
		vals[i] = math.Sqrt(float64(i))
	}
	return xyz, vals
}

func TestHistogram(t *testing.T) {
	_, vals := grid(100)
	vals = append(vals, math.NaN(), math.Inf(1))

	var buf bytes.Buffer
	require.NoError(t, Histogram(&buf, vals, "norms", "L2 norm", 0))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestHistogram_NoData(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Histogram(&buf, nil, "t", "x", 10), ErrNoData)
	assert.ErrorIs(t, Histogram(&buf, []float64{math.NaN()}, "t", "x", 10), ErrNoData)
}

func TestScatter(t *testing.T) {
	xyz, vals := grid(50)
	var buf bytes.Buffer
	require.NoError(t, Scatter(&buf, xyz, vals, "Fused feature norm", "norm", 20))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "Fused feature norm")
	assert.Contains(t, html, "stride=3")
}

func TestScatter_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Scatter(&buf, nil, nil, "t", "s", 0), ErrNoData)
	assert.ErrorIs(t, Scatter(&buf, tensor.New(2, 3), []float64{1}, "t", "s", 0), tensor.ErrShape)
}

func TestWrite(t *testing.T) {
	xyz, vals := grid(30)
	fsys := fsutil.NewMemoryFileSystem()

	files, err := Write(fsys, "/reports/run-1", Bundle{RunID: "run-1", XYZ: xyz, Norms: vals, Entropy: vals}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/reports/run-1/norm_hist.png",
		"/reports/run-1/entropy_hist.png",
		"/reports/run-1/norm_scatter.html",
		"/reports/run-1/entropy_scatter.html",
	}, files)

	png, err := fsys.ReadFile("/reports/run-1/norm_hist.png")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))
}

func TestWrite_NormsOnly(t *testing.T) {
	_, vals := grid(10)
	fsys := fsutil.NewMemoryFileSystem()
	files, err := Write(fsys, "/r", Bundle{Norms: vals}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"/r/norm_hist.png"}, files)
}
