// Package report renders per-point fusion diagnostics: PNG histograms
// with gonum/plot and an interactive XY scatter with go-echarts.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"path"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

// ErrNoData is returned when there is nothing to draw.
var ErrNoData = errors.New("report: no values")

// DefaultBins is the histogram bin count.
const DefaultBins = 40

// viridis, low to high.
var palette = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// Histogram writes a PNG histogram of values.
func Histogram(w io.Writer, values []float64, title, xLabel string, bins int) error {
	vals := finite(values)
	if len(vals) == 0 {
		return ErrNoData
	}
	if bins <= 0 {
		bins = DefaultBins
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Points"

	h, err := plotter.NewHist(plotter.Values(vals), bins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	return nil
}

// Scatter writes an HTML page plotting the x/y columns of xyz coloured by
// values. At most maxPoints are drawn, taking every stride-th point.
func Scatter(w io.Writer, xyz *tensor.Matrix, values []float64, title, series string, maxPoints int) error {
	if xyz == nil || xyz.Rows() == 0 {
		return ErrNoData
	}
	if len(values) != xyz.Rows() {
		return fmt.Errorf("scatter: %d values for %d points: %w", len(values), xyz.Rows(), tensor.ErrShape)
	}
	stride := 1
	if maxPoints > 0 && xyz.Rows() > maxPoints {
		stride = (xyz.Rows() + maxPoints - 1) / maxPoints
	}

	var pad, lo, hi float64
	lo, hi = math.Inf(1), math.Inf(-1)
	data := make([]opts.ScatterData, 0, xyz.Rows()/stride+1)
	for i := 0; i < xyz.Rows(); i += stride {
		x, y, v := xyz.At(i, 0), xyz.At(i, 1), values[i]
		pad = math.Max(pad, math.Max(math.Abs(x), math.Abs(y)))
		if !math.IsNaN(v) {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, v}})
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}
	pad = math.Ceil(pad*1.05 + 1e-9)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("points=%d stride=%d", len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: palette},
		}),
	)
	scatter.AddSeries(series, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter.Render(w)
}

// Bundle is the material for a run report.
type Bundle struct {
	RunID   string
	XYZ     *tensor.Matrix // may be nil; the scatter is skipped
	Norms   []float64
	Entropy []float64 // may be nil
}

// Write renders every chart the bundle supports into dir and returns the
// written file names.
func Write(fsys fsutil.FileSystem, dir string, b Bundle, maxPoints int) ([]string, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	emit := func(name string, render func(io.Writer) error) error {
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		p := path.Join(dir, name)
		if err := fsutil.WriteFileAtomic(fsys, p, buf.Bytes(), 0o644); err != nil {
			return err
		}
		written = append(written, p)
		return nil
	}

	title := "Fused feature norm"
	if b.RunID != "" {
		title += " (" + b.RunID + ")"
	}
	if err := emit("norm_hist.png", func(w io.Writer) error {
		return Histogram(w, b.Norms, title, "L2 norm", DefaultBins)
	}); err != nil {
		return written, err
	}
	if b.Entropy != nil {
		if err := emit("entropy_hist.png", func(w io.Writer) error {
			return Histogram(w, b.Entropy, "Attention entropy", "nats", DefaultBins)
		}); err != nil {
			return written, err
		}
	}
	if b.XYZ != nil {
		if err := emit("norm_scatter.html", func(w io.Writer) error {
			return Scatter(w, b.XYZ, b.Norms, title, "norm", maxPoints)
		}); err != nil {
			return written, err
		}
		if b.Entropy != nil {
			if err := emit("entropy_scatter.html", func(w io.Writer) error {
				return Scatter(w, b.XYZ, b.Entropy, "Attention entropy", "entropy", maxPoints)
			}); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out
}
