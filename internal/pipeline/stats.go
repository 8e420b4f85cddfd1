package pipeline

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a distribution of per-point values.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	P50    float64
	P95    float64
}

// Summarise computes the sample statistics of xs. NaN values are
// dropped; an empty input yields the zero Summary.
func Summarise(xs []float64) Summary {
	clean := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			clean = append(clean, x)
		}
	}
	if len(clean) == 0 {
		return Summary{}
	}
	slices.Sort(clean)

	s := Summary{
		Count: len(clean),
		Min:   clean[0],
		Max:   floats.Max(clean),
		P50:   stat.Quantile(0.5, stat.Empirical, clean, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, clean, nil),
	}
	if len(clean) == 1 {
		s.Mean = clean[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(clean, nil)
	return s
}
