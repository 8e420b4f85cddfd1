package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer is implemented by modules with learnable parameters.
type Initializer interface {
	Init(src rand.Source)
}

// NewSource returns a deterministic random source for seed.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// Init draws weight and bias from U(-1/√in, 1/√in), the bound PyTorch's
// default Linear initialisation produces.
func (l *Linear) Init(src rand.Source) {
	if l.In == 0 {
		return
	}
	bound := 1 / math.Sqrt(float64(l.In))
	u := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	w := l.Weight.RawData()
	for i := range w {
		w[i] = u.Rand()
	}
	for i := range l.Bias {
		l.Bias[i] = u.Rand()
	}
}

// Init restores the identity initialisation. Batch norm layers carry no
// random state.
func (bn *BatchNorm1d) Init(rand.Source) { bn.Reset() }

// Init delegates to the wrapped layer.
func (f *FastBatchNorm1d) Init(src rand.Source) { f.BatchNorm.Init(src) }
