package fusion

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

// Bimodal modes. The modality is fused into the main stream.
const (
	ModeResidual      = "residual"      // a + b
	ModeConcatenation = "concatenation" // [a | b]
	ModeBoth          = "both"          // [a | a+b]
	ModeModality      = "modality"      // b
	ModeNo2D          = "no2d"          // a
)

// BimodalModes lists the supported Bimodal modes.
var BimodalModes = []string{ModeResidual, ModeConcatenation, ModeBoth, ModeModality, ModeNo2D}

// Bimodal combines two feature matrices with a fixed algebraic rule. It
// has no parameters.
type Bimodal struct {
	mode          string
	inMain, inMod int
	f             func(a, b *tensor.Matrix) (*tensor.Matrix, error)
}

// NewBimodal returns a Bimodal module. inMain and inMod are only used to
// report OutChannels and to check inputs; zero disables the check.
func NewBimodal(mode string, inMain, inMod int) (*Bimodal, error) {
	b := &Bimodal{mode: mode, inMain: inMain, inMod: inMod}
	switch mode {
	case ModeResidual:
		if inMain > 0 && inMod > 0 && inMain != inMod {
			return nil, fmt.Errorf("residual fusion needs equal widths, got %d and %d: %w", inMain, inMod, tensor.ErrShape)
		}
		b.f = tensor.Add
	case ModeConcatenation:
		b.f = tensor.Concat
	case ModeBoth:
		b.f = func(a, m *tensor.Matrix) (*tensor.Matrix, error) {
			sum, err := tensor.Add(a, m)
			if err != nil {
				return nil, err
			}
			return tensor.Concat(a, sum)
		}
	case ModeModality:
		b.f = func(_, m *tensor.Matrix) (*tensor.Matrix, error) { return m, nil }
	case ModeNo2D:
		b.f = func(a, _ *tensor.Matrix) (*tensor.Matrix, error) { return a, nil }
	default:
		return nil, unknownMode(mode, BimodalModes)
	}
	return b, nil
}

func (b *Bimodal) Kind() string { return KindBimodal }
func (b *Bimodal) Mode() string { return b.mode }

// OutChannels returns the fused width, or 0 when the input widths are
// unknown.
func (b *Bimodal) OutChannels() int {
	switch b.mode {
	case ModeResidual, ModeNo2D:
		return b.inMain
	case ModeConcatenation:
		if b.inMain == 0 || b.inMod == 0 {
			return 0
		}
		return b.inMain + b.inMod
	case ModeBoth:
		return 2 * b.inMain
	case ModeModality:
		return b.inMod
	}
	return 0
}

// Init is a no-op.
func (b *Bimodal) Init(rand.Source) {}

// Forward fuses mod into main. xyz is not used.
func (b *Bimodal) Forward(_ context.Context, main, mod, _ *tensor.Matrix) (*tensor.Matrix, error) {
	if out, ok := passthrough(main, mod); ok {
		return out, nil
	}
	if err := checkRows(main, mod); err != nil {
		return nil, err
	}
	if b.inMain > 0 && main.Cols() != b.inMain {
		return nil, fmt.Errorf("main has %d channels, want %d: %w", main.Cols(), b.inMain, tensor.ErrShape)
	}
	if b.inMod > 0 && mod.Cols() != b.inMod {
		return nil, fmt.Errorf("modality has %d channels, want %d: %w", mod.Cols(), b.inMod, tensor.ErrShape)
	}
	return b.f(main, mod)
}

func (b *Bimodal) String() string { return "Bimodal(mode=" + b.mode + ")" }
