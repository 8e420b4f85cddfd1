// Package fusion merges a main (3D) feature stream with a second modality
// (2D image features projected onto the points) into one per-point
// feature matrix.
//
// Four module kinds are available:
//
//	bimodal            algebraic combination (sum, concatenation, pass-through)
//	self-attentive     embed, concatenate, Point Transformer layer, residual
//	transformer-layer  MLP embedding then global or local attention
//	pt-block           Linear, Point Transformer layer, Linear, residual
//
// Every module treats a nil input as an absent modality and returns the
// other input unchanged.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/banshee-data/ptfusion/internal/pointops"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

// ErrUnknownMode is returned (wrapped) when a module is built with a mode
// it does not support.
var ErrUnknownMode = errors.New("fusion: unknown mode")

// Module kinds.
const (
	KindBimodal          = "bimodal"
	KindSelfAttentive    = "self-attentive"
	KindTransformerLayer = "transformer-layer"
	KindPTBlock          = "pt-block"
)

// Module is a fusion operator. xyz is N x 3 or N x 4; the optional fourth
// column holds the sample index of each point.
type Module interface {
	Forward(ctx context.Context, main, mod, xyz *tensor.Matrix) (*tensor.Matrix, error)
	// OutChannels is the width of a fused output.
	OutChannels() int
	Kind() string
	Mode() string
	Init(src rand.Source)
}

// Options holds the construction parameters of every kind. Fields a kind
// does not use are ignored.
type Options struct {
	Kind      string
	Mode      string
	InMain    int
	InMod     int
	OutMain   int // transformer-layer output width, 0 means InMain+InMod
	NcInner   int
	NcQK      int
	NSample   int
	EmbedMain int
	EmbedMod  int
	Residual  bool
	Embedding bool
	PerSample bool // global attention stays within each batch sample
	Workers   int  // neighbour search workers, 0 means GOMAXPROCS
}

// Defaults for Options.
const (
	DefaultNcInner   = 16
	DefaultNcQK      = 8
	DefaultNSample   = 16
	DefaultEmbedMain = 256
	DefaultEmbedMod  = 256
)

// DefaultOptions returns Options with every default filled in for kind.
func DefaultOptions(kind string) Options {
	o := Options{
		Kind:      kind,
		NcInner:   DefaultNcInner,
		NcQK:      DefaultNcQK,
		NSample:   DefaultNSample,
		EmbedMain: DefaultEmbedMain,
		EmbedMod:  DefaultEmbedMod,
		Residual:  true,
		Embedding: true,
	}
	switch kind {
	case KindBimodal:
		o.Mode = ModeResidual
	case KindTransformerLayer:
		o.Mode = ModeGlobal
	default:
		o.Mode = ModeLocal
	}
	return o
}

// withDefaults fills zero sizes. Booleans are taken as given.
func (o Options) withDefaults() Options {
	if o.NcInner == 0 {
		o.NcInner = DefaultNcInner
	}
	if o.NcQK == 0 {
		o.NcQK = DefaultNcQK
	}
	if o.NSample == 0 {
		o.NSample = DefaultNSample
	}
	if o.EmbedMain == 0 {
		o.EmbedMain = DefaultEmbedMain
	}
	if o.EmbedMod == 0 {
		o.EmbedMod = DefaultEmbedMod
	}
	return o
}

func (o Options) validateInputs() error {
	if o.InMain <= 0 || o.InMod <= 0 {
		return fmt.Errorf("in_main and in_mod must be positive, got %d and %d", o.InMain, o.InMod)
	}
	return nil
}

var constructors = make(map[string]func(Options) (Module, error))

// Register adds a constructor for kind. It panics on duplicates.
func Register(kind string, f func(Options) (Module, error)) {
	if _, ok := constructors[kind]; ok {
		panic("fusion: kind already registered: " + kind)
	}
	constructors[kind] = f
}

func init() {
	Register(KindBimodal, func(o Options) (Module, error) { return NewBimodal(o.Mode, o.InMain, o.InMod) })
	Register(KindSelfAttentive, func(o Options) (Module, error) { return NewSelfAttentive(o) })
	Register(KindTransformerLayer, func(o Options) (Module, error) { return NewTransformerLayer(o) })
	Register(KindPTBlock, func(o Options) (Module, error) { return NewPTBlock(o) })
}

// Kinds lists the registered module kinds.
func Kinds() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds a module of o.Kind.
func New(o Options) (Module, error) {
	f, ok := constructors[o.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported fusion kind %q, choose among %s", o.Kind, strings.Join(Kinds(), ", "))
	}
	m, err := f(o)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Kind, err)
	}
	diagf("built %s mode=%s out=%d", m.Kind(), m.Mode(), m.OutChannels())
	return m, nil
}

func unknownMode(mode string, supported []string) error {
	return fmt.Errorf("%w %q, choose among supported modes: %s", ErrUnknownMode, mode, strings.Join(supported, ", "))
}

// passthrough implements the absent-modality rule. ok reports whether one
// input was nil and out should be returned as is.
func passthrough(main, mod *tensor.Matrix) (out *tensor.Matrix, ok bool) {
	if main == nil {
		return mod, true
	}
	if mod == nil {
		return main, true
	}
	return nil, false
}

func checkRows(main, mod *tensor.Matrix) error {
	if main.Rows() != mod.Rows() {
		return fmt.Errorf("main has %d rows, modality %d: %w", main.Rows(), mod.Rows(), tensor.ErrShape)
	}
	return nil
}

// splitXYZ returns the coordinate columns of xyz and the offsets of its
// batch column.
func splitXYZ(xyz *tensor.Matrix, n int) (*tensor.Matrix, []int, error) {
	if xyz == nil {
		return nil, nil, fmt.Errorf("coordinates are required: %w", tensor.ErrShape)
	}
	if xyz.Rows() != n {
		return nil, nil, fmt.Errorf("coordinates have %d rows, features %d: %w", xyz.Rows(), n, tensor.ErrShape)
	}
	p, err := pointops.Coords(xyz)
	if err != nil {
		return nil, nil, err
	}
	offsets, err := pointops.OffsetsFromXYZ(xyz)
	if err != nil {
		return nil, nil, err
	}
	return p, offsets, nil
}
