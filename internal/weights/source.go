// Package weights loads and stores layer parameters.
//
// Parameters are addressed by PyTorch state-dict names ("linear_q.weight",
// "E.0.1.batch_norm.running_mean"). Modules declare those names with
// `weight:"..."` struct tags; LoadModule walks the tags and fills the
// preallocated parameters from a Source, StateDict does the reverse.
//
// Sources are safetensors files (F64, F32, F16, BF16, I64, I32) and
// PyTorch pickle checkpoints (.pt, .pth).
package weights

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/ptfusion/internal/fsutil"
)

// ErrMissingTensor is returned (wrapped) when a module parameter has no
// entry in the source.
var ErrMissingTensor = errors.New("weights: missing tensor")

// Tensor is a named parameter in row-major order.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NumElements returns the product of the shape, or -1 when a dimension is
// negative or the product overflows int.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		if d != 0 && n > math.MaxInt/d {
			return -1
		}
		n *= d
	}
	return n
}

// Source provides tensors by name.
type Source interface {
	Get(name string) (*Tensor, bool)
	Names() []string
}

// MapSource is an in-memory Source.
type MapSource map[string]*Tensor

// Get returns the named tensor.
func (m MapSource) Get(name string) (*Tensor, bool) {
	t, ok := m[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (m MapSource) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// WithPrefix returns the subset of src under prefix with the prefix
// stripped, the way a sub-module sees its parent's state dict.
func WithPrefix(src Source, prefix string) MapSource {
	out := MapSource{}
	p := prefix + "."
	for _, name := range src.Names() {
		if rest, ok := strings.CutPrefix(name, p); ok {
			t, _ := src.Get(name)
			out[rest] = t
		}
	}
	return out
}

// Open loads a weight file, choosing the decoder by extension.
func Open(fsys fsutil.FileSystem, path string) (Source, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".safetensors":
		data, err := fsys.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		f, err := ParseSafetensors(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return f, nil
	case ".pt", ".pth":
		return LoadTorch(path)
	default:
		return nil, fmt.Errorf("unsupported weight file extension %q (want .safetensors, .pt or .pth)", ext)
	}
}
