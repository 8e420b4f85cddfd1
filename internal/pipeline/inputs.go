package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/pcdio"
	"github.com/banshee-data/ptfusion/internal/tensor"
	"github.com/banshee-data/ptfusion/internal/weights"
)

// Tensor names of an input bundle.
const (
	TensorXYZ  = "xyz"
	TensorMain = "x_main"
	TensorMod  = "x_mod"
)

// Tensor names of an output bundle.
const (
	TensorFused   = "y"
	TensorNorm    = "norm"
	TensorEntropy = "attention_entropy"
)

// ErrNoFeatures is returned for a bundle with neither modality.
var ErrNoFeatures = errors.New("pipeline: input has neither x_main nor x_mod")

// Inputs are the tensors of one forward pass. Either feature matrix may
// be nil; XYZ is nil when the bundle has no coordinates.
type Inputs struct {
	XYZ  *tensor.Matrix
	Main *tensor.Matrix
	Mod  *tensor.Matrix
}

// Points returns the number of points in the bundle.
func (in *Inputs) Points() int {
	for _, m := range []*tensor.Matrix{in.Main, in.Mod, in.XYZ} {
		if m != nil {
			return m.Rows()
		}
	}
	return 0
}

// ReadInputs loads an input bundle: a safetensors file with 2-D tensors
// xyz, x_main and x_mod, or a PCD file that only provides xyz.
func ReadInputs(fsys fsutil.FileSystem, path string) (*Inputs, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcd":
		xyz, err := pcdio.Read(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &Inputs{XYZ: xyz}, nil
	case ".safetensors":
	default:
		return nil, fmt.Errorf("%s: input must be .safetensors or .pcd", path)
	}

	st, err := weights.ParseSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	in := &Inputs{}
	for name, dst := range map[string]**tensor.Matrix{TensorXYZ: &in.XYZ, TensorMain: &in.Main, TensorMod: &in.Mod} {
		t, ok := st.Get(name)
		if !ok {
			continue
		}
		m, err := toMatrix(t)
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		*dst = m
	}
	if in.Main == nil && in.Mod == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoFeatures)
	}
	tracef("read %s: %d points", path, in.Points())
	return in, nil
}

// WriteInputs stores in as a safetensors bundle.
func WriteInputs(fsys fsutil.FileSystem, path string, in *Inputs, dtype weights.DType) error {
	src := weights.MapSource{}
	for name, m := range map[string]*tensor.Matrix{TensorXYZ: in.XYZ, TensorMain: in.Main, TensorMod: in.Mod} {
		if m != nil {
			src[name] = fromMatrix(m)
		}
	}
	var buf bytes.Buffer
	if err := weights.WriteSafetensors(&buf, src, dtype, map[string]string{"format": "ptfusion-input"}); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644)
}

func toMatrix(t *weights.Tensor) (*tensor.Matrix, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("want 2 dimensions, have shape %v: %w", t.Shape, tensor.ErrShape)
	}
	return tensor.FromSlice(t.Shape[0], t.Shape[1], t.Data)
}

func fromMatrix(m *tensor.Matrix) *weights.Tensor {
	r, c := m.Dims()
	return &weights.Tensor{Shape: []int{r, c}, Data: m.RawData()}
}

func fromVector(v []float64) *weights.Tensor {
	return &weights.Tensor{Shape: []int{len(v)}, Data: v}
}

// Outputs are the tensors of an output bundle.
type Outputs struct {
	RunID   string
	Fused   *tensor.Matrix
	Norms   []float64
	Entropy []float64 // nil when the run computed no local attention
}

// ReadOutputs loads an output bundle written by Runner.Run.
func ReadOutputs(fsys fsutil.FileSystem, path string) (*Outputs, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	st, err := weights.ParseSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := &Outputs{RunID: st.Metadata["run_id"]}
	y, ok := st.Get(TensorFused)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", path, weights.ErrMissingTensor, TensorFused)
	}
	if out.Fused, err = toMatrix(y); err != nil {
		return nil, fmt.Errorf("%s: tensor %s: %w", path, TensorFused, err)
	}
	if t, ok := st.Get(TensorNorm); ok {
		out.Norms = t.Data
	} else {
		out.Norms = out.Fused.RowNorms()
	}
	if t, ok := st.Get(TensorEntropy); ok {
		out.Entropy = t.Data
	}
	return out, nil
}
