package weights

import (
	"container/list"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// checkpointKeys are the entries training scripts commonly nest the
// state dict under.
var checkpointKeys = []string{"state_dict", "model_state", "model"}

// LoadTorch reads a PyTorch checkpoint written by torch.save. Both a bare
// state dict and a checkpoint dict holding one under "state_dict",
// "model_state" or "model" are accepted.
func LoadTorch(path string) (MapSource, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	entries, err := dictEntries(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, key := range checkpointKeys {
		if nested, ok := entries[key]; ok {
			if inner, err := dictEntries(nested); err == nil {
				entries = inner
				break
			}
		}
	}

	out := MapSource{}
	for name, v := range entries {
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			continue
		}
		conv, err := convertTorchTensor(t)
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		out[name] = conv
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no tensors found", path)
	}
	return out, nil
}

func dictEntries(obj any) (map[string]any, error) {
	out := map[string]any{}
	switch d := obj.(type) {
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			addEntry(out, e)
		}
	case *types.Dict:
		for _, k := range d.Keys() {
			if s, ok := k.(string); ok {
				out[s] = d.MustGet(k)
			}
		}
	default:
		return nil, fmt.Errorf("unexpected top-level object %T", obj)
	}
	return out, nil
}

func addEntry(out map[string]any, e *list.Element) {
	entry, ok := e.Value.(*types.OrderedDictEntry)
	if !ok {
		return
	}
	if s, ok := entry.Key.(string); ok {
		out[s] = entry.Value
	}
}

func convertTorchTensor(t *pytorch.Tensor) (*Tensor, error) {
	var at func(int) float64
	var storageLen int
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at, storageLen = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.HalfStorage:
		at, storageLen = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, storageLen = func(i int) float64 { return s.Data[i] }, len(s.Data)
	case *pytorch.LongStorage:
		at, storageLen = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.IntStorage:
		at, storageLen = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}

	if len(t.Stride) != len(t.Size) {
		return nil, fmt.Errorf("stride %v does not match size %v", t.Stride, t.Size)
	}
	out := &Tensor{Shape: append([]int(nil), t.Size...)}
	n := out.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("invalid size %v", t.Size)
	}
	out.Data = make([]float64, n)
	if n == 0 {
		return out, nil
	}

	// Walk the logical indices in row-major order through the strides.
	idx := make([]int, len(t.Size))
	for i := 0; i < n; i++ {
		off := t.StorageOffset
		for d, v := range idx {
			off += v * t.Stride[d]
		}
		if off < 0 || off >= storageLen {
			return nil, fmt.Errorf("element %d maps to storage offset %d of %d", i, off, storageLen)
		}
		out.Data[i] = at(off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
