package weights

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/banshee-data/ptfusion/internal/tensor"
)

var (
	matrixType = reflect.TypeOf((*tensor.Matrix)(nil))
	vectorType = reflect.TypeOf(tensor.Vector(nil))
)

// LoadModule fills the parameters of module from src. Parameters are
// found by walking exported fields tagged `weight:"name"`; slices add
// their index as a name segment and an empty tag adds nothing. Nil
// parameters (an absent bias, an unused sub-module) are skipped.
//
// It returns the names it consumed so callers can report unused tensors.
func LoadModule(module any, src Source, prefix string) ([]string, error) {
	var used []string
	err := walk(reflect.ValueOf(module), prefix, func(name string, v reflect.Value) error {
		t, ok := src.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingTensor, name)
		}
		if err := assign(v, t); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		used = append(used, name)
		return nil
	})
	return used, err
}

// StateDict exports the parameters of module under prefix.
func StateDict(module any, prefix string) MapSource {
	out := MapSource{}
	_ = walk(reflect.ValueOf(module), prefix, func(name string, v reflect.Value) error {
		out[name] = export(v)
		return nil
	})
	return out
}

// Unused returns the names of src not in used.
func Unused(src Source, used []string) []string {
	seen := make(map[string]bool, len(used))
	for _, u := range used {
		seen[u] = true
	}
	var out []string
	for _, n := range src.Names() {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func join(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	}
	return prefix + "." + name
}

func walk(v reflect.Value, name string, fn func(string, reflect.Value) error) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Type() {
	case matrixType:
		if v.IsNil() {
			return nil
		}
		return fn(name, v)
	case vectorType:
		if v.IsNil() {
			return nil
		}
		return fn(name, v)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), name, fn)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag, ok := f.Tag.Lookup("weight")
			if !ok || tag == "-" || !f.IsExported() {
				continue
			}
			if err := walk(v.Field(i), join(name, tag), fn); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), join(name, strconv.Itoa(i)), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func assign(v reflect.Value, t *Tensor) error {
	if len(t.Data) != t.NumElements() {
		return fmt.Errorf("tensor has %d values for shape %v", len(t.Data), t.Shape)
	}
	switch v.Type() {
	case matrixType:
		m := v.Interface().(*tensor.Matrix)
		r, c := m.Dims()
		if len(t.Shape) != 2 || t.Shape[0] != r || t.Shape[1] != c {
			return fmt.Errorf("shape %v, want [%d %d]: %w", t.Shape, r, c, tensor.ErrShape)
		}
		copy(m.RawData(), t.Data)
	case vectorType:
		vec := v.Interface().(tensor.Vector)
		if len(t.Shape) != 1 || t.Shape[0] != len(vec) {
			return fmt.Errorf("shape %v, want [%d]: %w", t.Shape, len(vec), tensor.ErrShape)
		}
		copy(vec, t.Data)
	}
	return nil
}

func export(v reflect.Value) *Tensor {
	switch v.Type() {
	case matrixType:
		m := v.Interface().(*tensor.Matrix)
		r, c := m.Dims()
		return &Tensor{Shape: []int{r, c}, Data: append([]float64(nil), m.RawData()...)}
	default:
		vec := v.Interface().(tensor.Vector)
		return &Tensor{Shape: []int{len(vec)}, Data: append([]float64(nil), vec...)}
	}
}
