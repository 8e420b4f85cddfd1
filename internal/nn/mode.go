package nn

import "reflect"

// SetBatchStats switches every BatchNorm1d reachable from root between
// running statistics (on=false) and current-input statistics (on=true).
// It returns the number of layers changed.
func SetBatchStats(root any, on bool) int {
	n := 0
	visit(reflect.ValueOf(root), func(bn *BatchNorm1d) {
		bn.UseBatchStats = on
		n++
	})
	return n
}

var batchNormType = reflect.TypeOf((*BatchNorm1d)(nil))

func visit(v reflect.Value, fn func(*BatchNorm1d)) {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		if v.Type() == batchNormType {
			fn(v.Interface().(*BatchNorm1d))
			return
		}
		visit(v.Elem(), fn)
	case reflect.Interface:
		if !v.IsNil() {
			visit(v.Elem(), fn)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				visit(v.Field(i), fn)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			visit(v.Index(i), fn)
		}
	}
}
