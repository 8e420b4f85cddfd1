package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is a safetensors element type.
type DType string

// Supported element types.
const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
	I32  DType = "I32"
)

// Size returns the element width in bytes, or 0 for an unknown type.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	}
	return 0
}

// maxHeaderSize bounds the JSON header read from untrusted files.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

type tensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Safetensors is a decoded safetensors file. Tensors are converted to
// float64 on load.
type Safetensors struct {
	Metadata map[string]string
	DTypes   map[string]DType
	tensors  MapSource
}

// Get returns the named tensor.
func (s *Safetensors) Get(name string) (*Tensor, bool) { return s.tensors.Get(name) }

// Names returns the tensor names in sorted order.
func (s *Safetensors) Names() []string { return s.tensors.Names() }

// ParseSafetensors decodes a whole safetensors file: an 8-byte
// little-endian header length, a JSON header and the raw tensor bytes.
func ParseSafetensors(data []byte) (*Safetensors, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(data))
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}
	body := data[8+n:]

	s := &Safetensors{DTypes: map[string]DType{}, tensors: MapSource{}}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &s.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: metadata: %w", err)
			}
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		t, err := decodeTensor(info, body)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		s.tensors[name] = t
		s.DTypes[name] = info.DType
	}
	return s, nil
}

func decodeTensor(info tensorInfo, body []byte) (*Tensor, error) {
	size := info.DType.Size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype %q", info.DType)
	}
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(body)) {
		return nil, fmt.Errorf("data offsets [%d, %d) outside %d bytes", start, end, len(body))
	}
	t := &Tensor{Shape: make([]int, len(info.Shape))}
	copy(t.Shape, info.Shape)
	n := t.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("invalid shape %v", info.Shape)
	}
	if nbytes := end - start; nbytes%int64(size) != 0 || int64(n) != nbytes/int64(size) {
		return nil, fmt.Errorf("shape %v of %s needs %d elements, have %d bytes", info.Shape, info.DType, n, nbytes)
	}
	b := body[start:end]
	t.Data = make([]float64, n)
	switch info.DType {
	case F64:
		for i := range t.Data {
			t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	case F32:
		for i := range t.Data {
			t.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
		}
	case F16:
		for i := range t.Data {
			t.Data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32())
		}
	case BF16:
		for i, f := range bfloat16.DecodeFloat32(b) {
			t.Data[i] = float64(f)
		}
	case I64:
		for i := range t.Data {
			t.Data[i] = float64(int64(binary.LittleEndian.Uint64(b[i*8:])))
		}
	case I32:
		for i := range t.Data {
			t.Data[i] = float64(int32(binary.LittleEndian.Uint32(b[i*4:])))
		}
	}
	return t, nil
}

// WriteSafetensors encodes tensors as dtype in name order. Integer dtypes
// truncate toward zero.
func WriteSafetensors(w io.Writer, src Source, dtype DType, metadata map[string]string) error {
	size := dtype.Size()
	if size == 0 {
		return fmt.Errorf("safetensors: unsupported dtype %q", dtype)
	}
	names := src.Names()
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var body bytes.Buffer
	for _, name := range names {
		t, _ := src.Get(name)
		if len(t.Data) != t.NumElements() {
			return fmt.Errorf("safetensors: tensor %s has %d values for shape %v", name, len(t.Data), t.Shape)
		}
		start := int64(body.Len())
		body.Write(encodeTensor(t.Data, dtype))
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorInfo{DType: dtype, Shape: shape, DataOffsets: [2]int64{start, int64(body.Len())}}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: header: %w", err)
	}
	// Pad the header so the data section starts 8-byte aligned.
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr, body.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("safetensors: write: %w", err)
		}
	}
	return nil
}

func encodeTensor(data []float64, dtype DType) []byte {
	size := dtype.Size()
	b := make([]byte, len(data)*size)
	switch dtype {
	case F64:
		for i, v := range data {
			binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
		}
	case F32:
		for i, v := range data {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(float32(v)))
		}
	case F16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case BF16:
		f32 := make([]float32, len(data))
		for i, v := range data {
			f32[i] = float32(v)
		}
		copy(b, bfloat16.EncodeFloat32(f32))
	case I64:
		for i, v := range data {
			binary.LittleEndian.PutUint64(b[i*8:], uint64(int64(v)))
		}
	case I32:
		for i, v := range data {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(v)))
		}
	}
	return b
}
