package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MarshalRaw encodes the elements as 4-byte floats in native byte order,
// row-major, with no header.
func (t *Tensor) MarshalRaw() []byte {
	b := make([]byte, 4*len(t.data))
	for i, v := range t.data {
		binary.NativeEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// WriteRaw writes MarshalRaw's encoding to w.
func (t *Tensor) WriteRaw(w io.Writer) (int, error) {
	return w.Write(t.MarshalRaw())
}

// FromRaw decodes native-order float32 data produced by MarshalRaw.
func FromRaw(shape Shape, b []byte) (*Tensor, error) {
	return FromBytes(shape, b, binary.NativeEndian)
}

// FromBytes decodes 4-byte floats in the given byte order.
func FromBytes(shape Shape, b []byte, order binary.ByteOrder) (*Tensor, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float32 data length %d is not a multiple of 4", len(b))
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(order.Uint32(b[4*i:]))
	}
	return New(shape, data)
}

// FromFloat64Bytes decodes 8-byte floats in the given byte order, narrowing to float32.
func FromFloat64Bytes(shape Shape, b []byte, order binary.ByteOrder) (*Tensor, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("float64 data length %d is not a multiple of 8", len(b))
	}
	data := make([]float32, len(b)/8)
	for i := range data {
		data[i] = float32(math.Float64frombits(order.Uint64(b[8*i:])))
	}
	return New(shape, data)
}
