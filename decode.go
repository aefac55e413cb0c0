package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// element is the set of Go types a TypedArray can hold.
type element interface {
	~uint8 | ~int8 | ~int16 | ~int32 | ~int64 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// TypedArray is a flat numeric buffer. Data is one of []uint8, []int8,
// []int16, []int32, []int64, []uint16, []uint32, []uint64, []float32 or
// []float64. Booleans are held as []uint8 and half floats as []float32.
type TypedArray struct {
	Dtype Dtype
	Data  interface{}
}

// newTypedArray allocates a zeroed buffer of n elements for dt.
func newTypedArray(dt Dtype, n int) (*TypedArray, error) {
	var data interface{}
	switch dt.BasicType {
	case BTBoolean:
		if dt.ByteSize == 1 {
			data = make([]uint8, n)
		}
	case BTInteger:
		switch dt.ByteSize {
		case 1:
			data = make([]int8, n)
		case 2:
			data = make([]int16, n)
		case 4:
			data = make([]int32, n)
		case 8:
			data = make([]int64, n)
		}
	case BTUnsigned:
		switch dt.ByteSize {
		case 1:
			data = make([]uint8, n)
		case 2:
			data = make([]uint16, n)
		case 4:
			data = make([]uint32, n)
		case 8:
			data = make([]uint64, n)
		}
	case BTFloatingPoint:
		switch dt.ByteSize {
		case 2, 4:
			data = make([]float32, n)
		case 8:
			data = make([]float64, n)
		}
	}
	if data == nil {
		return nil, fmt.Errorf("unsupported dtype %s", dt)
	}
	return &TypedArray{Dtype: dt, Data: data}, nil
}

func (t *TypedArray) Len() int {
	switch d := t.Data.(type) {
	case []uint8:
		return len(d)
	case []int8:
		return len(d)
	case []int16:
		return len(d)
	case []int32:
		return len(d)
	case []int64:
		return len(d)
	case []uint16:
		return len(d)
	case []uint32:
		return len(d)
	case []uint64:
		return len(d)
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	}
	return 0
}

// At returns element i as its Go value.
func (t *TypedArray) At(i int) interface{} {
	switch d := t.Data.(type) {
	case []uint8:
		return d[i]
	case []int8:
		return d[i]
	case []int16:
		return d[i]
	case []int32:
		return d[i]
	case []int64:
		return d[i]
	case []uint16:
		return d[i]
	case []uint32:
		return d[i]
	case []uint64:
		return d[i]
	case []float32:
		return d[i]
	case []float64:
		return d[i]
	}
	return nil
}

// Fill sets every element to v. Integer buffers fill non-finite values with
// zero.
func (t *TypedArray) Fill(v float64) {
	if t.Dtype.BasicType != BTFloatingPoint && (math.IsNaN(v) || math.IsInf(v, 0)) {
		v = 0
	}
	switch d := t.Data.(type) {
	case []uint8:
		fillAs(d, v)
	case []int8:
		fillAs(d, v)
	case []int16:
		fillAs(d, v)
	case []int32:
		fillAs(d, v)
	case []int64:
		fillAs(d, v)
	case []uint16:
		fillAs(d, v)
	case []uint32:
		fillAs(d, v)
	case []uint64:
		fillAs(d, v)
	case []float32:
		fillAs(d, v)
	case []float64:
		fillAs(d, v)
	}
}

func fillAs[T element](s []T, v float64) {
	x := T(v)
	for i := range s {
		s[i] = x
	}
}

// Narrow converts 64-bit integer buffers to their 32-bit counterpart,
// keeping signedness. Other buffers are returned unchanged.
func (t *TypedArray) Narrow() *TypedArray {
	switch d := t.Data.(type) {
	case []int64:
		dt := t.Dtype
		dt.ByteSize = 4
		return &TypedArray{Dtype: dt, Data: convert[int64, int32](d)}
	case []uint64:
		dt := t.Dtype
		dt.ByteSize = 4
		return &TypedArray{Dtype: dt, Data: convert[uint64, uint32](d)}
	}
	return t
}

func convert[S, D element](src []S) []D {
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}

// DecodeChunk runs raw chunk bytes through the array's codec chain and
// converts them to a typed buffer of one full chunk. Failures are reported as
// a *DecodeError tagged with key.
func DecodeChunk(key string, raw []byte, meta *ArrayMeta) (*TypedArray, error) {
	p, err := meta.Pipeline()
	if err != nil {
		return nil, &DecodeError{Path: key, Err: err}
	}
	data, err := p.Decode(raw)
	if err != nil {
		return nil, &DecodeError{Path: key, Err: err}
	}

	n := meta.ChunkLen()
	if want := n * meta.Dtype.ByteSize; len(data) != want {
		return nil, &DecodeError{Path: key, Err: fmt.Errorf("decoded %d bytes, want %d", len(data), want)}
	}
	arr, err := newTypedArray(meta.Dtype, n)
	if err != nil {
		return nil, &DecodeError{Path: key, Err: err}
	}

	order := meta.Dtype.binaryOrder()
	if meta.Dtype.BasicType == BTFloatingPoint && meta.Dtype.ByteSize == 2 {
		out := arr.Data.([]float32)
		for i := range out {
			out[i] = float16.Frombits(order.Uint16(data[2*i:])).Float32()
		}
		return arr, nil
	}
	if err := binary.Read(bytes.NewReader(data), order, arr.Data); err != nil {
		return nil, &DecodeError{Path: key, Err: err}
	}
	return arr, nil
}
