package gensearch

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType tags the element type of a Tensor at runtime.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
	Int8
	Int32
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Tensor is a dense CPU tensor with a runtime dtype tag. Half-precision
// elements are stored as raw 16-bit patterns.
type Tensor struct {
	dtype DType
	dims  []int64

	f32 []float32
	u16 []uint16 // float16 and bfloat16 bit patterns
	i8  []int8
	i32 []int32
	i64 []int64
}

// NewTensor allocates a zeroed tensor of the given dtype and dims.
func NewTensor(dtype DType, dims ...int64) *Tensor {
	t := &Tensor{dtype: dtype, dims: append([]int64(nil), dims...)}
	n := t.NumElements()
	switch dtype {
	case Float32:
		t.f32 = make([]float32, n)
	case Float16, BFloat16:
		t.u16 = make([]uint16, n)
	case Int8:
		t.i8 = make([]int8, n)
	case Int32:
		t.i32 = make([]int32, n)
	case Int64:
		t.i64 = make([]int64, n)
	}
	return t
}

// DType returns the element type tag.
func (t *Tensor) DType() DType { return t.dtype }

// Dims returns the tensor shape. The caller must not mutate it.
func (t *Tensor) Dims() []int64 { return t.dims }

// NumElements returns the product of the dims.
func (t *Tensor) NumElements() int {
	n := int64(1)
	for _, d := range t.dims {
		n *= d
	}
	return int(n)
}

// Float32s returns the backing float32 slice. Valid only for Float32 tensors.
func (t *Tensor) Float32s() []float32 { return t.f32 }

// Uint16s returns the raw half-precision bit patterns.
func (t *Tensor) Uint16s() []uint16 { return t.u16 }

// Int8s returns the backing int8 slice.
func (t *Tensor) Int8s() []int8 { return t.i8 }

// Int32s returns the backing int32 slice.
func (t *Tensor) Int32s() []int32 { return t.i32 }

// Int64s returns the backing int64 slice.
func (t *Tensor) Int64s() []int64 { return t.i64 }

// SameShape reports whether two tensors have identical dims.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	return true
}

// rowGatherKernel copies whole leading-axis rows from src to dst following the
// index map. Each kernel is monomorphic over one element type.
type rowGatherKernel func(dst, src *Tensor, indices []int32, rowSize int)

func gatherRows[T any](dstData, srcData []T, indices []int32, rowSize int) {
	for r, src := range indices {
		copy(dstData[r*rowSize:(r+1)*rowSize], srcData[int(src)*rowSize:(int(src)+1)*rowSize])
	}
}

var rowGatherKernels = map[DType]rowGatherKernel{
	Float32: func(dst, src *Tensor, indices []int32, rowSize int) {
		gatherRows(dst.f32, src.f32, indices, rowSize)
	},
	Float16: func(dst, src *Tensor, indices []int32, rowSize int) {
		gatherRows(dst.u16, src.u16, indices, rowSize)
	},
	BFloat16: func(dst, src *Tensor, indices []int32, rowSize int) {
		gatherRows(dst.u16, src.u16, indices, rowSize)
	},
	Int8: func(dst, src *Tensor, indices []int32, rowSize int) {
		gatherRows(dst.i8, src.i8, indices, rowSize)
	},
}

// GatherLeadingRows reorders src along its leading axis into dst following
// indices. dst and src must share dtype and trailing shape; indices length
// must equal dst's leading dim.
func GatherLeadingRows(dst, src *Tensor, indices []int32) error {
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: gather across dtypes %s and %s", ErrShapeMismatch, dst.dtype, src.dtype)
	}
	if len(dst.dims) == 0 || len(src.dims) == 0 {
		return fmt.Errorf("%w: gather over scalar tensor", ErrShapeMismatch)
	}
	rowSize := dst.NumElements() / int(dst.dims[0])
	srcRowSize := src.NumElements() / int(src.dims[0])
	if rowSize != srcRowSize {
		return fmt.Errorf("%w: gather row size %d vs %d", ErrShapeMismatch, rowSize, srcRowSize)
	}
	if len(indices) != int(dst.dims[0]) {
		return fmt.Errorf("%w: %d gather indices for %d rows", ErrShapeMismatch, len(indices), dst.dims[0])
	}
	kernel, ok := rowGatherKernels[dst.dtype]
	if !ok {
		return fmt.Errorf("%w: no gather kernel for dtype %s", ErrShapeMismatch, dst.dtype)
	}
	kernel(dst, src, indices, rowSize)
	return nil
}

// ConvertToFloat32 widens a scoring tensor into dst. fp16 goes through the
// IEEE half decoder, bf16 is the truncated fp32 pattern shifted back.
func ConvertToFloat32(dst []float32, src *Tensor) error {
	if len(dst) != src.NumElements() {
		return fmt.Errorf("%w: convert %d elements into %d", ErrShapeMismatch, src.NumElements(), len(dst))
	}
	switch src.dtype {
	case Float32:
		copy(dst, src.f32)
	case Float16:
		for i, bits := range src.u16 {
			dst[i] = float16.Frombits(bits).Float32()
		}
	case BFloat16:
		for i, bits := range src.u16 {
			dst[i] = bfloat16ToFloat32(bits)
		}
	default:
		return fmt.Errorf("%w: cannot score %s logits", ErrShapeMismatch, src.dtype)
	}
	return nil
}

func bfloat16ToFloat32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// Float32ToBFloat16 truncates an fp32 value to its bf16 bit pattern.
func Float32ToBFloat16(f float32) uint16 {
	return uint16(math.Float32bits(f) >> 16)
}

// Float32ToFloat16 encodes an fp32 value as IEEE half-precision bits.
func Float32ToFloat16(f float32) uint16 {
	return uint16(float16.Fromfloat32(f))
}
