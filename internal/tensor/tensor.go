// Package tensor is the host-side representation of a training example: named
// n-dimensional arrays with an element type.
package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is an element type.
type DType int

const (
	Float64 DType = iota
	Float32
	Float16
	Int64
	Int32
	UInt8
	Bool
)

var dtypeNames = map[DType]string{
	Float64: "float64",
	Float32: "float32",
	Float16: "float16",
	Int64:   "int64",
	Int32:   "int32",
	UInt8:   "uint8",
	Bool:    "bool",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// IsFloat reports whether d is a floating-point type.
func (d DType) IsFloat() bool { return d == Float64 || d == Float32 || d == Float16 }

// ParseFloatType maps a config name to a float type.
func ParseFloatType(name string) (DType, error) {
	switch name {
	case "float32", "":
		return Float32, nil
	case "float16", "half":
		return Float16, nil
	case "float64":
		return Float64, nil
	}
	return 0, fmt.Errorf("unknown float type %q", name)
}

// Tensor is a row-major array. Float types keep their values in Floats,
// already rounded to the type's precision; integer and boolean types use Ints.
type Tensor struct {
	DType  DType
	Shape  []int
	Floats []float64
	Ints   []int64
}

// NewFloat builds a float64 tensor.
func NewFloat(shape []int, data []float64) Tensor {
	return Tensor{DType: Float64, Shape: shape, Floats: data}
}

// NewInt builds an integer tensor of dtype.
func NewInt(dtype DType, shape []int, data []int64) Tensor {
	return Tensor{DType: dtype, Shape: shape, Ints: data}
}

// Size is the number of elements implied by the shape.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim returns dimension i, or 0 when the tensor has fewer dimensions.
func (t Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Validate checks the data length against the shape.
func (t Tensor) Validate() error {
	have := len(t.Ints)
	if t.DType.IsFloat() {
		have = len(t.Floats)
	}
	if have != t.Size() {
		return fmt.Errorf("%s tensor of shape %v holds %d values", t.DType, t.Shape, have)
	}
	return nil
}

// As converts t to dtype, rounding through the target precision.
func (t Tensor) As(dtype DType) Tensor {
	out := Tensor{DType: dtype, Shape: append([]int(nil), t.Shape...)}
	switch {
	case dtype.IsFloat():
		out.Floats = make([]float64, t.Size())
		for i := range out.Floats {
			out.Floats[i] = round(t.float(i), dtype)
		}
	default:
		out.Ints = make([]int64, t.Size())
		for i := range out.Ints {
			out.Ints[i] = wrap(t.int(i), dtype)
		}
	}
	return out
}

func (t Tensor) float(i int) float64 {
	if t.DType.IsFloat() {
		return t.Floats[i]
	}
	return float64(t.Ints[i])
}

func (t Tensor) int(i int) int64 {
	if t.DType.IsFloat() {
		f := t.Floats[i]
		if math.IsNaN(f) {
			return 0
		}
		return int64(f)
	}
	return t.Ints[i]
}

func round(v float64, dtype DType) float64 {
	switch dtype {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	}
	return v
}

func wrap(v int64, dtype DType) int64 {
	switch dtype {
	case Int32:
		return int64(int32(v))
	case UInt8:
		return int64(uint8(v))
	case Bool:
		if v != 0 {
			return 1
		}
		return 0
	}
	return v
}
