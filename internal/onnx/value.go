package onnx

import "fmt"

// DType identifies the element type of a tensor value.
type DType int

const (
	Float32 DType = iota
	Int32
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Value is a tensor crossing the session boundary. Exactly one of the
// data slices is populated, matching DType.
type Value struct {
	DType  DType
	Shape  []int64
	Floats []float32
	Int32s []int32
	Int64s []int64
}

// FloatValue builds a float32 tensor value.
func FloatValue(shape []int64, data []float32) Value {
	return Value{DType: Float32, Shape: shape, Floats: data}
}

// Int32Value builds an int32 tensor value.
func Int32Value(shape []int64, data []int32) Value {
	return Value{DType: Int32, Shape: shape, Int32s: data}
}

// Int64Value builds an int64 tensor value.
func Int64Value(shape []int64, data []int64) Value {
	return Value{DType: Int64, Shape: shape, Int64s: data}
}

// NumElements returns the element count implied by the shape.
func (v Value) NumElements() int {
	n := 1
	for _, d := range v.Shape {
		n *= int(d)
	}
	return n
}

// IOInfo describes one session input or output.
type IOInfo struct {
	Name  string
	Shape []int64 // -1 marks dynamic dimensions
}

// Session is a loaded ONNX model ready for inference. Outputs are
// returned in the model's declared output order.
type Session interface {
	Inputs() []IOInfo
	Outputs() []IOInfo
	Run(inputs map[string]Value) ([]Value, error)
	Close() error
}

// SessionFactory opens a session for the model at path. Production
// code uses Runtime.OpenSession; tests substitute fakes.
type SessionFactory func(path string) (Session, error)
