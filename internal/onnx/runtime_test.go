package onnx

import (
	"reflect"
	"testing"
)

func TestResolveProviders(t *testing.T) {
	tests := []struct {
		name       string
		preference string
		fallback   bool
		expected   []string
	}{
		{"cpu", "cpu", true, []string{"cpu"}},
		{"empty defaults to cpu", "", true, []string{"cpu"}},
		{"auto tries cuda then cpu", "auto", false, []string{"cuda", "cpu"}},
		{"cuda with fallback", "cuda", true, []string{"cuda", "cpu"}},
		{"cuda without fallback", "cuda", false, []string{"cuda"}},
		{"tensorrt with fallback", "tensorrt", true, []string{"tensorrt", "cuda", "cpu"}},
		{"tensorrt without fallback", "tensorrt", false, []string{"tensorrt"}},
		{"unknown falls back to cpu", "opencl", true, []string{"cpu"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveProviders(tt.preference, tt.fallback)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestValueConstructors(t *testing.T) {
	v := FloatValue([]int64{2, 3}, make([]float32, 6))
	if v.DType != Float32 {
		t.Errorf("Expected Float32, got %s", v.DType)
	}
	if v.NumElements() != 6 {
		t.Errorf("Expected 6 elements, got %d", v.NumElements())
	}

	iv := Int64Value([]int64{4}, make([]int64, 4))
	if iv.DType != Int64 || iv.NumElements() != 4 {
		t.Errorf("Unexpected int64 value: %+v", iv)
	}

	i32 := Int32Value([]int64{1}, []int32{7})
	if i32.DType != Int32 {
		t.Errorf("Expected Int32, got %s", i32.DType)
	}
}
