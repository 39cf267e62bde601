package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float32
		wantErr bool
	}{
		{"zeroed storage", []int{2, 2}, nil, false},
		{"explicit data", []int{2, 2}, []float32{1, 2, 3, 4}, false},
		{"length mismatch", []int{2, 2}, []float32{1, 2, 3}, true},
		{"invalid shape", []int{0, 2}, nil, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := NewTensor(test.shape, test.data)
			if (err != nil) != test.wantErr {
				t.Fatalf("NewTensor() error = %v, wantErr %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(result.Shape, test.shape) {
				t.Errorf("Shape = %v, expected %v", result.Shape, test.shape)
			}
			if result.NumElems != 4 || len(result.Data) != 4 {
				t.Errorf("expected 4 elements, got NumElems=%d len=%d", result.NumElems, len(result.Data))
			}
			if result.Device != CPU {
				t.Errorf("expected CPU device, got %s", result.Device)
			}
		})
	}
}

func TestNewTensorCopiesShape(t *testing.T) {
	shape := []int{2, 3}
	result, err := NewTensor(shape, nil)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	shape[0] = 9
	if result.Shape[0] != 2 {
		t.Errorf("tensor shape aliased caller slice: %v", result.Shape)
	}
}

func TestFullAndOnes(t *testing.T) {
	full, _ := Full([]int{3}, 2.5)
	if !reflect.DeepEqual(full.Data, []float32{2.5, 2.5, 2.5}) {
		t.Errorf("Full = %v", full.Data)
	}
	ones, _ := Ones([]int{2})
	if !reflect.DeepEqual(ones.Data, []float32{1, 1}) {
		t.Errorf("Ones = %v", ones.Data)
	}
}

func TestRandomNormalIsSeeded(t *testing.T) {
	a, err := RandomNormal([]int{64}, 0, 0.5, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	b, _ := RandomNormal([]int{64}, 0, 0.5, rand.New(rand.NewSource(7)))
	if !reflect.DeepEqual(a.Data, b.Data) {
		t.Error("same seed produced different values")
	}

	var mean float64
	for _, v := range a.Data {
		mean += float64(v)
	}
	mean /= float64(len(a.Data))
	if math.Abs(mean) > 0.3 {
		t.Errorf("sample mean %f too far from 0", mean)
	}

	if _, err := RandomNormal([]int{2}, 0, 1, nil); err == nil {
		t.Error("expected error for nil random source")
	}
}

func TestRandomUniformRange(t *testing.T) {
	u, err := RandomUniform([]int{100}, -1, 1, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("RandomUniform failed: %v", err)
	}
	for i, v := range u.Data {
		if v < -1 || v >= 1 {
			t.Errorf("element %d = %f outside [-1, 1)", i, v)
		}
	}
}
