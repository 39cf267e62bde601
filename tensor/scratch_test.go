package tensor

import (
	"strings"
	"sync"
	"testing"
)

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		n        int
		expected int
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{64, 64},
		{65, 128},
	}
	for _, test := range tests {
		if got := roundUpToPowerOf2(test.n); got != test.expected {
			t.Errorf("roundUpToPowerOf2(%d) = %d, expected %d", test.n, got, test.expected)
		}
	}
}

func TestBufferPoolGetPut(t *testing.T) {
	bp := NewBufferPool()

	buf := bp.Get(100)
	if len(buf) != 100 || cap(buf) != 128 {
		t.Fatalf("Get(100) returned len %d cap %d", len(buf), cap(buf))
	}
	bp.Put(buf)

	again := bp.Get(120)
	if len(again) != 120 || cap(again) != 128 {
		t.Errorf("Get(120) returned len %d cap %d", len(again), cap(again))
	}
	bp.Put(again)

	stats := bp.Stats()[128]
	if stats.Gets != 2 || stats.Puts != 2 || stats.InUse != 0 || stats.MaxInUse != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Misses < 1 || stats.Misses > 2 {
		t.Errorf("Misses = %d, expected 1 or 2", stats.Misses)
	}
	if !strings.Contains(bp.String(), "Size 128: Gets=2, Puts=2") {
		t.Errorf("String() = %q", bp.String())
	}
}

func TestBufferPoolDropsForeignBuffers(t *testing.T) {
	bp := NewBufferPool()
	bp.Put(make([]float32, 10))
	bp.Put(nil)
	if len(bp.Stats()) != 0 {
		t.Errorf("foreign buffers created buckets: %v", bp.Stats())
	}
}

func TestBufferPoolConcurrent(t *testing.T) {
	bp := NewBufferPool()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := bp.Get(33 + i)
				buf[0] = float32(j)
				bp.Put(buf)
			}
		}(i)
	}
	wg.Wait()

	stats := bp.Stats()[64]
	if stats.Gets != 800 || stats.Puts != 800 || stats.InUse != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestConvolutionUsesScratchPool(t *testing.T) {
	input, _ := Ones([]int{2, 1, 4, 4})
	weight, _ := Ones([]int{1, 1, 3, 3})
	if _, err := Conv2D(input, weight, nil, Conv2DParams{Stride: 1, Padding: 1, Workers: 1}); err != nil {
		t.Fatal(err)
	}
	stats, ok := ScratchStats()[256]
	if !ok {
		t.Fatalf("no 256-element bucket in %v", ScratchStats())
	}
	if stats.InUse != 0 || stats.Gets < 2 {
		t.Errorf("scratch stats = %+v", stats)
	}
}
