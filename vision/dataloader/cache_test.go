package dataloader

import (
	"strings"
	"sync"
	"testing"

	"github.com/tsawler/go-superres/tensor"
)

func sampleWith(v float32) Sample {
	t, _ := tensor.Full([]int{1}, v)
	return Sample{Input: t, Target: t}
}

func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5)

	if _, exists := cm.Get(1); exists {
		t.Error("Get should miss on an empty cache")
	}

	cm.Put(1, sampleWith(1))
	s, exists := cm.Get(1)
	if !exists || s.Input.Data[0] != 1 {
		t.Errorf("Get(1) = %v, %v", s, exists)
	}

	stats := cm.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("HitRate = %f, expected 50", stats.HitRate)
	}
}

func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put(1, sampleWith(1))
	cm.Put(2, sampleWith(2))
	cm.Get(1) // 2 is now least recently used
	cm.Put(3, sampleWith(3))

	if _, ok := cm.Get(2); ok {
		t.Error("expected 2 to be evicted")
	}
	for _, k := range []int{1, 3} {
		if _, ok := cm.Get(k); !ok {
			t.Errorf("expected %d to be cached", k)
		}
	}
	if cm.Stats().Size != 2 {
		t.Errorf("Size = %d, expected 2", cm.Stats().Size)
	}
}

func TestCacheManagerPutExisting(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put(1, sampleWith(1))
	cm.Put(1, sampleWith(9))
	s, _ := cm.Get(1)
	if s.Input.Data[0] != 9 || cm.Stats().Size != 1 {
		t.Errorf("re-put did not replace: %v size %d", s.Input.Data, cm.Stats().Size)
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put(1, sampleWith(1))
	if _, ok := cm.Get(1); ok {
		t.Error("zero-capacity cache should not store")
	}
}

func TestCacheManagerClear(t *testing.T) {
	cm := NewCacheManager(3)
	cm.Put(1, sampleWith(1))
	cm.Get(1)
	cm.Clear()
	if _, ok := cm.Get(1); ok {
		t.Error("Clear did not empty the cache")
	}
	if cm.Stats().Hits != 1 {
		t.Error("Clear should keep statistics")
	}
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cm.Put((g*100+i)%32, sampleWith(float32(i)))
				cm.Get(i % 32)
			}
		}(g)
	}
	wg.Wait()
	if size := cm.Stats().Size; size > 16 {
		t.Errorf("Size = %d exceeds capacity", size)
	}
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Size: 1, MaxSize: 4, Hits: 3, Misses: 1, HitRate: 75}.String()
	if !strings.Contains(s, "1/4 items") || !strings.Contains(s, "75.0%") {
		t.Errorf("String() = %s", s)
	}
}
