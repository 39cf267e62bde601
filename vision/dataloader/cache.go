package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager keeps recently loaded samples in memory, keyed by dataset index.
// A zero or negative capacity disables caching.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[int]Sample
	lru         *list.List
	lruMap      map[int]*list.Element
	maxSize     int
	currentSize int

	// Statistics
	hits   int64
	misses int64
}

func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[int]Sample),
		lru:     list.New(),
		lruMap:  make(map[int]*list.Element),
		maxSize: maxSize,
	}
}

func (cm *CacheManager) Get(key int) (Sample, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		cm.hits++
		return data, true
	}

	cm.misses++
	return Sample{}, false
}

func (cm *CacheManager) Put(key int, data Sample) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}

	if _, exists := cm.cache[key]; exists {
		cm.cache[key] = data
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		return
	}

	elem := cm.lru.PushFront(key)
	cm.lruMap[key] = elem
	cm.cache[key] = data
	cm.currentSize++

	for cm.currentSize > cm.maxSize && cm.lru.Len() > 0 {
		if oldest := cm.lru.Back(); oldest != nil {
			cm.removeElement(oldest)
		}
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(int)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
	cm.currentSize--
}

func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
		HitRate: cm.calculateHitRate(),
	}
}

func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear empties the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[int]Sample)
	cm.lru = list.New()
	cm.lruMap = make(map[int]*list.Element)
	cm.currentSize = 0
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
