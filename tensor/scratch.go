package tensor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool recycles float32 scratch buffers, bucketed by power-of-two
// capacity. Buffers come back with unspecified contents.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks the traffic of one bucket.
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// scratch holds the column matrices of the convolution kernels.
var scratch = NewBufferPool()

// ScratchStats reports the convolution scratch pool, keyed by bucket size.
func ScratchStats() map[int]PoolStats {
	return scratch.Stats()
}

// Get returns a buffer of exactly size elements.
func (bp *BufferPool) Get(size int) []float32 {
	bucket := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, ok := bp.pools[bucket]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[bucket] = pool
		bp.stats[bucket] = &PoolStats{}
	}
	stats := bp.stats[bucket]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	if buf, ok := pool.Get().(*[]float32); ok {
		return (*buf)[:size]
	}

	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, bucket)
}

// Put hands buf back. Buffers that did not come from Get are dropped.
func (bp *BufferPool) Put(buf []float32) {
	if cap(buf) == 0 || cap(buf)&(cap(buf)-1) != 0 {
		return
	}
	bp.mu.Lock()
	pool, ok := bp.pools[cap(buf)]
	if ok {
		stats := bp.stats[cap(buf)]
		stats.Puts++
		stats.InUse--
	}
	bp.mu.Unlock()

	if ok {
		full := buf[:cap(buf)]
		pool.Put(&full)
	}
}

// Stats returns a copy of every bucket's counters.
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make(map[int]PoolStats, len(bp.stats))
	for size, s := range bp.stats {
		out[size] = *s
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		s := stats[size]
		hitRate := 0.0
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return sb.String()
}

func roundUpToPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
