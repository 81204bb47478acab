package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected free list of block buffers. Unlike
// sync.Pool, its contents survive garbage collection.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxItems int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultBlockBufferSize is the initial capacity of pooled buffers.
const DefaultBlockBufferSize = 32 * 1024

const defaultMaxPooledBuffers = 256

var BufferPool = NewBufferPool(DefaultBlockBufferSize)

// NewBufferPool creates an empty pool whose new buffers start at capacity bytes.
func NewBufferPool(capacity int) *bufferPool {
	return &bufferPool{
		items:    make([]*bytes.Buffer, 0, defaultMaxPooledBuffers),
		capacity: capacity,
		maxItems: defaultMaxPooledBuffers,
	}
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put resets buf and returns it to the pool. Buffers beyond the pool's
// limit are dropped.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxItems {
		bp.items = append(bp.items, buf)
	}
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64, currentSize int) {
	bp.mu.Lock()
	currentSize = len(bp.items)
	bp.mu.Unlock()
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), currentSize
}
