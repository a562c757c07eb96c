package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected free list of buffers. Unlike sync.Pool its
// contents survive garbage collection, which suits the per-item scratch
// buffers used on the journal write path.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxKeep  int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultItemBufferSize is the initial capacity of a pooled item buffer.
const DefaultItemBufferSize = 4 * 1024

// maxPooledBufferSize keeps one oversized item from pinning memory forever.
const maxPooledBufferSize = 1 << 20

// BufferPool is shared by the stores and compressors.
var BufferPool = NewBufferPool(DefaultItemBufferSize, 256)

// NewBufferPool creates a pool whose new buffers start with the given capacity
// and which retains at most maxKeep idle buffers.
func NewBufferPool(capacity, maxKeep int) *bufferPool {
	if maxKeep <= 0 {
		maxKeep = 64
	}
	return &bufferPool{
		capacity: capacity,
		maxKeep:  maxKeep,
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
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	bp.hits.Add(1)
	return item
}

// Put returns a buffer to the pool. Oversized buffers and buffers beyond
// maxKeep are dropped.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxKeep {
		bp.items = append(bp.items, buf)
	}
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64, currentSize int64) {
	bp.mu.Lock()
	size := int64(len(bp.items))
	bp.mu.Unlock()
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), size
}
