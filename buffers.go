package crated

import "time"

// Buffer holds one DMA block drained from a module's external FIFO. Buffers
// circulate pool -> drain worker -> queue -> caller -> pool; callers must
// Release every buffer they pop, or the pool runs dry and acquisition slows
// to the idle cadence.
type Buffer struct {
	Module int      // logical number of the producing module
	Data   []uint32 // filled words; capacity is the pool's block size
	pool   *BufferPool
	out    bool
}

// Release returns the buffer to its pool. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b.pool == nil || !b.out {
		return
	}
	b.out = false
	b.Data = b.Data[:0]
	b.pool.free <- b
}

// BufferPool is a fixed free list of equal-capacity word blocks. It never
// grows: when the pool is empty, Take reports that by returning nil and the
// caller is expected to slow down, not allocate.
type BufferPool struct {
	total      int
	blockWords int
	free       chan *Buffer
}

// NewBufferPool builds a pool of count blocks of blockWords words each.
func NewBufferPool(count, blockWords int) *BufferPool {
	p := &BufferPool{total: count, blockWords: blockWords,
		free: make(chan *Buffer, count)}
	for i := 0; i < count; i++ {
		p.free <- &Buffer{Data: make([]uint32, 0, blockWords), pool: p}
	}
	return p
}

// Take removes a buffer from the pool, or returns nil when none are free.
func (p *BufferPool) Take() *Buffer {
	select {
	case b := <-p.free:
		b.out = true
		return b
	default:
		return nil
	}
}

// Free reports how many buffers are currently in the pool.
func (p *BufferPool) Free() int { return len(p.free) }

// Total reports the fixed pool size.
func (p *BufferPool) Total() int { return p.total }

// BlockWords reports the capacity of each block.
func (p *BufferPool) BlockWords() int { return p.blockWords }

// BufferQueue passes filled buffers from a module's drain worker to the one
// consumer pulling its data. The capacity matches the pool size, so the
// producer's push can never block: at most Total buffers exist.
type BufferQueue struct {
	c chan *Buffer
}

// NewBufferQueue builds a queue able to hold capacity buffers.
func NewBufferQueue(capacity int) *BufferQueue {
	return &BufferQueue{c: make(chan *Buffer, capacity)}
}

// Push enqueues a filled buffer without blocking. The false return means
// the queue is full, which indicates a sizing bug, not backpressure; the
// caller should release the buffer and complain.
func (q *BufferQueue) Push(b *Buffer) bool {
	select {
	case q.c <- b:
		return true
	default:
		return false
	}
}

// Pop dequeues the next buffer, or returns nil when the queue is empty.
func (q *BufferQueue) Pop() *Buffer {
	select {
	case b := <-q.c:
		return b
	default:
		return nil
	}
}

// PopWait dequeues the next buffer, waiting up to timeout for one to
// arrive. Returns nil on timeout.
func (q *BufferQueue) PopWait(timeout time.Duration) *Buffer {
	select {
	case b := <-q.c:
		return b
	case <-time.After(timeout):
		return nil
	}
}

// Len reports the buffers currently queued.
func (q *BufferQueue) Len() int { return len(q.c) }
