package crated

import (
	"testing"
	"time"
)

// A pool of N blocks must refuse the N+1th acquisition rather than grow.
func TestBufferPoolExhaustion(t *testing.T) {
	const n = 4
	pool := NewBufferPool(n, 64)
	if pool.Free() != n || pool.Total() != n {
		t.Fatalf("fresh pool: free %d total %d", pool.Free(), pool.Total())
	}
	taken := make([]*Buffer, 0, n)
	for i := 0; i < n; i++ {
		b := pool.Take()
		if b == nil {
			t.Fatalf("Take %d returned nil with buffers free", i)
		}
		taken = append(taken, b)
	}
	if b := pool.Take(); b != nil {
		t.Fatalf("Take beyond the pool size should return nil")
	}
	if pool.Free() != 0 {
		t.Errorf("free = %d, want 0", pool.Free())
	}
	for _, b := range taken {
		b.Release()
	}
	if pool.Free() != n {
		t.Errorf("free after release = %d, want %d", pool.Free(), n)
	}
}

func TestBufferReleaseIdempotent(t *testing.T) {
	pool := NewBufferPool(2, 8)
	b := pool.Take()
	b.Data = append(b.Data, 1, 2, 3)
	b.Release()
	b.Release()
	if pool.Free() != 2 {
		t.Fatalf("double release grew the pool to %d", pool.Free())
	}
	b = pool.Take()
	if len(b.Data) != 0 {
		t.Errorf("recycled buffer still holds %d words", len(b.Data))
	}
	if cap(b.Data) != 8 {
		t.Errorf("recycled buffer capacity %d, want 8", cap(b.Data))
	}
}

func TestBufferQueue(t *testing.T) {
	pool := NewBufferPool(3, 8)
	q := NewBufferQueue(3)
	if b := q.Pop(); b != nil {
		t.Fatal("Pop on an empty queue should return nil")
	}
	for i := 0; i < 3; i++ {
		b := pool.Take()
		b.Module = i
		if !q.Push(b) {
			t.Fatalf("Push %d refused with capacity available", i)
		}
	}
	if q.Push(&Buffer{}) {
		t.Error("Push into a full queue should refuse, not block")
	}
	for i := 0; i < 3; i++ {
		b := q.Pop()
		if b == nil || b.Module != i {
			t.Fatalf("Pop %d returned %+v", i, b)
		}
		b.Release()
	}
	if pool.Free() != 3 {
		t.Errorf("pool not refilled after consumption: %d", pool.Free())
	}
}

func TestBufferQueuePopWait(t *testing.T) {
	pool := NewBufferPool(1, 8)
	q := NewBufferQueue(1)
	start := time.Now()
	if b := q.PopWait(10 * time.Millisecond); b != nil {
		t.Fatal("PopWait on an empty queue returned a buffer")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("PopWait returned before its timeout")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Push(pool.Take())
	}()
	if b := q.PopWait(5 * time.Second); b == nil {
		t.Fatal("PopWait timed out with a producer running")
	}
}
