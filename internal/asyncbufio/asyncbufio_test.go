package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// memWriter is an io.Writer safe to inspect while the background
// goroutine is still running.
type memWriter struct {
	mu sync.Mutex
	b  []byte
}

func (m *memWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.b = append(m.b, p...)
	return len(p), nil
}

func (m *memWriter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.b)
}

func (m *memWriter) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.b...)
}

func TestWriteOrderAndFlush(t *testing.T) {
	sink := &memWriter{}
	w := NewWriter(sink, 100, time.Hour)

	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		line := fmt.Appendf(nil, "line of text %3d\n", i)
		want.Write(line)
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		if i == 40 {
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			// Everything queued so far must be visible already.
			if got := sink.Len(); got != want.Len() {
				t.Errorf("after Flush: sink holds %d bytes, want %d", got, want.Len())
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), want.Bytes()) {
		t.Errorf("sink content diverged: %d bytes vs %d", sink.Len(), want.Len())
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("Flush() after Close() did not panic")
}

func TestCloseTwicePanics(t *testing.T) {
	w := NewWriter(&memWriter{}, 10, time.Hour)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Close()
	t.Errorf("second Close() did not panic")
}

func TestTimedFlush(t *testing.T) {
	sink := &memWriter{}
	w := NewWriter(sink, 10, 5*time.Millisecond)
	if _, err := w.Write([]byte("tick")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never moved the bytes")
		}
		time.Sleep(time.Millisecond)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// gatedWriter blocks every write until the gate opens.
type gatedWriter struct {
	release chan struct{}
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	<-g.release
	return len(p), nil
}

func TestFullQueueDropsWrites(t *testing.T) {
	g := &gatedWriter{release: make(chan struct{})}
	w := NewWriter(g, 2, time.Hour)

	// Oversized writes bypass the bufio buffer, so the background
	// goroutine wedges on the gate and the queue backs up.
	big := make([]byte, 8192)
	deadline := time.Now().Add(2 * time.Second)
	dropped := false
	for time.Now().Before(deadline) {
		if _, err := w.Write(big); err == io.ErrShortWrite {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Fatal("queue never filled while the sink was stalled")
	}

	close(g.release)
	if err := w.Close(); err != nil {
		t.Fatalf("Close after unblocking: %v", err)
	}
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk gone")
}

func TestStickyError(t *testing.T) {
	w := NewWriter(brokenWriter{}, 10, time.Hour)
	if _, err := w.Write(make([]byte, 8192)); err != nil {
		t.Fatalf("first Write should queue cleanly: %v", err)
	}
	if err := w.Flush(); err == nil {
		t.Fatal("Flush hid the write failure")
	}
	if _, err := w.Write([]byte("more")); err == nil || err == io.ErrShortWrite {
		t.Errorf("Write after failure: %v, want the sticky error", err)
	}
	if err := w.Close(); err == nil {
		t.Error("Close hid the write failure")
	}
}
