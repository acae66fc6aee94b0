// Package asyncbufio decouples producers from disk latency. Writes land
// in a channel and a background goroutine moves them through a
// bufio.Writer, flushing on a timer and on demand.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Writer is an asynchronous buffered writer. Write never blocks; a full
// queue drops the write and reports it, so a real-time producer can count
// the loss and move on. The first error the background goroutine hits
// sticks and comes back from every later call.
type Writer struct {
	bw       *bufio.Writer
	data     chan []byte
	flushReq chan struct{}
	flushAck chan struct{}

	mu  sync.Mutex
	err error
}

// NewWriter starts a background writer with room for depth queued writes,
// flushing every interval.
func NewWriter(w io.Writer, depth int, interval time.Duration) *Writer {
	aw := &Writer{
		bw:       bufio.NewWriter(w),
		data:     make(chan []byte, depth),
		flushReq: make(chan struct{}),
		flushAck: make(chan struct{}),
	}
	go aw.loop(interval)
	return aw
}

// Write queues p for the background goroutine. The caller must not reuse
// p afterwards. When the queue is full the write is dropped and
// io.ErrShortWrite returned.
func (aw *Writer) Write(p []byte) (int, error) {
	if err := aw.Err(); err != nil {
		return 0, err
	}
	select {
	case aw.data <- p:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// Flush blocks until everything queued so far reaches the underlying
// writer.
func (aw *Writer) Flush() error {
	aw.flushReq <- struct{}{}
	<-aw.flushAck
	return aw.Err()
}

// Close flushes and stops the background goroutine. Write and Flush must
// not be called after Close.
func (aw *Writer) Close() error {
	close(aw.flushReq)
	<-aw.flushAck
	return aw.Err()
}

// Err returns the first error the background writer hit, if any.
func (aw *Writer) Err() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.err
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.mu.Lock()
	if aw.err == nil {
		aw.err = err
	}
	aw.mu.Unlock()
}

func (aw *Writer) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case p := <-aw.data:
			_, err := aw.bw.Write(p)
			aw.setErr(err)

		case _, ok := <-aw.flushReq:
			aw.drain()
			aw.flushAck <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.drain()
		}
	}
}

// drain empties the queue into the bufio.Writer, then flushes it.
func (aw *Writer) drain() {
	for {
		select {
		case p := <-aw.data:
			_, err := aw.bw.Write(p)
			aw.setErr(err)
		default:
			aw.setErr(aw.bw.Flush())
			return
		}
	}
}
