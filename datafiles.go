package crated

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sbinet/npyio"
	"github.com/spectrumdaq/crated/internal/asyncbufio"
	"github.com/spectrumdaq/crated/internal/npystream"
	"github.com/spectrumdaq/crated/internal/rawbytes"
	"github.com/spectrumdaq/crated/plx"
	"gonum.org/v1/gonum/mat"
)

// SaveHistograms reads every channel's MCA spectrum from a module and
// writes them to path as one channels-by-bins matrix in .npy format.
func SaveHistograms(m *Module, path string) error {
	dense := mat.NewDense(m.NumChannels, plx.HistogramLength, nil)
	for ch := 0; ch < m.NumChannels; ch++ {
		hist, err := m.ReadHistogram(ch)
		if err != nil {
			return err
		}
		for i, v := range hist {
			dense.Set(ch, i, float64(v))
		}
	}
	return writeNumpy(path, dense)
}

// SaveTraces captures a fresh ADC trace on every channel of a module and
// writes them to path as one channels-by-samples matrix in .npy format.
func SaveTraces(m *Module, path string) error {
	dense := mat.NewDense(m.NumChannels, plx.MaxADCTraceLength, nil)
	for ch := 0; ch < m.NumChannels; ch++ {
		trace, err := m.AcquireADC(ch, plx.MaxADCTraceLength)
		if err != nil {
			return err
		}
		for i, v := range trace {
			dense.Set(ch, i, float64(v))
		}
	}
	return writeNumpy(path, dense)
}

func writeNumpy(path string, dense *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, dense); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

const (
	listQueueDepth    = 1024
	listFlushInterval = 3 * time.Second
	listPollTimeout   = 200 * time.Millisecond
)

// ListFileStats counts one module's list-mode sink activity.
type ListFileStats struct {
	Buffers uint64
	Words   uint64
	Dropped uint64
}

// ListWriter sinks drained list-mode buffers into one .npy file of raw
// 32-bit event words per module. Buffer contents are copied out and the
// buffer released before anything touches disk, so neither the FIFO
// drain path nor the buffer pool waits on a slow filesystem.
type ListWriter struct {
	dir   string
	runID string

	mu    sync.Mutex
	stop  chan struct{}
	wg    sync.WaitGroup
	files map[int]*listFile
}

type listFile struct {
	npy *npystream.Writer
	abw *asyncbufio.Writer

	buffers atomic.Uint64
	words   atomic.Uint64
	dropped atomic.Uint64
}

// NewListWriter creates a writer placing one file per module under dir,
// named by run.
func NewListWriter(dir, runID string) *ListWriter {
	return &ListWriter{
		dir:   dir,
		runID: runID,
		stop:  make(chan struct{}),
		files: make(map[int]*listFile),
	}
}

// FilePath returns the file a module's stream goes to.
func (lw *ListWriter) FilePath(module int) string {
	return filepath.Join(lw.dir, fmt.Sprintf("%s_mod%d.npy", lw.runID, module))
}

// Attach starts draining a module's buffer queue into its file. The
// handle must stay held until Close returns.
func (lw *ListWriter) Attach(h *ModuleHandle) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	select {
	case <-lw.stop:
		return fmt.Errorf("list writer: closed")
	default:
	}
	if _, dup := lw.files[h.Number]; dup {
		return fmt.Errorf("list writer: module %d already attached", h.Number)
	}
	npy, err := npystream.Create(lw.FilePath(h.Number), "<u4", 4)
	if err != nil {
		return err
	}
	lf := &listFile{npy: npy, abw: asyncbufio.NewWriter(npy, listQueueDepth, listFlushInterval)}
	lw.files[h.Number] = lf
	lw.wg.Add(1)
	go lw.pump(h, lf)
	return nil
}

func (lw *ListWriter) pump(h *ModuleHandle, lf *listFile) {
	defer lw.wg.Done()
	for {
		select {
		case <-lw.stop:
			// Take whatever is still queued, then quit.
			for {
				buf := h.PopFIFO()
				if buf == nil {
					return
				}
				lf.sink(buf)
			}
		default:
		}
		if buf := h.ReadFIFO(listPollTimeout); buf != nil {
			lf.sink(buf)
		}
	}
}

// sink copies the buffer out, releases it to the pool, and queues the
// copy for writing.
func (lf *listFile) sink(buf *Buffer) {
	words := len(buf.Data)
	p := make([]byte, 4*words)
	copy(p, rawbytes.Uint32s(buf.Data))
	buf.Release()
	if _, err := lf.abw.Write(p); err != nil {
		lf.dropped.Add(1)
		return
	}
	lf.buffers.Add(1)
	lf.words.Add(uint64(words))
}

// Close stops the pumps, drains everything queued, and closes the files.
// Closing twice is harmless.
func (lw *ListWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	select {
	case <-lw.stop:
		return nil
	default:
	}
	close(lw.stop)
	lw.wg.Wait()
	var firstErr error
	for n, lf := range lw.files {
		if err := lf.abw.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("list writer: module %d: %w", n, err)
		}
		if err := lf.npy.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("list writer: module %d: %w", n, err)
		}
	}
	return firstErr
}

// Stats snapshots the per-module sink counters.
func (lw *ListWriter) Stats() map[int]ListFileStats {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	out := make(map[int]ListFileStats, len(lw.files))
	for n, lf := range lw.files {
		out[n] = ListFileStats{
			Buffers: lf.buffers.Load(),
			Words:   lf.words.Load(),
			Dropped: lf.dropped.Load(),
		}
	}
	return out
}
