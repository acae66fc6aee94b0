// Package npystream writes numpy .npy files whose length is not known up
// front. The header goes out with a zero shape and is patched in place as
// items accumulate, so the file reads back complete after every Flush.
package npystream

import (
	"fmt"
	"os"
)

// The total header must be a multiple of 64 bytes per the npy format
// spec; ten digits are reserved for the item count.
const (
	headerAlign = 64
	magicLen    = 10
	shapeDigits = 10
)

// Writer appends fixed-size items to a .npy file. Not safe for concurrent
// use.
type Writer struct {
	f        *os.File
	itemSize int
	shapeOff int64
	items    int64
}

// NewWriter writes a version 1.0 header for dtype (numpy descr syntax,
// little-endian, e.g. "<u4") to f and returns a writer appending items of
// itemSize bytes. The writer takes ownership of f.
func NewWriter(f *os.File, dtype string, itemSize int) (*Writer, error) {
	if itemSize <= 0 {
		return nil, fmt.Errorf("npystream: item size %d", itemSize)
	}
	prefix := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (", dtype)
	body := prefix + fmt.Sprintf("%-*d", shapeDigits, 0) + ",), }"
	pad := (headerAlign - (magicLen+len(body)+1)%headerAlign) % headerAlign
	hlen := len(body) + pad + 1
	hdr := make([]byte, 0, magicLen+hlen)
	hdr = append(hdr, 0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0, byte(hlen), byte(hlen>>8))
	hdr = append(hdr, body...)
	for i := 0; i < pad; i++ {
		hdr = append(hdr, ' ')
	}
	hdr = append(hdr, '\n')
	if _, err := f.Write(hdr); err != nil {
		return nil, err
	}
	return &Writer{f: f, itemSize: itemSize, shapeOff: int64(magicLen + len(prefix))}, nil
}

// Create opens path for writing and hands it to NewWriter.
func Create(path, dtype string, itemSize int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, dtype, itemSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Write appends p, which must hold a whole number of items.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p)%w.itemSize != 0 {
		return 0, fmt.Errorf("npystream: %d bytes is not whole %d-byte items", len(p), w.itemSize)
	}
	n, err := w.f.Write(p)
	w.items += int64(n / w.itemSize)
	return n, err
}

// Items returns how many items have been appended.
func (w *Writer) Items() int64 {
	return w.items
}

// Flush patches the recorded shape so the file reads back complete as it
// stands.
func (w *Writer) Flush() error {
	shape := fmt.Sprintf("%-*d", shapeDigits, w.items)
	_, err := w.f.WriteAt([]byte(shape), w.shapeOff)
	return err
}

// Close patches the shape a final time and closes the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
