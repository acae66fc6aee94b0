package npystream

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readHeader(t *testing.T, path string) (header string, payload []byte) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < magicLen || string(raw[:6]) != "\x93NUMPY" {
		t.Fatalf("bad magic in % x", raw[:6])
	}
	if raw[6] != 1 || raw[7] != 0 {
		t.Fatalf("format version %d.%d, want 1.0", raw[6], raw[7])
	}
	hlen := int(binary.LittleEndian.Uint16(raw[8:10]))
	if (magicLen+hlen)%headerAlign != 0 {
		t.Errorf("header is %d bytes, not a multiple of %d", magicLen+hlen, headerAlign)
	}
	return string(raw[magicLen : magicLen+hlen]), raw[magicLen+hlen:]
}

func TestHeaderLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.npy")
	w, err := Create(path, "<u4", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	header, payload := readHeader(t, path)
	if len(payload) != 0 {
		t.Errorf("empty stream left %d payload bytes", len(payload))
	}
	for _, want := range []string{
		"'descr': '<u4'",
		"'fortran_order': False",
		"'shape': (0",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header %q lacks %q", header, want)
		}
	}
	if !strings.HasSuffix(header, "\n") {
		t.Errorf("header %q does not end in newline", header)
	}
}

func TestWriteAndPatchShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.npy")
	w, err := Create(path, "<u4", 4)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Write(make([]byte, 6)); err == nil ||
		!strings.Contains(err.Error(), "whole") {
		t.Fatalf("partial item accepted: %v", err)
	}
	if w.Items() != 0 {
		t.Fatalf("items %d after rejected write", w.Items())
	}

	first := make([]byte, 4*5)
	for i := range first {
		first[i] = byte(i)
	}
	if n, err := w.Write(first); err != nil || n != len(first) {
		t.Fatalf("Write: %d, %v", n, err)
	}
	if w.Items() != 5 {
		t.Fatalf("items %d, want 5", w.Items())
	}

	// After a Flush the file on disk reads back complete as it stands.
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	header, payload := readHeader(t, path)
	if !strings.Contains(header, "'shape': (5 ") {
		t.Errorf("mid-stream header %q, want shape 5", header)
	}
	if len(payload) != len(first) || payload[7] != 7 {
		t.Errorf("mid-stream payload %d bytes", len(payload))
	}

	if _, err := w.Write(make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	header, payload = readHeader(t, path)
	if !strings.Contains(header, "'shape': (6         ,)") {
		t.Errorf("final header %q, want a width-10 item count", header)
	}
	if len(payload) != 4*6 {
		t.Errorf("final payload %d bytes, want %d", len(payload), 4*6)
	}
}

func TestCreateErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(filepath.Join(dir, "x.npy"), "<u4", 0); err == nil {
		t.Error("zero item size accepted")
	}
	if _, err := Create(filepath.Join(dir, "no", "such", "x.npy"), "<u4", 4); err == nil {
		t.Error("impossible path accepted")
	}
}
