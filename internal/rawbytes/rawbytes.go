// Package rawbytes reinterprets numeric slices as raw bytes without
// copying. The result aliases the input and carries the host's byte
// order, which is little-endian everywhere this code runs.
package rawbytes

import "unsafe"

// Uint16s views d as bytes.
func Uint16s(d []uint16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), 2*len(d))
}

// Uint32s views d as bytes.
func Uint32s(d []uint32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), 4*len(d))
}

// Uint64s views d as bytes.
func Uint64s(d []uint64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), 8*len(d))
}
