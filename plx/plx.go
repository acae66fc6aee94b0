// Package plx provides access to digitizer modules on the PLX-bridged PCI
// bus: enumeration of devices, word read/write of the register and DSP
// address space, and DMA block reads of the bulk data regions (external
// FIFO, trace memory, histogram memory). Exports the Device and Opener
// interfaces for general use; the real hardware implementation talks to the
// /dev/plx* character devices, and SimBus/SimDevice emulate a crate of
// modules without any hardware.
package plx

import "errors"

// ErrNoDevice is returned by an Opener when the requested device number does
// not exist. Callers probing the bus use it to tell "end of bus" apart from
// a sick device.
var ErrNoDevice = errors.New("plx: no such device")

// Device is the handle to one module's bus interface. A Device is a singular
// capability: exactly one owner at a time, released by Close.
type Device interface {
	// ReadWord reads the 32-bit word at the given byte address.
	ReadWord(addr uint32) (uint32, error)
	// WriteWord writes the 32-bit word at the given byte address.
	WriteWord(addr uint32, value uint32) error
	// DMARead block-reads n words starting at the given byte address.
	DMARead(addr uint32, n int) ([]uint32, error)
	Close() error
}

// Opener hands out Devices by device number. Open returns ErrNoDevice when
// the number is beyond the last device on the bus.
type Opener interface {
	Open(deviceNumber int) (Device, Info, error)
}

// Info is the identity record read from a module's EEPROM (or supplied by a
// simulation definition) when the device is opened.
type Info struct {
	Slot         int
	Revision     int
	Serial       int
	NumChannels  int
	ADCBits      int
	ADCMSPS      int
	EEPROMFormat int
	PCIBus       int
	PCISlot      int
	Channels     []ChannelInfo
}

// ChannelInfo describes the analog front end attached to one channel.
// Fixture is empty for channels served directly by the mainboard.
type ChannelInfo struct {
	Fixture   string // daughter-board kind, e.g. "DB04"
	DB        int    // daughter-board number, counted from 0
	DBChannel int    // channel offset within the daughter board
}

// Crate and module geometry. These bound every revision this driver stack
// supports; per-module values come from Info.
const (
	MaxSlots          = 13
	MaxChannels       = 32
	MaxADCTraceLength = 8192   // samples per channel trace capture
	IOBufferLength    = 65536  // words in the DSP IO buffer
	HistogramLength   = 32768  // bins per channel histogram
	FIFOSizeWords     = 131072 // capacity of the external FIFO
	MaxDMABlockSize   = 8192   // words per DMA transfer
	SystemClockMHz    = 100
)

// Hardware revision codes as stored in the EEPROM. RevisionTag converts to
// the letter stamped on the board.
const (
	RevA = 10 + iota
	RevB
	RevC
	RevD
	RevE
	RevF
	RevG
	RevH
	RevI
	RevJ
	RevK
	RevL
)

// RevisionTag returns the board revision letter for an EEPROM revision code,
// or "?" when the code is out of range.
func RevisionTag(revision int) string {
	if revision < RevA || revision > RevL {
		return "?"
	}
	return string(rune('A' + revision - RevA))
}

// Host register byte addresses. All registers are 32 bits wide.
const (
	RegCSR        = 0x0008 // run control/status
	RegBootStatus = 0x000c // FPGA/DSP configuration state, read-only
	RegFIFOStatus = 0x0010 // words waiting in the external FIFO, read-only
	RegCfgCtrl    = 0x0014 // FPGA/DSP configuration target select and strobes
	RegCfgData    = 0x0018 // configuration bitstream port
	RegCfgDAC     = 0x001c // serial DAC command port (daughter boards)
	RegPortSelect = 0x0020 // daughter-board serial port select
)

// CSR bits.
const (
	CSRRunEnable = 1 << 0
	CSRRunActive = 1 << 13
)

// Boot status bits, one per configurable part.
const (
	BootComms = 1 << 0
	BootFippi = 1 << 1
	BootDSP   = 1 << 2
)

// Configuration control words: a target select, an initiate strobe that
// clears the part's boot bit, and a done strobe that sets it once the
// part accepts its image.
const (
	CfgTargetComms = 1
	CfgTargetFippi = 2
	CfgTargetDSP   = 3
	CfgInit        = 1 << 8
	CfgDone        = 1 << 9
)

// Bulk memory regions, byte addresses.
const (
	DSPMemBase = 0x0004a000 // DSP parameter memory (see DSPVarLayout)
	IOBufBase  = 0x00080000 // control-task IO buffer, packed samples
	TraceBase  = 0x00100000 // per-channel ADC trace memory
	HistBase   = 0x00200000 // per-channel histogram memory
	FIFOBase   = 0x00800000 // external FIFO read window
)

// TraceAddr returns the byte address of a channel's trace memory.
func TraceAddr(channel int) uint32 {
	return TraceBase + uint32(channel)*MaxADCTraceLength*4
}

// HistogramAddr returns the byte address of a channel's histogram memory.
func HistogramAddr(channel int) uint32 {
	return HistBase + uint32(channel)*HistogramLength*4
}

// PackSamples packs ADC samples two per word, low sample first, the layout
// the DSP uses for the IO buffer.
func PackSamples(samples []uint16) []uint32 {
	words := make([]uint32, (len(samples)+1)/2)
	for i, s := range samples {
		if i%2 == 0 {
			words[i/2] = uint32(s)
		} else {
			words[i/2] |= uint32(s) << 16
		}
	}
	return words
}

// UnpackSamples undoes PackSamples, returning n samples from the words.
func UnpackSamples(words []uint32, n int) []uint16 {
	samples := make([]uint16, 0, n)
	for _, w := range words {
		samples = append(samples, uint16(w&0xffff))
		if len(samples) == n {
			break
		}
		samples = append(samples, uint16(w>>16))
		if len(samples) == n {
			break
		}
	}
	return samples
}
