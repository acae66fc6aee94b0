package crated

import (
	"fmt"
	"strings"

	"github.com/spectrumdaq/crated/plx"
)

// FirmwareSet names the images that bring up one hardware flavor. Empty
// paths strobe the part without streaming an image, which is how simulated
// devices boot. The fourth piece of a flavor, the DSP variable map, is
// not a loadable image here: every supported DSP build shares the layout
// compiled into plx.DSPVarLayout, so the set carries only the three
// streamed images.
type FirmwareSet struct {
	Tag     string
	Comms   string // system FPGA image
	Fippi   string // signal-processing FPGA image
	DSPCode string // DSP executable
}

// FirmwareTag builds the lookup key for a hardware flavor, e.g.
// "revh-12b-100m".
func FirmwareTag(revision, adcBits, adcMSPS int) string {
	return fmt.Sprintf("rev%s-%db-%dm",
		strings.ToLower(plx.RevisionTag(revision)), adcBits, adcMSPS)
}

// FirmwareMap picks a firmware set by hardware flavor tag.
type FirmwareMap map[string]*FirmwareSet

// Find returns the set for a module's hardware, or nil when the map has
// nothing for that flavor.
func (fm FirmwareMap) Find(revision, adcBits, adcMSPS int) *FirmwareSet {
	return fm[FirmwareTag(revision, adcBits, adcMSPS)]
}

// SimFirmware returns an imageless set that boots simulated devices of any
// flavor.
func SimFirmware() *FirmwareSet {
	return &FirmwareSet{Tag: "sim"}
}
