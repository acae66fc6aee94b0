package crated

import (
	"fmt"
	"io"

	"github.com/spectrumdaq/crated/plx"
)

// Fixtures encapsulate hardware-revision-specific analog front end behavior
// behind uniform interfaces, so module and crate code stays revision
// agnostic. A fixture is bound 1:1 to its module or channel when the module
// is opened; selection is a pure function of the tags read from the EEPROM.
//
// All fixture methods run with the owning module's lock held. Fixtures call
// the module's unexported locked helpers, never its public operations.

// ChannelFixture is the per-channel capability set. Operations a given
// front end lacks return an ErrUnsupportedOperation error.
type ChannelFixture interface {
	Open() error
	Close() error
	// SetDAC writes the channel's offset DAC.
	SetDAC(value int) error
	SetBool(item string, value bool) error
	GetBool(item string) (bool, error)
	GetInt(item string) (int, error)
	GetFloat(item string) (float64, error)
	// AcquireADC captures a fresh ADC trace into the capture memory.
	AcquireADC() error
	// ReadADC returns up to n samples of the last captured trace.
	ReadADC(n int) ([]uint16, error)
	Report(w io.Writer)
}

// ModuleFixture is the module-level capability set, including the hooks the
// boot sequence fires as each part comes up.
type ModuleFixture interface {
	Open() error
	Close() error
	// InitChannels builds the per-channel fixtures.
	InitChannels() error
	// Boot runs the front end's own initialization after the DSP is up.
	Boot() error
	FPGACommsLoaded()
	FPGAFippiLoaded()
	DSPLoaded()
	SetDACs() error
	GetTraces() error
	AdjustOffsets() error
	// SyncHW pushes host-side analog state to the hardware after a
	// parameter sync or a crate-wide AFE initialization.
	SyncHW() error
	Report(w io.Writer)
}

// Item names for the generic fixture get/set surface.
const (
	itemADCSwap         = "ADC_SWAP"
	itemDBNumber        = "DB_NUMBER"
	itemDBOffset        = "DB_OFFSET"
	itemDACSettlePeriod = "DAC_SETTLE_PERIOD"
	itemHasOffsetDAC    = "HAS_OFFSET_DAC"
	itemDACVoltageRange = "DAC_VOLTAGE_RANGE"
)

// newChannelFixture selects a channel's fixture from its EEPROM tag.
func newChannelFixture(m *Module, ch int) ChannelFixture {
	switch m.info.Channels[ch].Fixture {
	case "DB04":
		return newDB04Fixture(m, ch)
	case "DB01", "DB02", "DB06", "DB07":
		return newDBFixture(m, ch)
	default:
		return &mainboardFixture{m: m, ch: ch}
	}
}

// newModuleFixture selects a module's fixture from its hardware revision.
func newModuleFixture(m *Module) ModuleFixture {
	if m.Revision == plx.RevH {
		return newAFEDBFixture(m)
	}
	return &defaultModuleFixture{m: m}
}

// The offset DACs span a +-1.5 V range across their 16-bit codes.
const dacVoltageRange = 3.0

// voffsetToDAC converts a requested voltage offset to the DAC code.
func voffsetToDAC(v float64) int {
	dac := int(65536 * (v/dacVoltageRange + 0.5))
	if dac < 0 {
		dac = 0
	}
	if dac > 65535 {
		dac = 65535
	}
	return dac
}

func unsupportedOp(m *Module, ch int, op string) error {
	return moduleError(ErrUnsupportedOperation, m.Number, m.Slot, op,
		"channel %d: not supported by this fixture", ch)
}

// mainboardFixture serves channels wired straight to the mainboard ADCs.
// There is nothing to calibrate; it can only capture and read traces.
type mainboardFixture struct {
	m  *Module
	ch int
}

var _ ChannelFixture = (*mainboardFixture)(nil)

func (f *mainboardFixture) Open() error { return nil }

func (f *mainboardFixture) Close() error { return nil }

func (f *mainboardFixture) SetDAC(value int) error {
	return unsupportedOp(f.m, f.ch, "set dac")
}

func (f *mainboardFixture) SetBool(item string, value bool) error {
	return unsupportedOp(f.m, f.ch, "set "+item)
}

func (f *mainboardFixture) GetBool(item string) (bool, error) {
	return false, unsupportedOp(f.m, f.ch, "get "+item)
}

func (f *mainboardFixture) GetInt(item string) (int, error) {
	return 0, unsupportedOp(f.m, f.ch, "get "+item)
}

func (f *mainboardFixture) GetFloat(item string) (float64, error) {
	return 0, unsupportedOp(f.m, f.ch, "get "+item)
}

func (f *mainboardFixture) AcquireADC() error {
	return f.m.runDSPTaskLocked(taskGetTraces)
}

func (f *mainboardFixture) ReadADC(n int) ([]uint16, error) {
	if n > plx.MaxADCTraceLength {
		n = plx.MaxADCTraceLength
	}
	words, err := f.m.busDMA(plx.TraceAddr(f.ch), n)
	if err != nil {
		return nil, err
	}
	samples := make([]uint16, n)
	for i, w := range words {
		samples[i] = uint16(w & 0xffff)
	}
	return samples, nil
}

func (f *mainboardFixture) Report(w io.Writer) {
	fmt.Fprintf(w, "channel %d: mainboard\n", f.ch)
}

// defaultModuleFixture drives modules whose front end needs no host-side
// calibration: the analog control tasks all run inside the DSP.
type defaultModuleFixture struct {
	m *Module
}

var _ ModuleFixture = (*defaultModuleFixture)(nil)

func (f *defaultModuleFixture) Open() error { return nil }

func (f *defaultModuleFixture) Close() error { return nil }

func (f *defaultModuleFixture) InitChannels() error {
	for _, ch := range f.m.channels {
		ch.fixture = newChannelFixture(f.m, ch.number)
		if err := ch.fixture.Open(); err != nil {
			return err
		}
	}
	return nil
}

func (f *defaultModuleFixture) Boot() error { return nil }

func (f *defaultModuleFixture) FPGACommsLoaded() {}

func (f *defaultModuleFixture) FPGAFippiLoaded() {}

func (f *defaultModuleFixture) DSPLoaded() {}

func (f *defaultModuleFixture) SetDACs() error {
	return f.m.runDSPTaskLocked(taskSetDACs)
}

func (f *defaultModuleFixture) GetTraces() error {
	return f.m.runDSPTaskLocked(taskGetTraces)
}

func (f *defaultModuleFixture) AdjustOffsets() error {
	return f.m.runDSPTaskLocked(taskAdjustOffsets)
}

func (f *defaultModuleFixture) SyncHW() error { return nil }

func (f *defaultModuleFixture) Report(w io.Writer) {
	fmt.Fprintf(w, "module fixture: default (DSP control tasks)\n")
}
