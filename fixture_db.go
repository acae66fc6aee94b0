package crated

import (
	"fmt"
	"io"
	"time"

	"github.com/spectrumdaq/crated/plx"
)

// adcSwapState tracks what is known about a channel's ADC routing. Boards
// whose ADC chips serve a pair of channels can come up with the pair
// crossed; the module fixture detects and corrects this after every FIPPI
// load, then records the outcome here.
type adcSwapState int

const (
	adcSwapUnknown adcSwapState = iota
	adcSwapClear
	adcSwapped
	adcSwapDisabled
)

func (s adcSwapState) String() string {
	switch s {
	case adcSwapClear:
		return "clear"
	case adcSwapped:
		return "swapped"
	case adcSwapDisabled:
		return "disabled"
	}
	return "unknown"
}

// dbFixture is the base fixture for daughter-board channels. Trace capture
// goes through the module IO buffer rather than the per-channel trace
// memory: the capture task is pointed at one board channel at a time
// through the user registers.
type dbFixture struct {
	m      *Module
	ch     int
	db     int
	offset int
	swap   adcSwapState
}

var _ ChannelFixture = (*dbFixture)(nil)

func newDBFixture(m *Module, ch int) *dbFixture {
	info := m.info.Channels[ch]
	return &dbFixture{m: m, ch: ch, db: info.DB, offset: info.DBChannel, swap: adcSwapDisabled}
}

func (f *dbFixture) Open() error { return nil }

func (f *dbFixture) Close() error { return nil }

func (f *dbFixture) SetDAC(value int) error {
	return unsupportedOp(f.m, f.ch, "set dac")
}

func (f *dbFixture) SetBool(item string, value bool) error {
	switch item {
	case itemADCSwap:
		if value {
			f.swap = adcSwapped
		} else {
			f.swap = adcSwapClear
		}
		return nil
	}
	return unsupportedOp(f.m, f.ch, "set "+item)
}

func (f *dbFixture) GetBool(item string) (bool, error) {
	switch item {
	case itemADCSwap:
		return f.swap == adcSwapped, nil
	case itemHasOffsetDAC:
		return false, nil
	}
	return false, unsupportedOp(f.m, f.ch, "get "+item)
}

func (f *dbFixture) GetInt(item string) (int, error) {
	switch item {
	case itemDBNumber:
		return f.db, nil
	case itemDBOffset:
		return f.offset, nil
	}
	return 0, unsupportedOp(f.m, f.ch, "get "+item)
}

func (f *dbFixture) GetFloat(item string) (float64, error) {
	return 0, unsupportedOp(f.m, f.ch, "get "+item)
}

// AcquireADC points the capture task at this board channel through the
// user registers, runs it, then puts the registers back.
func (f *dbFixture) AcquireADC() error {
	m := f.m
	savedDB, err := m.readVarLocked("UserIn", 0)
	if err != nil {
		return err
	}
	savedOffset, err := m.readVarLocked("UserIn", 1)
	if err != nil {
		return err
	}
	if err := m.writeVarLocked("UserIn", uint32(f.db), 0, true); err != nil {
		return err
	}
	if err := m.writeVarLocked("UserIn", uint32(f.offset), 1, true); err != nil {
		return err
	}
	taskErr := m.runDSPTaskLocked(taskGetTraces)
	if err := m.writeVarLocked("UserIn", savedDB, 0, true); err != nil && taskErr == nil {
		taskErr = err
	}
	if err := m.writeVarLocked("UserIn", savedOffset, 1, true); err != nil && taskErr == nil {
		taskErr = err
	}
	return taskErr
}

func (f *dbFixture) ReadADC(n int) ([]uint16, error) {
	if n > plx.MaxADCTraceLength {
		n = plx.MaxADCTraceLength
	}
	words, err := f.m.busDMA(plx.IOBufBase, (n+1)/2)
	if err != nil {
		return nil, err
	}
	return plx.UnpackSamples(words, n), nil
}

func (f *dbFixture) Report(w io.Writer) {
	fmt.Fprintf(w, "channel %d: %s db %d offset %d, adc swap %s\n",
		f.ch, f.m.info.Channels[f.ch].Fixture, f.db, f.offset, f.swap)
}

// DB04 board constants. The offset DACs sit on a serial chain behind the
// configuration FPGA; commands carry the board's channel-to-DAC wiring in
// the address and control bytes.
const (
	db04DACSettlePeriod = 250 * time.Millisecond // analog settle after a level change
	db04DACWriteSettle  = 6 * time.Millisecond   // serial chain recovery between commands
)

// DB04 channel offset to DAC input select: 0,4->1  1,5->2  2,6->0  3,7->3.
var db04DACSwizzle = [4]uint32{1, 2, 0, 3}

// db04Fixture adds the DB04's per-channel offset DAC to the base board
// fixture. Its ADC chips each serve a channel pair, so swap detection
// applies; the state starts unknown until the module fixture has run it.
type db04Fixture struct {
	dbFixture
}

var _ ChannelFixture = (*db04Fixture)(nil)

func newDB04Fixture(m *Module, ch int) *db04Fixture {
	f := &db04Fixture{dbFixture: *newDBFixture(m, ch)}
	f.swap = adcSwapUnknown
	return f
}

func (f *db04Fixture) SetDAC(value int) error {
	if value < 0 || value > 65535 {
		return moduleError(ErrInvalidValue, f.m.Number, f.m.Slot, "set dac",
			"channel %d: dac %d out of range", f.ch, value)
	}
	dacAddr := uint32(0x20)
	if f.offset < 4 {
		dacAddr |= 0x2
	}
	dacCtrl := 0x30 + db04DACSwizzle[f.offset%4]
	if err := f.m.busWrite(plx.RegPortSelect, uint32(f.db+1)); err != nil {
		return err
	}
	command := dacAddr<<24 | dacCtrl<<16 | uint32(value)
	if err := f.m.busWrite(plx.RegCfgDAC, command); err != nil {
		return err
	}
	f.m.sleep(db04DACWriteSettle)
	return nil
}

func (f *db04Fixture) GetBool(item string) (bool, error) {
	if item == itemHasOffsetDAC {
		return true, nil
	}
	return f.dbFixture.GetBool(item)
}

func (f *db04Fixture) GetInt(item string) (int, error) {
	if item == itemDACSettlePeriod {
		return int(db04DACSettlePeriod / time.Millisecond), nil
	}
	return f.dbFixture.GetInt(item)
}

func (f *db04Fixture) GetFloat(item string) (float64, error) {
	if item == itemDACVoltageRange {
		return dacVoltageRange, nil
	}
	return f.dbFixture.GetFloat(item)
}

// hasOffsetDAC reports whether a channel carries its own offset DAC.
// Fixtures without the item count as not having one.
func hasOffsetDAC(fx ChannelFixture) bool {
	has, err := fx.GetBool(itemHasOffsetDAC)
	return err == nil && has
}
