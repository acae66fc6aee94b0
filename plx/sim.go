package plx

import (
	"fmt"
	"sync"
)

// SimDef describes one simulated module. A SimBus is constructed from a
// slice of these, so every test builds its own registry of modules rather
// than sharing process-wide state.
//
// Zero values get usable defaults: 32 channels, 12-bit 100 MSPS ADCs,
// revision H, slot DeviceNumber+2, two extra run-active polls after a stop.
type SimDef struct {
	DeviceNumber int
	Slot         int
	Revision     int
	Serial       int
	NumChannels  int
	ADCBits      int
	ADCMSPS      int
	EEPROMFormat int
	PCIBus       int
	PCISlot      int

	// DBKind attaches daughter boards of the given kind ("DB04", ...) to
	// every channel, NumChannels/4 channels per board. Empty means all
	// channels are served by the mainboard.
	DBKind string

	// Fault and timing knobs.
	OpenFailure     bool   // device exists but refuses to open
	BootFailure     string // "comms", "fippi" or "dsp": that part rejects its image
	Booted          bool   // device comes up already configured
	HoldRunActive   int    // CSR polls still reporting active after a stop (0 = 2)
	HangControlTask bool   // control tasks never report done
	CrossedPairs    []int  // channel pairs with swapped ADC routing
	FIFOFillWords   int    // FIFO words added per occupancy poll (0 = 128)
}

const (
	simDaughterBoards = 4
	simEventWords     = 32
	defaultStopPolls  = 2
	defaultFIFOFill   = 128
)

// SimBus is an Opener over a fixed registry of simulated modules.
type SimBus struct {
	mu      sync.Mutex
	defs    []SimDef
	devices map[int]*SimDevice
}

var _ Opener = (*SimBus)(nil)

// NewSimBus builds a bus holding the given module definitions.
func NewSimBus(defs ...SimDef) *SimBus {
	return &SimBus{defs: defs, devices: make(map[int]*SimDevice)}
}

// Open implements Opener. Device numbers without a definition return
// ErrNoDevice, which ends a crate's probe loop.
func (b *SimBus) Open(deviceNumber int) (Device, Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var def *SimDef
	for i := range b.defs {
		if b.defs[i].DeviceNumber == deviceNumber {
			def = &b.defs[i]
			break
		}
	}
	if def == nil {
		return nil, Info{}, ErrNoDevice
	}
	if def.OpenFailure {
		return nil, Info{}, fmt.Errorf("SimBus.Open: simulated open failure on device %d", deviceNumber)
	}
	if d, ok := b.devices[deviceNumber]; ok && !d.isClosed() {
		return nil, Info{}, fmt.Errorf("SimBus.Open: device %d busy", deviceNumber)
	}
	d := newSimDevice(withSimDefaults(*def))
	b.devices[deviceNumber] = d
	return d, d.info(), nil
}

// Device returns the simulated device for a device number, for tests that
// need to inspect or fault the hardware model. The second result is false
// if the device was never opened.
func (b *SimBus) Device(deviceNumber int) (*SimDevice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[deviceNumber]
	return d, ok
}

func withSimDefaults(def SimDef) SimDef {
	if def.NumChannels == 0 {
		def.NumChannels = MaxChannels
	}
	if def.ADCBits == 0 {
		def.ADCBits = 12
	}
	if def.ADCMSPS == 0 {
		def.ADCMSPS = SystemClockMHz
	}
	if def.Revision == 0 {
		def.Revision = RevH
	}
	if def.Slot == 0 {
		def.Slot = def.DeviceNumber + 2
	}
	if def.Serial == 0 {
		def.Serial = 1000 + def.DeviceNumber
	}
	if def.HoldRunActive == 0 {
		def.HoldRunActive = defaultStopPolls
	}
	if def.FIFOFillWords == 0 {
		def.FIFOFillWords = defaultFIFOFill
	}
	return def
}

// SimDevice emulates one module: DSP parameter memory, the offset-DAC to
// baseline response of the analog front end, ADC pair routing, control
// tasks, and the run-time external FIFO. All methods are safe for
// concurrent use, as a module's FIFO drain worker and foreground calls
// share the device.
type SimDevice struct {
	mu  sync.Mutex
	def SimDef

	closed     bool
	mem        map[uint32]uint32 // registers and DSP parameter memory
	bootStatus uint32
	port       uint32 // selected daughter-board serial port

	dacs    []uint32 // effective offset DAC per channel
	crossed []bool   // ADC routing swapped, per channel pair

	traces [][]uint16 // last GetTraces capture per channel
	iobuf  []uint32
	hist   [][]uint32

	runActive   bool
	stopHold    int // CSR polls still reporting active after stop
	controlHold int // CSR polls until a control task reports done; -1 is forever

	fifoPending     int
	fifoSeq         uint32
	statusPolls     int
	fifoStatusReads int
	eventsEmitted   uint64
}

var _ Device = (*SimDevice)(nil)

func newSimDevice(def SimDef) *SimDevice {
	d := &SimDevice{
		def:     def,
		mem:     make(map[uint32]uint32),
		dacs:    make([]uint32, def.NumChannels),
		crossed: make([]bool, def.NumChannels/2),
		traces:  make([][]uint16, def.NumChannels),
		hist:    make([][]uint32, def.NumChannels),
	}
	for _, v := range dspVarLayout {
		n := v.Length
		if v.PerChannel {
			n = MaxChannels
		}
		for i := 0; i < n; i++ {
			d.mem[varAddr(v, i)] = v.Default
		}
		if v.Name == "OffsetDAC" {
			for ch := range d.dacs {
				d.dacs[ch] = v.Default
			}
		}
	}
	for _, pair := range def.CrossedPairs {
		if pair >= 0 && pair < len(d.crossed) {
			d.crossed[pair] = true
		}
	}
	if def.Booted {
		d.bootStatus = BootComms | BootFippi | BootDSP
	}
	return d
}

func (d *SimDevice) info() Info {
	info := Info{
		Slot:         d.def.Slot,
		Revision:     d.def.Revision,
		Serial:       d.def.Serial,
		NumChannels:  d.def.NumChannels,
		ADCBits:      d.def.ADCBits,
		ADCMSPS:      d.def.ADCMSPS,
		EEPROMFormat: d.def.EEPROMFormat,
		PCIBus:       d.def.PCIBus,
		PCISlot:      d.def.PCISlot,
		Channels:     make([]ChannelInfo, d.def.NumChannels),
	}
	if d.def.DBKind != "" {
		per := d.def.NumChannels / simDaughterBoards
		for ch := range info.Channels {
			info.Channels[ch] = ChannelInfo{
				Fixture:   d.def.DBKind,
				DB:        ch / per,
				DBChannel: ch % per,
			}
		}
	}
	return info
}

func (d *SimDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("SimDevice.Close: already closed")
	}
	d.closed = true
	return nil
}

func (d *SimDevice) ReadWord(addr uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("SimDevice.ReadWord: device closed")
	}
	switch addr {
	case RegCSR:
		return d.readCSRLocked(), nil
	case RegBootStatus:
		return d.bootStatus, nil
	case RegFIFOStatus:
		return d.readFIFOStatusLocked(), nil
	}
	return d.mem[addr], nil
}

func (d *SimDevice) readCSRLocked() uint32 {
	v := d.mem[RegCSR]
	active := d.runActive
	if !active && d.stopHold > 0 {
		active = true
		d.stopHold--
		if d.stopHold == 0 {
			d.finishRunLocked()
		}
	}
	if d.controlHold != 0 {
		active = true
		if d.controlHold > 0 {
			d.controlHold--
		}
	}
	if active {
		v |= CSRRunActive
	}
	return v
}

func (d *SimDevice) readFIFOStatusLocked() uint32 {
	d.fifoStatusReads++
	if d.runActive {
		d.statusPolls++
		switch d.getVarLocked("RunTask", 0) {
		case 0x100: // list mode
			d.fifoPending += d.def.FIFOFillWords
			if d.fifoPending > FIFOSizeWords {
				d.fifoPending = FIFOSizeWords
			}
		case 0x301: // histogramming
			for ch := 0; ch < d.def.NumChannels; ch++ {
				code := d.baselineCodeLocked(ch)
				if d.hist[ch] == nil {
					d.hist[ch] = make([]uint32, HistogramLength)
				}
				d.hist[ch][code]++
			}
		}
	}
	return uint32(d.fifoPending)
}

func (d *SimDevice) WriteWord(addr uint32, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("SimDevice.WriteWord: device closed")
	}
	switch addr {
	case RegCSR:
		d.writeCSRLocked(value)
		return nil
	case RegCfgCtrl:
		d.writeCfgCtrlLocked(value)
		return nil
	case RegCfgData:
		return nil
	case RegPortSelect:
		d.port = value
		return nil
	case RegCfgDAC:
		d.writeCfgDACLocked(value)
		return nil
	}
	d.mem[addr] = value
	d.varSideEffectsLocked(addr, value)
	return nil
}

func (d *SimDevice) writeCSRLocked(value uint32) {
	d.mem[RegCSR] = value &^ CSRRunActive
	if value&CSRRunEnable != 0 {
		if task := d.getVarLocked("ControlTask", 0); task != 0 {
			d.runControlTaskLocked(task)
		} else if task := d.getVarLocked("RunTask", 0); task != 0 {
			if task == 0x301 && d.getVarLocked("Resume", 0) == 0 {
				// The DSP wipes the MCA spectra on a fresh run.
				for ch := range d.hist {
					d.hist[ch] = nil
				}
			}
			d.runActive = true
			d.statusPolls = 0
			d.eventsEmitted = 0
		}
		return
	}
	if d.runActive {
		d.runActive = false
		d.stopHold = d.def.HoldRunActive
	}
}

func (d *SimDevice) writeCfgCtrlLocked(value uint32) {
	target := value & 0xff
	var bit uint32
	var name string
	switch target {
	case CfgTargetComms:
		bit, name = BootComms, "comms"
	case CfgTargetFippi:
		bit, name = BootFippi, "fippi"
	case CfgTargetDSP:
		bit, name = BootDSP, "dsp"
	default:
		return
	}
	if value&CfgInit != 0 {
		d.bootStatus &^= bit
		if target == CfgTargetFippi {
			// Reloading the FIPPI resets the routing correction register,
			// so factory-crossed pairs revert until AdcCtrl is rewritten.
			for i := range d.crossed {
				d.crossed[i] = false
			}
			for _, pair := range d.def.CrossedPairs {
				if pair >= 0 && pair < len(d.crossed) {
					d.crossed[pair] = true
				}
			}
			if spec, ok := lookupVar("AdcCtrl"); ok {
				for i := 0; i < spec.Length; i++ {
					d.mem[varAddr(spec, i)] = 0
				}
			}
		}
	}
	if value&CfgDone != 0 && d.def.BootFailure != name {
		d.bootStatus |= bit
	}
}

// writeCfgDACLocked decodes a serial DAC command the way the configuration
// FPGA would: the port selects the daughter board, the address byte selects
// the upper or lower four channels, and the low control bits carry the
// channel swizzle of the board layout.
func (d *SimDevice) writeCfgDACLocked(value uint32) {
	dacAddr := (value >> 24) & 0xff
	dacCtrl := (value >> 16) & 0xff
	dac := value & 0xffff
	if dacAddr&0x20 == 0 || dacCtrl&0x30 == 0 || d.port == 0 {
		return
	}
	// Inverse of the board swizzle 0,4->1  1,5->2  2,6->0  3,7->3.
	invSwizzle := [4]int{2, 0, 1, 3}
	offset := invSwizzle[dacCtrl&0x3]
	if dacAddr&0x2 == 0 {
		offset += 4
	}
	per := d.def.NumChannels / simDaughterBoards
	ch := int(d.port-1)*per + offset
	if ch >= 0 && ch < d.def.NumChannels {
		d.dacs[ch] = dac
	}
}

func (d *SimDevice) varSideEffectsLocked(addr uint32, value uint32) {
	if spec, ok := lookupVar("OffsetDAC"); ok {
		if addr >= spec.Addr && addr < varAddr(spec, MaxChannels) {
			ch := int((addr - spec.Addr) / 4)
			if ch < len(d.dacs) {
				if value > 65535 {
					value = 65535
				}
				d.dacs[ch] = value
			}
			return
		}
	}
	if spec, ok := lookupVar("AdcCtrl"); ok {
		if addr >= spec.Addr && addr < varAddr(spec, spec.Length) {
			db := int((addr - spec.Addr) / 4)
			pairsPerDB := d.def.NumChannels / simDaughterBoards / 2
			for b := 0; b < pairsPerDB; b++ {
				if value&(1<<uint(b)) != 0 {
					pair := db*pairsPerDB + b
					if pair < len(d.crossed) {
						d.crossed[pair] = false
					}
				}
			}
		}
	}
}

func (d *SimDevice) runControlTaskLocked(task uint32) {
	switch task {
	case 1: // set DACs: latched on the CFG_DAC writes already
	case 3: // get traces
		for ch := 0; ch < d.def.NumChannels; ch++ {
			d.traces[ch] = d.captureTraceLocked(ch)
		}
		db := int(d.getVarLocked("UserIn", 0))
		offset := int(d.getVarLocked("UserIn", 1))
		per := d.def.NumChannels / simDaughterBoards
		sel := db*per + offset
		if sel < 0 || sel >= d.def.NumChannels {
			sel = 0
		}
		d.iobuf = PackSamples(d.traces[sel])
	case 5: // adjust offsets inside the DSP
		if spec, ok := lookupVar("OffsetDAC"); ok {
			for ch := 0; ch < d.def.NumChannels; ch++ {
				percent := d.getVarLocked("BaselinePercent", ch)
				code := int(uint32(1<<uint(d.def.ADCBits)) * percent / 100)
				dac := d.dacForCodeLocked(code)
				d.dacs[ch] = dac
				d.mem[varAddr(spec, ch)] = dac
			}
		}
	case 6: // get baselines
		words := make([]uint32, d.def.NumChannels)
		for ch := range words {
			words[ch] = uint32(d.baselineCodeLocked(ch))
		}
		d.iobuf = words
	}
	if d.def.HangControlTask {
		d.controlHold = -1
	} else {
		d.controlHold = 0
	}
}

// captureTraceLocked synthesizes one trace: the channel's resting baseline
// with a one-code alternating ripple. Crossed pairs sample their partner.
func (d *SimDevice) captureTraceLocked(ch int) []uint16 {
	code := d.baselineCodeLocked(ch)
	maxCode := (1 << uint(d.def.ADCBits)) - 1
	trace := make([]uint16, MaxADCTraceLength)
	for i := range trace {
		v := code + i%2
		if v > maxCode {
			v = maxCode
		}
		trace[i] = uint16(v)
	}
	return trace
}

func (d *SimDevice) baselineCodeLocked(ch int) int {
	eff := ch
	pair := ch / 2
	if pair < len(d.crossed) && d.crossed[pair] {
		eff = ch ^ 1
	}
	dac := d.dacs[eff]
	if dac > 65535 {
		dac = 65535
	}
	code := int(65535-dac) >> (16 - uint(d.def.ADCBits))
	maxCode := (1 << uint(d.def.ADCBits)) - 1
	if code < 0 {
		code = 0
	}
	if code > maxCode {
		code = maxCode
	}
	return code
}

func (d *SimDevice) dacForCodeLocked(code int) uint32 {
	dac := 65535 - code<<(16-uint(d.def.ADCBits))
	if dac < 0 {
		dac = 0
	}
	if dac > 65535 {
		dac = 65535
	}
	return uint32(dac)
}

// finishRunLocked latches the run statistics the DSP maintains, once the
// stop has propagated.
func (d *SimDevice) finishRunLocked() {
	set := func(name string, idx int, v uint32) {
		if spec, ok := lookupVar(name); ok {
			d.mem[varAddr(spec, idx)] = v
		}
	}
	runTime := uint32(d.statusPolls) * 12500
	set("RunTimeA", 0, 0)
	set("RunTimeB", 0, runTime)
	set("RealTimeA", 0, 0)
	set("RealTimeB", 0, runTime+2500)
	set("NumEventsA", 0, 0)
	set("NumEventsB", 0, uint32(d.eventsEmitted))
	for ch := 0; ch < d.def.NumChannels; ch++ {
		set("LiveTimeA", ch, 0)
		set("LiveTimeB", ch, runTime-uint32(ch))
		set("FastPeaksA", ch, 0)
		set("FastPeaksB", ch, uint32(d.eventsEmitted))
	}
}

func (d *SimDevice) DMARead(addr uint32, n int) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("SimDevice.DMARead: device closed")
	}
	if n > MaxDMABlockSize {
		return nil, fmt.Errorf("SimDevice.DMARead: %d words exceeds the %d-word limit",
			n, MaxDMABlockSize)
	}
	words := make([]uint32, n)
	switch {
	case addr >= FIFOBase:
		for i := range words {
			if d.fifoPending == 0 {
				break
			}
			words[i] = uint32(d.def.Slot)<<24 | (d.fifoSeq & 0xffffff)
			d.fifoSeq++
			d.fifoPending--
		}
		d.eventsEmitted += uint64(n / simEventWords)
	case addr >= HistBase:
		ch := int((addr - HistBase) / (HistogramLength * 4))
		off := int((addr-HistBase)%(HistogramLength*4)) / 4
		if ch < len(d.hist) && d.hist[ch] != nil {
			copy(words, d.hist[ch][off:])
		}
	case addr >= TraceBase:
		ch := int((addr - TraceBase) / (MaxADCTraceLength * 4))
		off := int((addr-TraceBase)%(MaxADCTraceLength*4)) / 4
		if ch < len(d.traces) && d.traces[ch] != nil {
			for i := range words {
				if off+i >= len(d.traces[ch]) {
					break
				}
				words[i] = uint32(d.traces[ch][off+i])
			}
		}
	case addr >= IOBufBase && addr < IOBufBase+IOBufferLength*4:
		off := int(addr-IOBufBase) / 4
		if off < len(d.iobuf) {
			copy(words, d.iobuf[off:])
		}
	default:
		for i := range words {
			words[i] = d.mem[addr+uint32(4*i)]
		}
	}
	return words, nil
}

func (d *SimDevice) getVarLocked(name string, idx int) uint32 {
	spec, ok := lookupVar(name)
	if !ok {
		return 0
	}
	return d.mem[varAddr(spec, idx)]
}

func lookupVar(name string) (VarSpec, bool) {
	for _, v := range dspVarLayout {
		if v.Name == name {
			return v, true
		}
	}
	return VarSpec{}, false
}

// The remaining methods expose the hardware model to tests and diagnostics.

// OffsetDAC reports the effective offset DAC of a channel.
func (d *SimDevice) OffsetDAC(ch int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.dacs) {
		return 0
	}
	return d.dacs[ch]
}

// Crossed reports whether a channel pair's ADC routing is still swapped.
func (d *SimDevice) Crossed(pair int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pair >= 0 && pair < len(d.crossed) && d.crossed[pair]
}

// ClearBootBits drops bits from the boot status register, as a glitched
// part would.
func (d *SimDevice) ClearBootBits(mask uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bootStatus &^= mask
}

// FIFOStatusReads reports how many occupancy polls the device has seen.
func (d *SimDevice) FIFOStatusReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifoStatusReads
}

// FIFOPending reports the words currently waiting in the external FIFO.
func (d *SimDevice) FIFOPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifoPending
}
