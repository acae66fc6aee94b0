package crated

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spectrumdaq/crated/internal/simclock"
	"github.com/spectrumdaq/crated/plx"
)

// Run tasks select what the DSP streams during a run; control tasks are
// short synchronous jobs the DSP runs to completion.
const (
	runTaskNone       = 0
	runTaskListMode   = 0x100
	runTaskHistograms = 0x301

	taskSetDACs       = 1
	taskGetTraces     = 3
	taskAdjustOffsets = 5
	taskGetBaselines  = 6
)

// Poll budgets for run stop and control tasks. The hardware normally
// answers within one or two polls; hitting the budget is a fault.
const (
	runEndPolls      = 10
	controlTaskPolls = 10
	controlTaskWait  = time.Millisecond
)

// RunMode selects whether a run clears the previous one's data.
type RunMode int

const (
	NewRun RunMode = iota
	ResumeRun
)

// BootPattern selects which parts of a module to (re)load.
type BootPattern uint32

const (
	BootComms BootPattern = 1 << iota
	BootFippi
	BootDSP

	BootAll = BootComms | BootFippi | BootDSP
)

// FIFOConfig tunes the module's FIFO drain worker. Zero fields take the
// defaults.
type FIFOConfig struct {
	Buffers    int           // pool size, in MaxDMABlockSize-word blocks
	RunWait    time.Duration // poll period while a run is live
	IdleWait   time.Duration // poll period with nothing going on
	HoldWait   time.Duration // how long to stay at run cadence after a run ends
	DMATrigger int           // words that must be waiting before a drain starts
}

func (c FIFOConfig) withDefaults() FIFOConfig {
	if c.Buffers <= 0 {
		c.Buffers = 100
	}
	if c.RunWait <= 0 {
		c.RunWait = 5 * time.Millisecond
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 150 * time.Millisecond
	}
	if c.HoldWait <= 0 {
		c.HoldWait = 100 * time.Millisecond
	}
	if c.DMATrigger <= 0 {
		c.DMATrigger = 1024
	}
	return c
}

// ModuleOptions configures a module as it opens.
type ModuleOptions struct {
	Clock simclock.Clock // nil means the wall clock
	FIFO  FIFOConfig
}

// channel is one acquisition channel and its front-end fixture.
type channel struct {
	number  int
	fixture ChannelFixture
	voffset float64 // requested offset, volts
}

// Module is one digitizer card. All state-changing operations serialize on
// an internal lock; methods suffixed Locked expect it held. Raw bus access
// has its own short-term lock so the FIFO drain worker can keep moving
// while an operation holds the state lock.
type Module struct {
	Number      int // logical index in the crate
	Slot        int // physical backplane slot
	Revision    int
	Serial      int
	NumChannels int
	ADCBits     int
	ADCMSPS     int

	info plx.Info
	fifo FIFOConfig

	clock simclock.Clock

	busMu sync.Mutex
	dev   plx.Device

	mu       sync.Mutex
	opened   bool
	booted   bool
	runTask  uint32
	params   *paramTable
	channels []*channel
	fixture  ModuleFixture
	firmware *FirmwareSet

	pool  *BufferPool
	queue *BufferQueue

	workerStop chan struct{}
	workerDone chan struct{}
	workerKick chan struct{}
	poolWarn   bool // worker-local latch

	fifoReads     atomic.Uint64
	fifoWords     atomic.Uint64
	fifoPoolEmpty atomic.Uint64
	fifoQueueFull atomic.Uint64
	fifoErrors    atomic.Uint64
}

// OpenModule claims a device on the bus and brings up its host-side state:
// the parameter cache, the fixtures matching the hardware tags, and the
// FIFO drain worker. The module still needs firmware and a Boot before it
// can run.
func OpenModule(bus plx.Opener, deviceNumber int, opts ModuleOptions) (*Module, error) {
	dev, info, err := bus.Open(deviceNumber)
	if err != nil {
		if errors.Is(err, plx.ErrNoDevice) {
			return nil, crateError(ErrDeviceNotFound, "open", "device %d: %v", deviceNumber, err)
		}
		return nil, crateError(ErrModuleInitializeFailure, "open", "device %d: %v", deviceNumber, err)
	}
	m := &Module{
		Number:      deviceNumber,
		Slot:        info.Slot,
		Revision:    info.Revision,
		Serial:      info.Serial,
		NumChannels: info.NumChannels,
		ADCBits:     info.ADCBits,
		ADCMSPS:     info.ADCMSPS,
		info:        info,
		fifo:        opts.FIFO.withDefaults(),
		clock:       opts.Clock,
		dev:         dev,
		opened:      true,
	}
	if m.clock == nil {
		m.clock = simclock.Wall{}
	}
	m.params = newParamTable(plx.DSPVarLayout(), info.NumChannels)
	m.channels = make([]*channel, info.NumChannels)
	for i := range m.channels {
		m.channels[i] = &channel{number: i}
	}
	m.fixture = newModuleFixture(m)
	if err := m.fixture.Open(); err != nil {
		dev.Close()
		return nil, err
	}
	if err := m.fixture.InitChannels(); err != nil {
		dev.Close()
		return nil, err
	}
	m.startFIFOServicesLocked()
	log.Printf("%s: opened rev %s serial %d, %d channels, %d-bit %d MSPS",
		m.label(), plx.RevisionTag(m.Revision), m.Serial, m.NumChannels, m.ADCBits, m.ADCMSPS)
	return m, nil
}

func (m *Module) label() string {
	return fmt.Sprintf("module %d (slot %d)", m.Number, m.Slot)
}

// Opened reports whether the module's device is claimed.
func (m *Module) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Booted reports whether firmware is loaded and the fixture initialized.
func (m *Module) Booted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booted
}

// SetNumber renumbers the module and, once a DSP is up, stamps the identity
// variable to match.
func (m *Module) SetNumber(number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Number = number
	if m.booted {
		return m.writeVarLocked("ModNum", uint32(number), 0, true)
	}
	return nil
}

// SetFirmware assigns the images the next Boot will load.
func (m *Module) SetFirmware(fw *FirmwareSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firmware = fw
}

// Firmware returns the assigned firmware set, or nil.
func (m *Module) Firmware() *FirmwareSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firmware
}

// Probe re-reads the FPGA/DSP load state from hardware, leaving run
// state untouched. A module whose parts vanished behind our back (a
// power event, an externally reloaded FPGA) stops reporting Booted.
func (m *Module) Probe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "probe", "module not open")
	}
	status, err := m.busRead(plx.RegBootStatus)
	if err != nil {
		m.booted = false
		return err
	}
	all := uint32(plx.BootComms | plx.BootFippi | plx.BootDSP)
	m.booted = status&all == all
	return nil
}

// Close stops the drain worker, shuts the fixtures, and releases the
// device. A live run is ended first, best effort.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "close", "already closed")
	}
	if m.runTask != runTaskNone {
		if err := m.runEndLocked(); err != nil {
			log.Printf("%s: close: run end: %v", m.label(), err)
		}
	}
	m.stopFIFOServicesLocked()
	for _, ch := range m.channels {
		if ch.fixture != nil {
			ch.fixture.Close()
		}
	}
	m.fixture.Close()
	err := m.dev.Close()
	m.busMu.Lock()
	m.dev = nil
	m.busMu.Unlock()
	m.opened = false
	m.booted = false
	if err != nil {
		return fmt.Errorf("%s: close: %w", m.label(), err)
	}
	return nil
}

// Boot loads the selected parts, firing the fixture hooks as each comes
// up. A DSP load wipes the DSP's memory, so the whole parameter table is
// pushed back afterwards and the identity variables restamped. The fixture
// boot (front-end calibration) runs once all three parts are present.
func (m *Module) Boot(parts BootPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "boot", "module not open")
	}
	if m.firmware == nil {
		return moduleError(ErrModuleInitializeFailure, m.Number, m.Slot, "boot", "no firmware assigned")
	}
	if active, err := m.csrRunActive(); err != nil {
		return err
	} else if active {
		return moduleError(ErrRunActiveAlready, m.Number, m.Slot, "boot", "stop the run first")
	}
	start := time.Now()
	if parts&BootComms != 0 {
		if err := m.loadPartLocked("comms", plx.CfgTargetComms, plx.BootComms, m.firmware.Comms); err != nil {
			return err
		}
		m.fixture.FPGACommsLoaded()
	}
	if parts&BootFippi != 0 {
		if err := m.loadPartLocked("fippi", plx.CfgTargetFippi, plx.BootFippi, m.firmware.Fippi); err != nil {
			return err
		}
		m.fixture.FPGAFippiLoaded()
	}
	if parts&BootDSP != 0 {
		if err := m.loadPartLocked("dsp", plx.CfgTargetDSP, plx.BootDSP, m.firmware.DSPCode); err != nil {
			return err
		}
		m.fixture.DSPLoaded()
		if err := m.initVarsLocked(); err != nil {
			return err
		}
	}
	status, err := m.busRead(plx.RegBootStatus)
	if err != nil {
		return err
	}
	all := uint32(plx.BootComms | plx.BootFippi | plx.BootDSP)
	m.booted = status&all == all
	if m.booted {
		if err := m.fixture.Boot(); err != nil {
			m.booted = false
			return err
		}
	}
	log.Printf("%s: boot pattern %03b done in %v, online=%v", m.label(), parts, time.Since(start), m.booted)
	return nil
}

// loadPartLocked streams one firmware image and checks the part reports
// ready. An empty path strobes the part without sending an image, which is
// how simulated devices boot.
func (m *Module) loadPartLocked(name string, target, bit uint32, path string) error {
	if err := m.busWrite(plx.RegCfgCtrl, target|plx.CfgInit); err != nil {
		return err
	}
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return wrapModuleError(ErrModuleInitializeFailure, m.Number, m.Slot, "boot "+name, err)
		}
		for i := 0; i+4 <= len(blob); i += 4 {
			if err := m.busWrite(plx.RegCfgData, binary.LittleEndian.Uint32(blob[i:])); err != nil {
				return err
			}
		}
	}
	if err := m.busWrite(plx.RegCfgCtrl, target|plx.CfgDone); err != nil {
		return err
	}
	status, err := m.busRead(plx.RegBootStatus)
	if err != nil {
		return err
	}
	if status&bit == 0 {
		return moduleError(ErrModuleInitializeFailure, m.Number, m.Slot, "boot",
			"%s did not come up", name)
	}
	return nil
}

// initVarsLocked pushes the whole parameter table to a freshly loaded DSP
// and stamps the identity variables.
func (m *Module) initVarsLocked() error {
	for _, e := range m.params.entries {
		if e.spec.ReadOnly {
			continue
		}
		for idx := range e.values {
			if err := m.busWrite(e.addr(idx), e.values[idx]); err != nil {
				return err
			}
			e.dirty[idx] = false
		}
	}
	if err := m.writeVarLocked("SlotID", uint32(m.Slot), 0, true); err != nil {
		return err
	}
	return m.writeVarLocked("ModNum", uint32(m.Number), 0, true)
}

// WriteVar sets DSP variable name. idx selects the channel for per-channel
// variables and the word for array variables. With io the value also goes
// to the hardware immediately; otherwise it lands in the cache and is
// pushed by the next SyncVars.
func (m *Module) WriteVar(name string, value uint32, idx int, io bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "write var", "module not open")
	}
	return m.writeVarLocked(name, value, idx, io)
}

func (m *Module) writeVarLocked(name string, value uint32, idx int, io bool) error {
	e, ok := m.params.lookup(name)
	if !ok {
		return moduleError(ErrInvalidParameter, m.Number, m.Slot, "write var", "no variable %q", name)
	}
	if e.spec.ReadOnly {
		return moduleError(ErrInvalidParameter, m.Number, m.Slot, "write var",
			"variable %q is read only", name)
	}
	if idx < 0 || idx >= len(e.values) {
		return moduleError(ErrInvalidParameter, m.Number, m.Slot, "write var",
			"%s index %d out of range 0..%d", name, idx, len(e.values)-1)
	}
	e.values[idx] = value
	if !io {
		e.dirty[idx] = true
		return nil
	}
	e.dirty[idx] = false
	return m.busWrite(e.addr(idx), value)
}

// ReadVar returns DSP variable name. With io the value is refreshed from
// the hardware first; otherwise the cache answers. Read-only variables
// always come from the hardware.
func (m *Module) ReadVar(name string, idx int, io bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return 0, moduleError(ErrModuleOffline, m.Number, m.Slot, "read var", "module not open")
	}
	return m.readVarIOLocked(name, idx, io)
}

func (m *Module) readVarIOLocked(name string, idx int, io bool) (uint32, error) {
	e, ok := m.params.lookup(name)
	if !ok {
		return 0, moduleError(ErrInvalidParameter, m.Number, m.Slot, "read var", "no variable %q", name)
	}
	if idx < 0 || idx >= len(e.values) {
		return 0, moduleError(ErrInvalidParameter, m.Number, m.Slot, "read var",
			"%s index %d out of range 0..%d", name, idx, len(e.values)-1)
	}
	if !io && !e.spec.ReadOnly {
		return e.values[idx], nil
	}
	v, err := m.busRead(e.addr(idx))
	if err != nil {
		return 0, err
	}
	e.values[idx] = v
	e.dirty[idx] = false
	return v, nil
}

func (m *Module) readVarLocked(name string, idx int) (uint32, error) {
	return m.readVarIOLocked(name, idx, false)
}

// SyncVars writes every dirty cached word to the hardware, module
// variables before channel variables, each in layout order.
func (m *Module) SyncVars() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "sync vars", "module not open")
	}
	return m.syncVarsLocked()
}

func (m *Module) syncVarsLocked() error {
	for _, e := range m.params.moduleVars() {
		if err := m.flushEntryLocked(e); err != nil {
			return err
		}
	}
	for _, e := range m.params.channelVars() {
		if err := m.flushEntryLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) flushEntryLocked(e *varEntry) error {
	for idx, dirty := range e.dirty {
		if !dirty {
			continue
		}
		if err := m.busWrite(e.addr(idx), e.values[idx]); err != nil {
			return err
		}
		e.dirty[idx] = false
	}
	return nil
}

// SyncHW pushes the host-side analog state (DAC levels, ADC routing) back
// to the front end.
func (m *Module) SyncHW() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("sync hw"); err != nil {
		return err
	}
	return m.fixture.SyncHW()
}

// ModuleVarDescriptors returns the module-level variable layout.
func (m *Module) ModuleVarDescriptors() []plx.VarSpec {
	var out []plx.VarSpec
	for _, e := range m.params.moduleVars() {
		out = append(out, e.spec)
	}
	return out
}

// ChannelVarDescriptors returns the per-channel variable layout.
func (m *Module) ChannelVarDescriptors() []plx.VarSpec {
	var out []plx.VarSpec
	for _, e := range m.params.channelVars() {
		out = append(out, e.spec)
	}
	return out
}

func (m *Module) requireOnlineLocked(op string) error {
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, op, "module not open")
	}
	if !m.booted {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, op, "module not booted")
	}
	return nil
}

func (m *Module) channelLocked(ch int, op string) (*channel, error) {
	if ch < 0 || ch >= len(m.channels) {
		return nil, moduleError(ErrInvalidParameter, m.Number, m.Slot, op,
			"channel %d out of range 0..%d", ch, len(m.channels)-1)
	}
	return m.channels[ch], nil
}

// SetVoltageOffset records a channel's requested analog offset and caches
// the matching DAC code. SetDACs or a sync pushes it to the hardware.
func (m *Module) SetVoltageOffset(ch int, volts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "set offset", "module not open")
	}
	c, err := m.channelLocked(ch, "set offset")
	if err != nil {
		return err
	}
	if volts < -dacVoltageRange/2 || volts > dacVoltageRange/2 {
		return moduleError(ErrInvalidValue, m.Number, m.Slot, "set offset",
			"channel %d: %.3f V outside +-%.2f V", ch, volts, dacVoltageRange/2)
	}
	c.voffset = volts
	return m.writeVarLocked("OffsetDAC", uint32(voffsetToDAC(volts)), ch, false)
}

// Run control.

// StartListMode begins streaming triggered events through the external
// FIFO. The drain worker is kicked to run cadence right away.
func (m *Module) StartListMode(mode RunMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.startRunLocked(runTaskListMode, mode); err != nil {
		return err
	}
	m.kickWorker()
	return nil
}

// StartHistograms begins spectrum accumulation in the module's histogram
// memory. A NewRun clears the previous spectra.
func (m *Module) StartHistograms(mode RunMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startRunLocked(runTaskHistograms, mode)
}

func (m *Module) startRunLocked(task uint32, mode RunMode) error {
	if err := m.requireOnlineLocked("start run"); err != nil {
		return err
	}
	if active, err := m.csrRunActive(); err != nil {
		return err
	} else if active {
		return moduleError(ErrRunActiveAlready, m.Number, m.Slot, "start run", "stop the run first")
	}
	resume := uint32(0)
	if mode == ResumeRun {
		resume = 1
	}
	if err := m.writeVarLocked("Resume", resume, 0, true); err != nil {
		return err
	}
	if err := m.writeVarLocked("ControlTask", 0, 0, true); err != nil {
		return err
	}
	if err := m.writeVarLocked("RunTask", task, 0, true); err != nil {
		return err
	}
	// The task is on record before the hardware start: a status snapshot
	// must never see the CSR running with no task set.
	m.runTask = task
	csr, err := m.busRead(plx.RegCSR)
	if err != nil {
		m.runTask = runTaskNone
		return err
	}
	if err := m.busWrite(plx.RegCSR, csr|plx.CSRRunEnable); err != nil {
		m.runTask = runTaskNone
		return err
	}
	log.Printf("%s: run 0x%x started (resume=%d)", m.label(), task, resume)
	return nil
}

// RunActive reports whether the hardware says a run (or control task) is
// in flight.
func (m *Module) RunActive() (bool, error) {
	return m.csrRunActive()
}

func (m *Module) csrRunActive() (bool, error) {
	csr, err := m.busRead(plx.RegCSR)
	if err != nil {
		return false, err
	}
	return csr&plx.CSRRunActive != 0, nil
}

// RunEnd stops the current run. The hardware gets a bounded number of
// polls to report idle; either way the run task is cleared so the module
// is usable afterwards. List-mode runs leave their tail in the FIFO, so
// the drain worker is kicked one more time.
func (m *Module) RunEnd() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "run end", "module not open")
	}
	return m.runEndLocked()
}

func (m *Module) runEndLocked() error {
	csr, err := m.busRead(plx.RegCSR)
	if err != nil {
		return err
	}
	if err := m.busWrite(plx.RegCSR, csr&^uint32(plx.CSRRunEnable)); err != nil {
		return err
	}
	stopErr := error(moduleError(ErrHardwareTimeout, m.Number, m.Slot, "run end",
		"run still active after %d polls", runEndPolls))
	for i := 0; i < runEndPolls; i++ {
		active, err := m.csrRunActive()
		if err != nil {
			stopErr = err
			break
		}
		if !active {
			stopErr = nil
			break
		}
		m.sleep(m.fifo.RunWait)
	}
	wasList := m.runTask == runTaskListMode
	m.runTask = runTaskNone
	if err := m.writeVarLocked("RunTask", 0, 0, true); err != nil && stopErr == nil {
		stopErr = err
	}
	if wasList {
		m.kickWorker()
	}
	return stopErr
}

// RunStats is the statistics snapshot the DSP exposes after (or during) a
// run. Counters tick at the system clock; StatSeconds converts.
type RunStats struct {
	RealTime  uint64
	RunTime   uint64
	Events    uint64
	LiveTime  []uint64
	FastPeaks []uint64
}

// StatSeconds converts a statistics counter to seconds.
func StatSeconds(ticks uint64) float64 {
	return float64(ticks) / (plx.SystemClockMHz * 1e6)
}

// ReadStats reads the run statistics variables back from the hardware.
func (m *Module) ReadStats() (RunStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s RunStats
	if err := m.requireOnlineLocked("read stats"); err != nil {
		return s, err
	}
	var err error
	if s.RealTime, err = m.statPairLocked("RealTime", 0); err != nil {
		return s, err
	}
	if s.RunTime, err = m.statPairLocked("RunTime", 0); err != nil {
		return s, err
	}
	if s.Events, err = m.statPairLocked("NumEvents", 0); err != nil {
		return s, err
	}
	s.LiveTime = make([]uint64, m.NumChannels)
	s.FastPeaks = make([]uint64, m.NumChannels)
	for ch := 0; ch < m.NumChannels; ch++ {
		if s.LiveTime[ch], err = m.statPairLocked("LiveTime", ch); err != nil {
			return s, err
		}
		if s.FastPeaks[ch], err = m.statPairLocked("FastPeaks", ch); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (m *Module) statPairLocked(name string, idx int) (uint64, error) {
	hi, err := m.readVarIOLocked(name+"A", idx, true)
	if err != nil {
		return 0, err
	}
	lo, err := m.readVarIOLocked(name+"B", idx, true)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Control tasks and capture.

// SetDACs pushes the cached offset DAC levels to the front end.
func (m *Module) SetDACs() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("set dacs"); err != nil {
		return err
	}
	return m.fixture.SetDACs()
}

// GetTraces refreshes the ADC captures for every channel.
func (m *Module) GetTraces() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("get traces"); err != nil {
		return err
	}
	return m.fixture.GetTraces()
}

// AdjustOffsets walks each channel's offset DAC until its baseline sits on
// the BaselinePercent target.
func (m *Module) AdjustOffsets() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("adjust offsets"); err != nil {
		return err
	}
	return m.fixture.AdjustOffsets()
}

// AcquireBaselines runs the DSP baseline capture task.
func (m *Module) AcquireBaselines() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("acquire baselines"); err != nil {
		return err
	}
	return m.runDSPTaskLocked(taskGetBaselines)
}

// ReadBaselines returns the per-channel baseline codes captured by the
// last AcquireBaselines.
func (m *Module) ReadBaselines() ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("read baselines"); err != nil {
		return nil, err
	}
	return m.busDMA(plx.IOBufBase, m.NumChannels)
}

// AcquireADC captures a fresh trace on one channel and returns up to n
// samples of it.
func (m *Module) AcquireADC(ch, n int) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("acquire adc"); err != nil {
		return nil, err
	}
	c, err := m.channelLocked(ch, "acquire adc")
	if err != nil {
		return nil, err
	}
	if err := c.fixture.AcquireADC(); err != nil {
		return nil, err
	}
	return c.fixture.ReadADC(n)
}

// ReadADC returns up to n samples of a channel's last captured trace.
func (m *Module) ReadADC(ch, n int) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("read adc"); err != nil {
		return nil, err
	}
	c, err := m.channelLocked(ch, "read adc")
	if err != nil {
		return nil, err
	}
	return c.fixture.ReadADC(n)
}

// ReadHistogram returns a channel's full spectrum.
func (m *Module) ReadHistogram(ch int) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOnlineLocked("read histogram"); err != nil {
		return nil, err
	}
	if _, err := m.channelLocked(ch, "read histogram"); err != nil {
		return nil, err
	}
	out := make([]uint32, 0, plx.HistogramLength)
	for off := 0; off < plx.HistogramLength; off += plx.MaxDMABlockSize {
		n := plx.HistogramLength - off
		if n > plx.MaxDMABlockSize {
			n = plx.MaxDMABlockSize
		}
		words, err := m.busDMA(plx.HistogramAddr(ch)+uint32(4*off), n)
		if err != nil {
			return nil, err
		}
		out = append(out, words...)
	}
	return out, nil
}

// runDSPTaskLocked points the DSP at a control task, strobes run enable,
// and waits for it to finish.
func (m *Module) runDSPTaskLocked(task uint32) error {
	csr, err := m.busRead(plx.RegCSR)
	if err != nil {
		return err
	}
	if csr&plx.CSRRunActive != 0 {
		return moduleError(ErrRunActiveAlready, m.Number, m.Slot, "control task",
			"task 0x%x refused, hardware busy", task)
	}
	if err := m.writeVarLocked("ControlTask", task, 0, true); err != nil {
		return err
	}
	if err := m.busWrite(plx.RegCSR, csr|plx.CSRRunEnable); err != nil {
		return err
	}
	taskErr := error(moduleError(ErrHardwareTimeout, m.Number, m.Slot, "control task",
		"task 0x%x still active after %d polls", task, controlTaskPolls))
	for i := 0; i < controlTaskPolls; i++ {
		active, err := m.csrRunActive()
		if err != nil {
			taskErr = err
			break
		}
		if !active {
			taskErr = nil
			break
		}
		m.sleep(controlTaskWait)
	}
	if err := m.writeVarLocked("ControlTask", 0, 0, true); err != nil && taskErr == nil {
		taskErr = err
	}
	return taskErr
}

// Raw bus access. These take only the short bus lock, so the drain worker
// and state-holding operations can interleave.

// ReadWord reads one register or memory word.
func (m *Module) ReadWord(addr uint32) (uint32, error) { return m.busRead(addr) }

// WriteWord writes one register or memory word.
func (m *Module) WriteWord(addr, value uint32) error { return m.busWrite(addr, value) }

// DMARead block-reads up to MaxDMABlockSize words.
func (m *Module) DMARead(addr uint32, n int) ([]uint32, error) { return m.busDMA(addr, n) }

func (m *Module) busRead(addr uint32) (uint32, error) {
	m.busMu.Lock()
	defer m.busMu.Unlock()
	if m.dev == nil {
		return 0, moduleError(ErrModuleOffline, m.Number, m.Slot, "bus read", "device closed")
	}
	v, err := m.dev.ReadWord(addr)
	if err != nil {
		return 0, fmt.Errorf("%s: read 0x%x: %w", m.label(), addr, err)
	}
	return v, nil
}

func (m *Module) busWrite(addr, value uint32) error {
	m.busMu.Lock()
	defer m.busMu.Unlock()
	if m.dev == nil {
		return moduleError(ErrModuleOffline, m.Number, m.Slot, "bus write", "device closed")
	}
	if err := m.dev.WriteWord(addr, value); err != nil {
		return fmt.Errorf("%s: write 0x%x: %w", m.label(), addr, err)
	}
	return nil
}

func (m *Module) busDMA(addr uint32, n int) ([]uint32, error) {
	m.busMu.Lock()
	defer m.busMu.Unlock()
	if m.dev == nil {
		return nil, moduleError(ErrModuleOffline, m.Number, m.Slot, "dma read", "device closed")
	}
	words, err := m.dev.DMARead(addr, n)
	if err != nil {
		return nil, fmt.Errorf("%s: dma 0x%x x%d: %w", m.label(), addr, n, err)
	}
	return words, nil
}

// sleep waits on the module's clock, which tests replace.
func (m *Module) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-m.clock.After(d)
}

// FIFO drain services.

// FIFOStats counts the drain worker's work since the module opened.
type FIFOStats struct {
	Reads     uint64 // DMA transfers completed
	Words     uint64
	PoolEmpty uint64 // drain attempts that found no free buffer
	QueueFull uint64 // buffers dropped because the queue was full
	Errors    uint64
}

// FIFOStats returns a snapshot of the drain counters.
func (m *Module) FIFOStats() FIFOStats {
	return FIFOStats{
		Reads:     m.fifoReads.Load(),
		Words:     m.fifoWords.Load(),
		PoolEmpty: m.fifoPoolEmpty.Load(),
		QueueFull: m.fifoQueueFull.Load(),
		Errors:    m.fifoErrors.Load(),
	}
}

// PopFIFO returns the next drained buffer, or nil if none is waiting. The
// caller releases the buffer back to the pool.
func (m *Module) PopFIFO() *Buffer {
	return m.queue.Pop()
}

// ReadFIFO waits up to timeout for a drained buffer.
func (m *Module) ReadFIFO(timeout time.Duration) *Buffer {
	return m.queue.PopWait(timeout)
}

// QueuedBuffers reports how many drained buffers are waiting.
func (m *Module) QueuedBuffers() int {
	return m.queue.Len()
}

func (m *Module) startFIFOServicesLocked() {
	m.pool = NewBufferPool(m.fifo.Buffers, plx.MaxDMABlockSize)
	m.queue = NewBufferQueue(m.fifo.Buffers)
	m.workerStop = make(chan struct{})
	m.workerDone = make(chan struct{})
	m.workerKick = make(chan struct{}, 1)
	go m.fifoWorker()
}

func (m *Module) stopFIFOServicesLocked() {
	if m.workerStop == nil {
		return
	}
	close(m.workerStop)
	<-m.workerDone
	m.workerStop = nil
}

func (m *Module) kickWorker() {
	select {
	case m.workerKick <- struct{}{}:
	default:
	}
}

// fifoWorker moves data from the module's external FIFO into pool buffers.
// It polls at run cadence whenever data is flowing or a run is live, keeps
// that cadence for the hold period after a run ends so the tail drains,
// then backs off by doubling up to the idle wait.
func (m *Module) fifoWorker() {
	defer close(m.workerDone)
	wait := m.fifo.IdleWait
	var holdUntil time.Time
	for {
		select {
		case <-m.workerStop:
			return
		case <-m.workerKick:
			wait = m.fifo.RunWait
		case <-m.clock.After(wait):
		}
		words, running := m.drainFIFO()
		now := m.clock.Now()
		switch {
		case running || words > 0:
			holdUntil = now.Add(m.fifo.HoldWait)
			wait = m.fifo.RunWait
		case now.Before(holdUntil):
			wait = m.fifo.RunWait
		default:
			if wait < m.fifo.IdleWait {
				wait *= 2
				if wait > m.fifo.IdleWait {
					wait = m.fifo.IdleWait
				}
			}
		}
	}
}

// drainFIFO moves whatever the FIFO holds into pool buffers. While a run
// is live, short levels are left to accumulate past the DMA trigger. With
// the pool exhausted the data stays on the hardware for a later poll; the
// FIFO is big enough to ride out a slow consumer for a while.
func (m *Module) drainFIFO() (words int, running bool) {
	level32, err := m.busRead(plx.RegFIFOStatus)
	if err != nil {
		m.workerError(err)
		return 0, false
	}
	csr, err := m.busRead(plx.RegCSR)
	if err != nil {
		m.workerError(err)
		return 0, false
	}
	running = csr&plx.CSRRunActive != 0
	level := int(level32)
	if level == 0 || (running && level < m.fifo.DMATrigger) {
		return 0, running
	}
	for level > 0 {
		buf := m.pool.Take()
		if buf == nil {
			m.fifoPoolEmpty.Add(1)
			if !m.poolWarn {
				m.poolWarn = true
				log.Printf("%s: fifo pool exhausted, leaving %d words on hardware", m.label(), level)
			}
			return words, running
		}
		m.poolWarn = false
		n := level
		if n > m.pool.BlockWords() {
			n = m.pool.BlockWords()
		}
		data, err := m.busDMA(plx.FIFOBase, n)
		if err != nil {
			buf.Release()
			m.workerError(err)
			return words, running
		}
		buf.Module = m.Number
		buf.Data = append(buf.Data[:0], data...)
		if !m.queue.Push(buf) {
			m.fifoQueueFull.Add(1)
			buf.Release()
			return words, running
		}
		m.fifoReads.Add(1)
		m.fifoWords.Add(uint64(n))
		words += n
		level -= n
	}
	return words, running
}

func (m *Module) workerError(err error) {
	if m.fifoErrors.Add(1) == 1 {
		log.Printf("fifo worker: %v", err)
	}
}

// Report writes a plain-text summary of the module's state.
func (m *Module) Report(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "%s: rev %s serial %d, %d channels, %d-bit %d MSPS\n",
		m.label(), plx.RevisionTag(m.Revision), m.Serial, m.NumChannels, m.ADCBits, m.ADCMSPS)
	fmt.Fprintf(w, " opened %v, booted %v, run task 0x%x\n", m.opened, m.booted, m.runTask)
	st := m.FIFOStats()
	fmt.Fprintf(w, " fifo: %d reads, %d words, pool empty %d, queue full %d, errors %d\n",
		st.Reads, st.Words, st.PoolEmpty, st.QueueFull, st.Errors)
	if m.fixture != nil {
		m.fixture.Report(w)
	}
}
