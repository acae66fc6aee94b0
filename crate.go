package crated

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/spectrumdaq/crated/internal/simclock"
	"github.com/spectrumdaq/crated/plx"
	"golang.org/x/sync/errgroup"
)

// ModuleCheck is the validity level Crate.Module enforces before handing
// out a handle.
type ModuleCheck int

const (
	CheckNone    ModuleCheck = iota // any known module number
	CheckPresent                    // device open
	CheckOnline                     // booted and not demoted
)

// CrateConfig configures crate bring-up.
type CrateConfig struct {
	Bus        plx.Opener     // nil probes the PCI bus
	MaxModules int            // device probe limit, default MaxSlots
	Firmware   FirmwareMap    // nil gives every module imageless sim firmware
	Clock      simclock.Clock // nil means the wall clock
	FIFO       FIFOConfig
}

// Crate aggregates the modules on one backplane and owns their numbering.
// Topology operations (Initialize, Boot, Assign, Shutdown) are exclusive;
// everything else reaches modules through pinned handles, and outstanding
// handles block the topology operations.
type Crate struct {
	cfg CrateConfig
	bus plx.Opener

	guard     sync.Mutex
	ready     bool
	users     int
	modules   []*Module // dense, indexed by module number
	parked    []*Module // devices still claimed but forced offline by Assign
	offline   map[*Module]string
	sick      int // devices that answered the probe but failed to open
	revision  int // consensus hardware revision
	backplane *Backplane
}

func NewCrate(cfg CrateConfig) *Crate {
	c := &Crate{
		cfg:       cfg,
		bus:       cfg.Bus,
		offline:   make(map[*Module]string),
		backplane: NewBackplane(),
	}
	if c.bus == nil {
		c.bus = plx.PCIBus{}
	}
	return c
}

// Initialize probes the bus, opens every answering device, and numbers the
// modules by ascending slot. Devices that answer but will not open are
// skipped; modules with no matching firmware stay open but are demoted
// offline. Boot is a separate step.
func (c *Crate) Initialize() error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if c.ready {
		return crateError(ErrCrateAlreadyOpen, "initialize", "shut the crate down first")
	}
	limit := c.cfg.MaxModules
	if limit <= 0 {
		limit = plx.MaxSlots
	}
	var opened []*Module
	for dev := 0; dev < limit; dev++ {
		m, err := OpenModule(c.bus, dev, ModuleOptions{Clock: c.cfg.Clock, FIFO: c.cfg.FIFO})
		if err != nil {
			if IsKind(err, ErrDeviceNotFound) {
				break
			}
			c.sick++
			log.Printf("crate: device %d unusable: %v", dev, err)
			continue
		}
		opened = append(opened, m)
	}
	if len(opened) == 0 {
		return crateError(ErrCrateNotReady, "initialize", "no modules found")
	}
	if err := resolveSlots(opened); err != nil {
		for _, m := range opened {
			m.Close()
		}
		return err
	}
	sort.Slice(opened, func(i, j int) bool { return opened[i].Slot < opened[j].Slot })
	c.modules = opened
	for i, m := range c.modules {
		m.SetNumber(i)
	}
	c.offline = make(map[*Module]string)
	c.assignFirmwareLocked()
	c.checkRevisionsLocked()
	c.ready = true
	log.Printf("crate: %d modules (%d offline), %d sick devices",
		len(c.modules), len(c.offline), c.sick)
	return nil
}

// resolveSlots sorts out duplicate slot claims. Format-2 EEPROMs store the
// slot the board was flashed in rather than where it sits, so a duplicate
// claim from one is re-derived from its PCI geographic address.
func resolveSlots(opened []*Module) error {
	bySlot := make(map[int][]*Module)
	for _, m := range opened {
		bySlot[m.Slot] = append(bySlot[m.Slot], m)
	}
	for slot, claims := range bySlot {
		if len(claims) == 1 {
			continue
		}
		for _, m := range claims {
			if m.info.EEPROMFormat != 2 {
				continue
			}
			if s := pciCrateSlot(m.info.PCISlot); s != 0 && s != slot {
				log.Printf("crate: %s: slot %d claimed twice, pci slot %d seats it in slot %d",
					m.label(), slot, m.info.PCISlot, s)
				m.Slot = s
			}
		}
	}
	seen := make(map[int]*Module)
	for _, m := range opened {
		if other, dup := seen[m.Slot]; dup {
			return crateError(ErrCrateNotReady, "initialize",
				"modules with serials %d and %d both claim slot %d", other.Serial, m.Serial, m.Slot)
		}
		seen[m.Slot] = m
	}
	return nil
}

// pciCrateSlot maps a PCI geographic address to the backplane slot seating
// it, or 0 when the address is off the backplane.
func pciCrateSlot(pciSlot int) int {
	slot := pciSlot - 9
	if slot < 1 || slot > plx.MaxSlots {
		return 0
	}
	return slot
}

func (c *Crate) assignFirmwareLocked() {
	for _, m := range c.modules {
		fw := SimFirmware()
		if c.cfg.Firmware != nil {
			fw = c.cfg.Firmware.Find(m.Revision, m.ADCBits, m.ADCMSPS)
		}
		if fw == nil {
			reason := fmt.Sprintf("no firmware for %s", FirmwareTag(m.Revision, m.ADCBits, m.ADCMSPS))
			c.offline[m] = reason
			log.Printf("crate: %s: %s", m.label(), reason)
			continue
		}
		m.SetFirmware(fw)
	}
}

func (c *Crate) checkRevisionsLocked() {
	counts := make(map[int]int)
	for _, m := range c.modules {
		counts[m.Revision]++
	}
	best, n := 0, 0
	for rev, cnt := range counts {
		if cnt > n || (cnt == n && rev > best) {
			best, n = rev, cnt
		}
	}
	c.revision = best
	if len(counts) > 1 {
		log.Printf("crate: mixed hardware revisions, majority rev %s", plx.RevisionTag(best))
	}
}

func (c *Crate) requireReadyIdleLocked(op string) error {
	if !c.ready {
		return crateError(ErrCrateNotReady, op, "initialize the crate first")
	}
	if c.users > 0 {
		return crateError(ErrCrateNotReady, op, "%d module handles still held", c.users)
	}
	return nil
}

func (c *Crate) onlineLocked(m *Module) bool {
	if _, off := c.offline[m]; off {
		return false
	}
	return m.Booted()
}

// BootOptions selects what a crate-wide boot touches. The zero value
// boots every part of every module that is not already online.
type BootOptions struct {
	Modules []int       // module numbers to boot; nil means every module
	Force   bool        // also reboot modules that are already online
	Parts   BootPattern // parts to load; zero means all three
}

// Boot loads firmware into the selected modules, the whole crate in
// parallel. Outcomes are independent: a module whose boot fails is demoted
// offline and the rest carry on; the error from the lowest-numbered
// failure is returned. Afterwards every remaining module's load state is
// re-read from hardware and the backplane state rebuilt from whatever
// came up.
func (c *Crate) Boot(opts BootOptions) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if err := c.requireReadyIdleLocked("boot"); err != nil {
		return err
	}
	parts := opts.Parts
	if parts == 0 {
		parts = BootAll
	}
	selected := make([]bool, len(c.modules))
	if opts.Modules == nil {
		for i := range selected {
			selected[i] = true
		}
	} else {
		for _, n := range opts.Modules {
			if n < 0 || n >= len(c.modules) {
				return crateError(ErrModuleNumberInvalid, "boot",
					"number %d outside 0..%d", n, len(c.modules)-1)
			}
			selected[n] = true
		}
	}
	errs := make([]error, len(c.modules))
	var wg sync.WaitGroup
	for i, m := range c.modules {
		if !selected[i] {
			continue
		}
		if _, off := c.offline[m]; off {
			continue
		}
		if !opts.Force && m.Booted() {
			log.Printf("crate: %s: already online, not rebooted", m.label())
			continue
		}
		wg.Add(1)
		go func(i int, m *Module) {
			defer wg.Done()
			errs[i] = m.Boot(parts)
		}(i, m)
	}
	wg.Wait()
	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		m := c.modules[i]
		c.offline[m] = fmt.Sprintf("boot failed: %v", err)
		log.Printf("crate: %s: boot: %v", m.label(), err)
		if first == nil {
			first = err
		}
	}
	// Reclassify every remaining module from its hardware load state, the
	// skipped ones included, so a module whose firmware vanished behind
	// our back drops out of the online set here rather than on first use.
	for _, m := range c.modules {
		if _, off := c.offline[m]; off {
			continue
		}
		if err := m.Probe(); err != nil {
			c.offline[m] = fmt.Sprintf("probe failed: %v", err)
			log.Printf("crate: %s: probe: %v", m.label(), err)
			if first == nil {
				first = err
			}
		}
	}
	if err := c.backplane.Reinit(c.modules); err != nil && first == nil {
		first = err
	}
	return first
}

// InitializeAFE reruns every online module's front-end bring-up: ADC
// routing checks and offset DAC pushes. Modules run in parallel so their
// analog settle waits overlap.
func (c *Crate) InitializeAFE() error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if err := c.requireReadyIdleLocked("initialize afe"); err != nil {
		return err
	}
	errs := make([]error, len(c.modules))
	var wg sync.WaitGroup
	for i, m := range c.modules {
		if !c.onlineLocked(m) {
			continue
		}
		wg.Add(1)
		go func(i int, m *Module) {
			defer wg.Done()
			errs[i] = m.SyncHW()
		}(i, m)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SlotAssignment maps backplane slots to the module numbers a settings
// file expects. Numbers must be dense from zero.
type SlotAssignment map[int]int

// Assign renumbers the crate to a slot map. Modules in slots the map
// skips leave the addressable set: closed and released when close is
// set, otherwise parked with the device still claimed but forced
// offline, with no way back short of a fresh Initialize. On any error
// the previous numbering is restored.
func (c *Crate) Assign(asg SlotAssignment, close bool) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if err := c.requireReadyIdleLocked("assign"); err != nil {
		return err
	}
	if len(asg) == 0 {
		return crateError(ErrInvalidParameter, "assign", "empty slot map")
	}
	bySlot := make(map[int]*Module, len(c.modules))
	for _, m := range c.modules {
		bySlot[m.Slot] = m
	}
	newModules := make([]*Module, len(asg))
	for slot, number := range asg {
		m := bySlot[slot]
		if m == nil {
			return crateError(ErrModuleNotPresent, "assign", "no assignable module in slot %d", slot)
		}
		if number < 0 || number >= len(newModules) {
			return crateError(ErrModuleNumberInvalid, "assign",
				"slot %d wants number %d, want 0..%d", slot, number, len(newModules)-1)
		}
		if newModules[number] != nil {
			return crateError(ErrModuleNumberInvalid, "assign",
				"number %d assigned to slots %d and %d", number, newModules[number].Slot, slot)
		}
		newModules[number] = m
	}
	prev := make(map[*Module]int, len(c.modules))
	for _, m := range c.modules {
		prev[m] = m.Number
	}
	for i, m := range newModules {
		if err := m.SetNumber(i); err != nil {
			for mm, n := range prev {
				mm.SetNumber(n)
			}
			return err
		}
	}
	assigned := make(map[*Module]bool, len(newModules))
	for _, m := range newModules {
		assigned[m] = true
	}
	for _, m := range c.modules {
		if assigned[m] {
			continue
		}
		if close {
			log.Printf("crate: %s: closed, not in the slot map", m.label())
			if err := m.Close(); err != nil {
				log.Printf("crate: %s: close: %v", m.label(), err)
			}
			delete(c.offline, m)
			continue
		}
		c.parked = append(c.parked, m)
		log.Printf("crate: %s: parked offline, not in the slot map", m.label())
	}
	c.modules = newModules
	return c.backplane.Reinit(c.modules)
}

// ModuleHandle pins a module for use through the crate. Outstanding
// handles block topology operations, so release promptly.
type ModuleHandle struct {
	*Module
	crate    *Crate
	mu       sync.Mutex
	released bool
}

// Module validates a module number against the requested level and returns
// a pinned handle.
func (c *Crate) Module(number int, check ModuleCheck) (*ModuleHandle, error) {
	c.guard.Lock()
	defer c.guard.Unlock()
	if !c.ready {
		return nil, crateError(ErrCrateNotReady, "module", "initialize the crate first")
	}
	if number < 0 || number >= len(c.modules) {
		return nil, crateError(ErrModuleNumberInvalid, "module",
			"number %d outside 0..%d", number, len(c.modules)-1)
	}
	m := c.modules[number]
	switch check {
	case CheckPresent:
		if !m.Opened() {
			return nil, moduleError(ErrModuleNotPresent, m.Number, m.Slot, "module", "device not open")
		}
	case CheckOnline:
		if reason, off := c.offline[m]; off {
			return nil, moduleError(ErrModuleOffline, m.Number, m.Slot, "module", "%s", reason)
		}
		if !m.Booted() {
			return nil, moduleError(ErrModuleOffline, m.Number, m.Slot, "module", "not booted")
		}
	}
	c.users++
	return &ModuleHandle{Module: m, crate: c}, nil
}

// Release returns the handle. Releasing twice is harmless.
func (h *ModuleHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.crate.guard.Lock()
	h.crate.users--
	h.crate.guard.Unlock()
}

// Users reports how many module handles are outstanding.
func (c *Crate) Users() int {
	c.guard.Lock()
	defer c.guard.Unlock()
	return c.users
}

// NumModules returns how many modules the crate addresses.
func (c *Crate) NumModules() int {
	c.guard.Lock()
	defer c.guard.Unlock()
	return len(c.modules)
}

// Revision returns the consensus hardware revision.
func (c *Crate) Revision() int {
	c.guard.Lock()
	defer c.guard.Unlock()
	return c.revision
}

// Backplane returns the crate's backplane state.
func (c *Crate) Backplane() *Backplane {
	return c.backplane
}

// onlineModules snapshots the modules that can take operations, ascending
// by number.
func (c *Crate) onlineModules() []*Module {
	c.guard.Lock()
	defer c.guard.Unlock()
	var out []*Module
	for _, m := range c.modules {
		if c.onlineLocked(m) {
			out = append(out, m)
		}
	}
	return out
}

// Shutdown ends any runs and closes every claimed device, the whole crate
// in parallel. It refuses while module handles are outstanding.
func (c *Crate) Shutdown() error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if !c.ready {
		return nil
	}
	if c.users > 0 {
		return crateError(ErrCrateNotReady, "shutdown", "%d module handles still held", c.users)
	}
	g := new(errgroup.Group)
	for _, m := range append(append([]*Module(nil), c.modules...), c.parked...) {
		if !m.Opened() {
			continue
		}
		g.Go(m.Close)
	}
	err := g.Wait()
	c.modules = nil
	c.parked = nil
	c.offline = make(map[*Module]string)
	c.sick = 0
	c.ready = false
	log.Printf("crate: shut down")
	return err
}

// Report writes a human-readable crate summary.
func (c *Crate) Report(w io.Writer) {
	c.guard.Lock()
	defer c.guard.Unlock()
	fmt.Fprintf(w, "crate: ready %v, %d modules, %d parked, %d sick devices, rev %s, %d users\n",
		c.ready, len(c.modules), len(c.parked), c.sick, plx.RevisionTag(c.revision), c.users)
	for _, m := range c.modules {
		if reason, off := c.offline[m]; off {
			fmt.Fprintf(w, "%s: offline: %s\n", m.label(), reason)
			continue
		}
		m.Report(w)
	}
	c.backplane.Report(w)
}

// DumpState writes an exhaustive state dump for bug reports.
func (c *Crate) DumpState(w io.Writer) {
	c.guard.Lock()
	defer c.guard.Unlock()
	type moduleState struct {
		Number, Slot, Serial int
		Revision             string
		Opened, Booted       bool
		Offline              string
		FIFO                 FIFOStats
	}
	var modules []moduleState
	for _, m := range c.modules {
		modules = append(modules, moduleState{
			Number:   m.Number,
			Slot:     m.Slot,
			Serial:   m.Serial,
			Revision: plx.RevisionTag(m.Revision),
			Opened:   m.Opened(),
			Booted:   m.Booted(),
			Offline:  c.offline[m],
			FIFO:     m.FIFOStats(),
		})
	}
	spew.Fdump(w, struct {
		Ready    bool
		Users    int
		Sick     int
		Revision string
		Modules  []moduleState
	}{c.ready, c.users, c.sick, plx.RevisionTag(c.revision), modules})
}
