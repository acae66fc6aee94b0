package crated

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spectrumdaq/crated/plx"
)

// AFE-DB calibration constants.
const (
	afeDBSNoisePercent = 0.5   // comparison window, percent of ADC range
	afeDBSSwapRail     = 1.5   // volts, swap probe level
	afeDBSAdjustPasses = 10    // offset convergence attempts per channel
	afeDBSAdjustStep   = 200   // DAC codes, probe step before a fit exists
)

// afeDBFixture drives revision H modules, whose analog front end lives on
// plug-in daughter boards and is calibrated from the host rather than the
// DSP. It keeps a shadow of the FIPPI ADC routing control so corrections
// from several boards accumulate, and reapplies everything after a FIPPI
// reload wipes the hardware state.
type afeDBFixture struct {
	defaultModuleFixture

	// One word per daughter board, mirroring the AdcCtrl parameter.
	adcctrl [4]uint32
}

var _ ModuleFixture = (*afeDBFixture)(nil)

func newAFEDBFixture(m *Module) *afeDBFixture {
	return &afeDBFixture{defaultModuleFixture: defaultModuleFixture{m: m}}
}

func (f *afeDBFixture) Boot() error {
	log.Printf("%s: afe-db boot: checking adc routing", f.m.label())
	return f.correctADCSwaps()
}

// SyncHW reruns the routing check and pushes the offset DACs, bringing the
// analog state back in line with the parameter table after a settings
// import or a crate-wide AFE initialization.
func (f *afeDBFixture) SyncHW() error {
	return f.correctADCSwaps()
}

func (f *afeDBFixture) FPGAFippiLoaded() {
	// A FIPPI reload reverts any routing corrections.
	for i := range f.adcctrl {
		f.adcctrl[i] = 0
	}
	for _, ch := range f.m.channels {
		if fx, ok := ch.fixture.(*db04Fixture); ok {
			fx.swap = adcSwapUnknown
		}
	}
}

// SetDACs pushes the OffsetDAC parameter values out to the boards. The
// parameter table is the source of truth; channels without their own DAC
// keep whatever their board gives them.
func (f *afeDBFixture) SetDACs() error {
	m := f.m
	for _, ch := range m.channels {
		if ch.fixture == nil || !hasOffsetDAC(ch.fixture) {
			continue
		}
		dac, err := m.readVarLocked("OffsetDAC", ch.number)
		if err != nil {
			return err
		}
		if err := ch.fixture.SetDAC(int(dac)); err != nil {
			return err
		}
	}
	return nil
}

// GetTraces refreshes every board channel's capture. Boards acquire one
// channel at a time; the IO buffer holds whichever capture ran last.
func (f *afeDBFixture) GetTraces() error {
	for _, ch := range f.m.channels {
		if ch.fixture == nil {
			continue
		}
		if err := ch.fixture.AcquireADC(); err != nil {
			return err
		}
	}
	return nil
}

// AdjustOffsets walks each DAC-equipped channel's offset DAC until its
// baseline sits on the BaselinePercent target. The first correction is a
// fixed probe step; once two (DAC, baseline) samples exist, a least squares
// line through them predicts the landing DAC directly. The DACs move the
// baseline down as they go up, so corrections run against the sign of the
// error.
func (f *afeDBFixture) AdjustOffsets() error {
	m := f.m
	type adjuster struct {
		ch     int
		fx     ChannelFixture
		dac    int
		target int
		fit    linearFit
		done   bool
	}
	var work []*adjuster
	for _, ch := range m.channels {
		if ch.fixture == nil || !hasOffsetDAC(ch.fixture) {
			continue
		}
		dac, err := m.readVarLocked("OffsetDAC", ch.number)
		if err != nil {
			return err
		}
		percent, err := m.readVarLocked("BaselinePercent", ch.number)
		if err != nil {
			return err
		}
		work = append(work, &adjuster{
			ch: ch.number, fx: ch.fixture, dac: int(dac),
			target: adcTarget(m.info.ADCBits, percent),
		})
	}
	if len(work) == 0 {
		return nil
	}
	settle := f.settlePeriod()
	remaining := len(work)
	for pass := 0; pass < afeDBSAdjustPasses && remaining > 0; pass++ {
		m.sleep(settle)
		for _, a := range work {
			if a.done {
				continue
			}
			bl, err := f.measureBaseline(a.ch, 1)
			if err != nil {
				return err
			}
			if bl.near(a.target) {
				a.done = true
				remaining--
				continue
			}
			a.fit.update(float64(a.dac), float64(bl.baseline))
			next := a.dac
			jumped := false
			if a.fit.count() >= 2 {
				a.fit.calc()
				if x, err := a.fit.x(float64(a.target)); err == nil {
					next = int(x)
					jumped = true
				}
			}
			if !jumped {
				if bl.baseline < a.target {
					next = a.dac - afeDBSAdjustStep
				} else {
					next = a.dac + afeDBSAdjustStep
				}
			}
			if next < 0 {
				next = 0
			}
			if next > 65535 {
				next = 65535
			}
			a.dac = next
			if err := a.fx.SetDAC(a.dac); err != nil {
				return err
			}
		}
	}
	var failed []int
	for _, a := range work {
		if err := m.writeVarLocked("OffsetDAC", uint32(a.dac), a.ch, true); err != nil {
			return err
		}
		if !a.done {
			failed = append(failed, a.ch)
		}
	}
	// Unlike a swap-verify failure this is not fatal: the best DAC found is
	// kept and the stuck channels are only reported.
	if len(failed) > 0 {
		log.Printf("%s: adjust offsets: channels %v did not converge in %d passes",
			m.label(), failed, afeDBSAdjustPasses)
	}
	return nil
}

func (f *afeDBFixture) Report(w io.Writer) {
	fmt.Fprintf(w, "module fixture: afe-db (rev %s), adcctrl %v\n",
		plx.RevisionTag(f.m.Revision), f.adcctrl)
	for _, ch := range f.m.channels {
		if ch.fixture != nil {
			ch.fixture.Report(w)
		}
	}
}

// swapPairs lists the even channel of each ADC pair subject to swap
// detection. Only the DB04 shares one ADC chip across a channel pair.
func (f *afeDBFixture) swapPairs() []int {
	var pairs []int
	for ch := 0; ch+1 < len(f.m.channels); ch += 2 {
		if f.m.info.Channels[ch].Fixture == "DB04" {
			pairs = append(pairs, ch)
		}
	}
	return pairs
}

// settlePeriod returns the longest DAC settle time any channel asks for.
func (f *afeDBFixture) settlePeriod() time.Duration {
	var period time.Duration
	for _, ch := range f.m.channels {
		if ch.fixture == nil {
			continue
		}
		ms, err := ch.fixture.GetInt(itemDACSettlePeriod)
		if err != nil {
			continue
		}
		if d := time.Duration(ms) * time.Millisecond; d > period {
			period = d
		}
	}
	return period
}

// measureBaseline captures traces on one channel and reduces them to a
// windowed-mean baseline.
func (f *afeDBFixture) measureBaseline(ch, count int) (*channelBaseline, error) {
	fx := f.m.channels[ch].fixture
	bl := newChannelBaseline(f.m.info.ADCBits, afeDBSNoisePercent)
	bl.start()
	for i := 0; i < count; i++ {
		if err := fx.AcquireADC(); err != nil {
			return nil, err
		}
		trace, err := fx.ReadADC(plx.MaxADCTraceLength)
		if err != nil {
			return nil, err
		}
		bl.update(trace)
	}
	bl.end()
	return bl, nil
}

// probeSwaps pushes each pair's even DAC to a rail and watches which
// channel's baseline follows. On a straight pair the even channel moves; on
// a crossed pair the movement shows up on the odd channel instead. Pairs
// where neither or both moved land in ambiguous. The probed DACs are put
// back before returning.
func (f *afeDBFixture) probeSwaps(pairs []int) (swapped, ambiguous []int, err error) {
	m := f.m
	before := make(map[int]*channelBaseline, 2*len(pairs))
	for _, even := range pairs {
		for _, ch := range []int{even, even + 1} {
			bl, err := f.measureBaseline(ch, 1)
			if err != nil {
				return nil, nil, err
			}
			before[ch] = bl
		}
	}
	for _, even := range pairs {
		cur, err := m.readVarLocked("OffsetDAC", even)
		if err != nil {
			return nil, nil, err
		}
		// Probe toward whichever rail is farther from where the DAC
		// sits, so the push always registers.
		probe := voffsetToDAC(afeDBSSwapRail)
		if int(cur) > 32768 {
			probe = voffsetToDAC(-afeDBSSwapRail)
		}
		if err := m.channels[even].fixture.SetDAC(probe); err != nil {
			return nil, nil, err
		}
	}
	m.sleep(f.settlePeriod())
	for _, even := range pairs {
		evenAfter, err := f.measureBaseline(even, 1)
		if err != nil {
			return nil, nil, err
		}
		oddAfter, err := f.measureBaseline(even+1, 1)
		if err != nil {
			return nil, nil, err
		}
		evenMoved := !before[even].sameAs(evenAfter)
		oddMoved := !before[even+1].sameAs(oddAfter)
		switch {
		case evenMoved && !oddMoved:
			// Straight.
		case oddMoved && !evenMoved:
			swapped = append(swapped, even)
		default:
			ambiguous = append(ambiguous, even)
		}
	}
	for _, even := range pairs {
		cur, err := m.readVarLocked("OffsetDAC", even)
		if err != nil {
			return nil, nil, err
		}
		if err := m.channels[even].fixture.SetDAC(int(cur)); err != nil {
			return nil, nil, err
		}
	}
	return swapped, ambiguous, nil
}

// correctADCSwaps probes every DB04 pair, programs the FIPPI routing
// control to undo the crossed ones, and verifies the correction took. It
// finishes by restoring the offset DACs from the parameter table.
func (f *afeDBFixture) correctADCSwaps() error {
	m := f.m
	pairs := f.swapPairs()
	if len(pairs) == 0 {
		return f.SetDACs()
	}
	swapped, ambiguous, err := f.probeSwaps(pairs)
	if err != nil {
		return err
	}
	if len(ambiguous) > 0 {
		return moduleError(ErrModuleInitializeFailure, m.Number, m.Slot, "adc swap",
			"probe moved neither or both channels of pairs %v", ambiguous)
	}
	isSwapped := make(map[int]bool, len(swapped))
	for _, even := range swapped {
		isSwapped[even] = true
	}
	for _, even := range pairs {
		m.channels[even].fixture.SetBool(itemADCSwap, isSwapped[even])
		m.channels[even+1].fixture.SetBool(itemADCSwap, isSwapped[even])
	}
	if len(swapped) == 0 {
		return f.SetDACs()
	}
	for _, even := range swapped {
		info := m.info.Channels[even]
		f.adcctrl[info.DB] |= 1 << uint(info.DBChannel/2)
	}
	for db, bits := range f.adcctrl {
		if bits == 0 {
			continue
		}
		if err := m.writeVarLocked("AdcCtrl", bits, db, true); err != nil {
			return err
		}
	}
	log.Printf("%s: adc swap: corrected pairs at channels %v", m.label(), swapped)
	still, ambiguous, err := f.probeSwaps(pairs)
	if err != nil {
		return err
	}
	if len(still) > 0 || len(ambiguous) > 0 {
		return moduleError(ErrModuleInitializeFailure, m.Number, m.Slot, "adc swap",
			"pairs %v still crossed after correction", append(still, ambiguous...))
	}
	return f.SetDACs()
}
