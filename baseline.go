package crated

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// linearFit accumulates (x, y) observations and fits the line y = k*x + c by
// least squares. The offset convergence loop feeds it (DAC, baseline) pairs
// and inverts the fit to jump straight to the DAC predicted for its target.
type linearFit struct {
	xs, ys []float64
	k, c   float64
}

func (f *linearFit) update(x, y float64) {
	f.xs = append(f.xs, x)
	f.ys = append(f.ys, y)
}

func (f *linearFit) count() int { return len(f.xs) }

func (f *linearFit) calc() {
	f.c, f.k = stat.LinearRegression(f.xs, f.ys, nil, false)
}

func (f *linearFit) y(x float64) float64 { return f.k*x + f.c }

// x returns the input predicted to produce y. The line must have been
// calculated and must not be flat.
func (f *linearFit) x(y float64) (float64, error) {
	if f.k == 0 {
		return 0, fmt.Errorf("fitted line is flat, cannot invert")
	}
	return (y - f.c) / f.k, nil
}

// Window half-width for the baseline average around the histogram mode.
const baselineNoiseBins = 30

// channelBaseline reduces ADC traces to a single resting level. It
// histograms every sample, takes the mode bin as the nominal level, and
// reports the count-weighted mean over a +-30 bin window around the mode,
// which rejects noise spikes far from the dominant voltage.
type channelBaseline struct {
	adcBits      int
	noisePercent float64
	bins         []uint32
	baseline     int // -1 until end() has seen data
}

func newChannelBaseline(adcBits int, noisePercent float64) *channelBaseline {
	return &channelBaseline{
		adcBits:      adcBits,
		noisePercent: noisePercent,
		bins:         make([]uint32, 1<<uint(adcBits)),
		baseline:     -1,
	}
}

// start clears the histogram for a new capture.
func (cb *channelBaseline) start() {
	for i := range cb.bins {
		cb.bins[i] = 0
	}
	cb.baseline = -1
}

// update accumulates one trace. Overrange samples land in the top bin.
func (cb *channelBaseline) update(trace []uint16) {
	top := len(cb.bins) - 1
	for _, s := range trace {
		b := int(s)
		if b > top {
			b = top
		}
		cb.bins[b]++
	}
}

// end reduces the accumulated histogram to the baseline value. With no
// samples the baseline stays -1, "no data".
func (cb *channelBaseline) end() {
	maxBin := 0
	var maxCount uint32
	for b, c := range cb.bins {
		if c > maxCount {
			maxBin, maxCount = b, c
		}
	}
	if maxCount == 0 {
		return
	}
	lo := maxBin - baselineNoiseBins
	if lo < 0 {
		lo = 0
	}
	hi := maxBin + baselineNoiseBins
	if hi > len(cb.bins) {
		hi = len(cb.bins)
	}
	var count, weighted uint64
	for b := lo; b < hi; b++ {
		count += uint64(cb.bins[b])
		weighted += uint64(b) * uint64(cb.bins[b])
	}
	if count == 0 {
		return
	}
	cb.baseline = int(weighted / count)
}

// tolerance is the half-width of the comparison window: one ADC code when
// no noise figure is configured, else the configured percentage of the
// ADC's dynamic range.
func (cb *channelBaseline) tolerance() int {
	if cb.noisePercent > 0 {
		return int(float64(int(1)<<uint(cb.adcBits)) * cb.noisePercent / 100)
	}
	return 1
}

// sameAs reports whether other's baseline lies within this baseline's
// tolerance window, inclusive at both ends. "No data" baselines compare
// equal only to each other.
func (cb *channelBaseline) sameAs(other *channelBaseline) bool {
	if cb.baseline < 0 || other.baseline < 0 {
		return cb.baseline == other.baseline
	}
	return cb.near(other.baseline)
}

// near reports whether a bare ADC code lies within the tolerance window.
func (cb *channelBaseline) near(code int) bool {
	if cb.baseline < 0 || code < 0 {
		return cb.baseline == code
	}
	r := cb.tolerance()
	return code >= cb.baseline-r && code <= cb.baseline+r
}

// adcTarget converts a baseline percentage into the ADC code it names.
func adcTarget(adcBits int, percent uint32) int {
	return int(uint32(1<<uint(adcBits)) * percent / 100)
}
