package crated

import (
	"math"
	"testing"
)

func capture(cb *channelBaseline, trace []uint16) {
	cb.start()
	cb.update(trace)
	cb.end()
}

func flatTrace(level uint16, n int) []uint16 {
	trace := make([]uint16, n)
	for i := range trace {
		trace[i] = level
	}
	return trace
}

func TestBaselineWindowedMean(t *testing.T) {
	cb := newChannelBaseline(12, 0.5)
	// 900 samples at 2048, plus spikes far outside the +-30 bin window
	// that must not drag the mean.
	trace := flatTrace(2048, 900)
	trace = append(trace, flatTrace(4000, 50)...)
	trace = append(trace, flatTrace(10, 50)...)
	capture(cb, trace)
	if cb.baseline != 2048 {
		t.Errorf("baseline = %d, want 2048 with spikes rejected", cb.baseline)
	}

	// Samples inside the window do shift the weighted mean.
	cb2 := newChannelBaseline(12, 0.5)
	trace = append(flatTrace(2048, 500), flatTrace(2058, 500)...)
	capture(cb2, trace)
	if cb2.baseline != 2053 {
		t.Errorf("baseline = %d, want the in-window mean 2053", cb2.baseline)
	}
}

func TestBaselineOverrangeClamp(t *testing.T) {
	cb := newChannelBaseline(12, 0)
	capture(cb, []uint16{5000, 5000, 5000})
	if cb.baseline != 4095 {
		t.Errorf("overrange samples gave baseline %d, want top bin 4095", cb.baseline)
	}
}

func TestBaselineNoData(t *testing.T) {
	cb := newChannelBaseline(12, 0)
	capture(cb, nil)
	if cb.baseline != -1 {
		t.Errorf("empty capture gave baseline %d, want -1", cb.baseline)
	}
	other := newChannelBaseline(12, 0)
	capture(other, flatTrace(100, 10))
	if cb.sameAs(other) || other.sameAs(cb) {
		t.Error("a no-data baseline must not compare equal to a measured one")
	}
	empty := newChannelBaseline(12, 0)
	if !cb.sameAs(empty) {
		t.Error("two no-data baselines compare equal")
	}
}

func TestBaselineTolerance(t *testing.T) {
	var cases = []struct {
		adcBits      int
		noisePercent float64
		a, b         int
		same         bool
	}{
		// 0.5% of a 12-bit range is 20 codes.
		{12, 0.5, 2048, 2068, true},
		{12, 0.5, 2048, 2069, false},
		{12, 0.5, 2048, 2028, true},
		{12, 0.5, 2048, 2027, false},
		// Without a noise figure the window is a single code.
		{12, 0, 2048, 2049, true},
		{12, 0, 2048, 2050, false},
		// 16-bit range scales the window.
		{16, 0.5, 30000, 30327, true},
		{16, 0.5, 30000, 30328, false},
	}
	for _, tc := range cases {
		cb := newChannelBaseline(tc.adcBits, tc.noisePercent)
		cb.baseline = tc.a
		other := newChannelBaseline(tc.adcBits, tc.noisePercent)
		other.baseline = tc.b
		if got := cb.sameAs(other); got != tc.same {
			t.Errorf("bits=%d noise=%g: sameAs(%d, %d) = %v, want %v",
				tc.adcBits, tc.noisePercent, tc.a, tc.b, got, tc.same)
		}
	}
}

func TestLinearFitRecoversLine(t *testing.T) {
	// Two exact points on baseline = 2*dac + 100.
	var fit linearFit
	fit.update(50, 200)
	fit.update(150, 400)
	if fit.count() != 2 {
		t.Fatalf("count = %d", fit.count())
	}
	fit.calc()
	if math.Abs(fit.k-2) > 1e-9 || math.Abs(fit.c-100) > 1e-9 {
		t.Fatalf("fit k=%g c=%g, want k=2 c=100", fit.k, fit.c)
	}
	dac, err := fit.x(500)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dac-200) > 1e-9 {
		t.Errorf("predicted dac %g for target 500, want 200", dac)
	}
	if y := fit.y(200); math.Abs(y-500) > 1e-9 {
		t.Errorf("y(200) = %g, want 500", y)
	}
}

func TestLinearFitFlatLine(t *testing.T) {
	var fit linearFit
	fit.update(0, 300)
	fit.update(100, 300)
	fit.calc()
	if _, err := fit.x(500); err == nil {
		t.Error("inverting a flat fit should fail")
	}
}

func TestADCTarget(t *testing.T) {
	if got := adcTarget(12, 10); got != 409 {
		t.Errorf("adcTarget(12, 10%%) = %d, want 409", got)
	}
	if got := adcTarget(16, 50); got != 32768 {
		t.Errorf("adcTarget(16, 50%%) = %d, want 32768", got)
	}
}
