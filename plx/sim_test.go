package plx

import (
	"errors"
	"testing"
)

func TestSimBusOpen(t *testing.T) {
	bus := NewSimBus(
		SimDef{DeviceNumber: 0},
		SimDef{DeviceNumber: 1, OpenFailure: true},
	)
	dev, info, err := bus.Open(0)
	if err != nil {
		t.Fatalf("Open(0) failed: %v", err)
	}
	if info.Slot != 2 || info.Revision != RevH || info.NumChannels != MaxChannels {
		t.Errorf("default Info wrong: %+v", info)
	}
	if _, _, err := bus.Open(0); err == nil {
		t.Errorf("Open(0) twice should fail while the device is held")
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, _, err := bus.Open(0); err != nil {
		t.Errorf("Open(0) after Close should succeed, got %v", err)
	}
	if _, _, err := bus.Open(1); err == nil {
		t.Errorf("Open(1) should report the simulated open failure")
	}
	if _, _, err := bus.Open(7); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Open(7) should return ErrNoDevice, got %v", err)
	}
}

func TestSimInfoDaughterBoards(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, DBKind: "DB04"})
	_, info, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	for ch, ci := range info.Channels {
		if ci.Fixture != "DB04" {
			t.Fatalf("channel %d fixture = %q, want DB04", ch, ci.Fixture)
		}
		if ci.DB != ch/8 || ci.DBChannel != ch%8 {
			t.Errorf("channel %d mapped to db %d offset %d", ch, ci.DB, ci.DBChannel)
		}
	}
}

func TestSimOffsetDACBaseline(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0})
	devIface, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*SimDevice)
	spec, _ := lookupVar("OffsetDAC")
	var codeTests = []struct {
		dac  uint32
		code int
	}{
		{0, 4095},
		{32768, 2047},
		{65535, 0},
	}
	for _, tc := range codeTests {
		if err := dev.WriteWord(varAddr(spec, 3), tc.dac); err != nil {
			t.Fatal(err)
		}
		if got := dev.baselineCodeLocked(3); got != tc.code {
			t.Errorf("dac %d: baseline code %d, want %d", tc.dac, got, tc.code)
		}
	}
}

// The serial DAC command carries the board swizzle; every channel of a
// daughter board must land on its own DAC.
func TestSimCfgDACDecode(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, DBKind: "DB04"})
	devIface, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*SimDevice)
	swizzle := [4]uint32{1, 2, 0, 3}
	const db = 2
	for offset := 0; offset < 8; offset++ {
		var half uint32
		if offset < 4 {
			half = 1
		}
		dacAddr := uint32(0x20) | half<<1
		dacCtrl := 0x30 + swizzle[offset%4]
		value := uint32(100*offset + 7)
		if err := dev.WriteWord(RegPortSelect, db+1); err != nil {
			t.Fatal(err)
		}
		if err := dev.WriteWord(RegCfgDAC, dacAddr<<24|dacCtrl<<16|value); err != nil {
			t.Fatal(err)
		}
		ch := db*8 + offset
		if got := dev.OffsetDAC(ch); got != value {
			t.Errorf("offset %d: channel %d DAC = %d, want %d", offset, ch, got, value)
		}
	}
}

func TestSimCrossedPairs(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, DBKind: "DB04", CrossedPairs: []int{0}})
	devIface, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*SimDevice)
	offsetDAC, _ := lookupVar("OffsetDAC")
	// Drive channel 0 to one rail and channel 1 to the other. With the
	// pair crossed, each channel reads its partner's level.
	dev.WriteWord(varAddr(offsetDAC, 0), 0)
	dev.WriteWord(varAddr(offsetDAC, 1), 65535)
	if got := dev.baselineCodeLocked(0); got != 0 {
		t.Errorf("crossed channel 0 baseline = %d, want partner level 0", got)
	}
	if got := dev.baselineCodeLocked(1); got != 4095 {
		t.Errorf("crossed channel 1 baseline = %d, want partner level 4095", got)
	}
	// Correcting the pair through AdcCtrl restores straight routing.
	adcCtrl, _ := lookupVar("AdcCtrl")
	dev.WriteWord(varAddr(adcCtrl, 0), 1) // db 0, pair bit 0
	if dev.Crossed(0) {
		t.Errorf("pair 0 still crossed after AdcCtrl write")
	}
	if got := dev.baselineCodeLocked(0); got != 4095 {
		t.Errorf("straight channel 0 baseline = %d, want 4095", got)
	}
	// A FIPPI reload wipes the correction.
	dev.WriteWord(RegCfgCtrl, CfgTargetFippi|CfgInit)
	if !dev.Crossed(0) {
		t.Errorf("pair 0 should revert to crossed after FIPPI reload")
	}
}

func TestSimGetTraces(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, DBKind: "DB04"})
	devIface, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*SimDevice)
	offsetDAC, _ := lookupVar("OffsetDAC")
	userIn, _ := lookupVar("UserIn")
	controlTask, _ := lookupVar("ControlTask")
	dev.WriteWord(varAddr(offsetDAC, 9), 32768) // code 2047
	dev.WriteWord(varAddr(userIn, 0), 1)        // db 1
	dev.WriteWord(varAddr(userIn, 1), 1)        // offset 1 -> channel 9
	dev.WriteWord(varAddr(controlTask, 0), 3)
	dev.WriteWord(RegCSR, CSRRunEnable)

	words, err := dev.DMARead(TraceAddr(9), 8)
	if err != nil {
		t.Fatal(err)
	}
	if words[0] != 2047 || words[1] != 2048 {
		t.Errorf("trace words = %v, want 2047/2048 ripple", words[:2])
	}
	packed, err := dev.DMARead(IOBufBase, 4)
	if err != nil {
		t.Fatal(err)
	}
	samples := UnpackSamples(packed, 8)
	if samples[0] != 2047 || samples[1] != 2048 {
		t.Errorf("IO buffer samples = %v, want the channel 9 trace", samples[:2])
	}
}

func TestSimRunLifecycle(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, FIFOFillWords: 100})
	devIface, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*SimDevice)
	runTask, _ := lookupVar("RunTask")
	dev.WriteWord(varAddr(runTask, 0), 0x100)
	dev.WriteWord(RegCSR, CSRRunEnable)

	if csr, _ := dev.ReadWord(RegCSR); csr&CSRRunActive == 0 {
		t.Fatalf("run should be active after the enable write")
	}
	if occ, _ := dev.ReadWord(RegFIFOStatus); occ != 100 {
		t.Errorf("first occupancy poll = %d, want 100", occ)
	}
	if occ, _ := dev.ReadWord(RegFIFOStatus); occ != 200 {
		t.Errorf("second occupancy poll = %d, want 200", occ)
	}
	words, err := dev.DMARead(FIFOBase, 150)
	if err != nil {
		t.Fatal(err)
	}
	if words[0]>>24 != 2 {
		t.Errorf("FIFO word slot tag = %d, want 2", words[0]>>24)
	}
	if dev.FIFOPending() != 50 {
		t.Errorf("pending after drain = %d, want 50", dev.FIFOPending())
	}

	// The stop propagates after two more status polls.
	dev.WriteWord(RegCSR, 0)
	for i := 0; i < 2; i++ {
		if csr, _ := dev.ReadWord(RegCSR); csr&CSRRunActive == 0 {
			t.Fatalf("poll %d should still report active", i+1)
		}
	}
	if csr, _ := dev.ReadWord(RegCSR); csr&CSRRunActive != 0 {
		t.Errorf("run still active after the stop propagated")
	}
	if v, _ := dev.ReadWord(varAddr(mustVar(t, "NumEventsB"), 0)); v == 0 {
		t.Errorf("run statistics were not latched on stop")
	}
}

func TestSimHungControlTask(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, HangControlTask: true})
	devIface, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*SimDevice)
	controlTask, _ := lookupVar("ControlTask")
	dev.WriteWord(varAddr(controlTask, 0), 3)
	dev.WriteWord(RegCSR, CSRRunEnable)
	for i := 0; i < 20; i++ {
		if csr, _ := dev.ReadWord(RegCSR); csr&CSRRunActive == 0 {
			t.Fatalf("hung control task reported done on poll %d", i)
		}
	}
}

func TestSimBootStrobes(t *testing.T) {
	bus := NewSimBus(SimDef{DeviceNumber: 0, BootFailure: "fippi"})
	dev, _, err := bus.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	load := func(target uint32) {
		dev.WriteWord(RegCfgCtrl, target|CfgInit)
		dev.WriteWord(RegCfgData, 0xdeadbeef)
		dev.WriteWord(RegCfgCtrl, target|CfgDone)
	}
	load(CfgTargetComms)
	load(CfgTargetFippi)
	load(CfgTargetDSP)
	status, _ := dev.ReadWord(RegBootStatus)
	if status&BootComms == 0 || status&BootDSP == 0 {
		t.Errorf("comms and dsp should be loaded, status = %#x", status)
	}
	if status&BootFippi != 0 {
		t.Errorf("fippi load should have failed, status = %#x", status)
	}
}

func TestPackUnpackSamples(t *testing.T) {
	samples := []uint16{1, 2, 3, 4, 5}
	words := PackSamples(samples)
	if len(words) != 3 {
		t.Fatalf("packed %d words, want 3", len(words))
	}
	if words[0] != 1|2<<16 || words[2] != 5 {
		t.Errorf("packed words = %v", words)
	}
	back := UnpackSamples(words, 5)
	for i, s := range samples {
		if back[i] != s {
			t.Errorf("sample %d round-tripped to %d", s, back[i])
		}
	}
}

// EnumerateDevices must come back empty, not fail, on machines without the
// kernel driver.
func TestEnumerateNoHardware(t *testing.T) {
	devices, err := EnumerateDevices()
	if err != nil {
		t.Fatalf("EnumerateDevices failed: %v", err)
	}
	for _, id := range devices {
		t.Logf("found real plx device %d", id)
	}
}

func mustVar(t *testing.T, name string) VarSpec {
	t.Helper()
	spec, ok := lookupVar(name)
	if !ok {
		t.Fatalf("variable %s missing from the layout", name)
	}
	return spec
}
