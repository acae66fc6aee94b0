package crated

import (
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spectrumdaq/crated/plx"
)

func newControl(t *testing.T, defs ...plx.SimDef) (*CrateControl, *Crate, *plx.SimBus) {
	t.Helper()
	c, bus := bootedCrate(t, defs...)
	cc := NewCrateControl(c, NewRunController(c), nil, nil)
	return cc, c, bus
}

func TestBootPatternTable(t *testing.T) {
	cases := []struct {
		parts []string
		want  BootPattern
	}{
		{nil, BootAll},
		{[]string{"comms"}, BootComms},
		{[]string{"fippi"}, BootFippi},
		{[]string{"dsp"}, BootDSP},
		{[]string{"COMMS", "Dsp"}, BootComms | BootDSP},
	}
	for _, tc := range cases {
		got, err := (&BootArgs{Parts: tc.parts}).pattern()
		if err != nil {
			t.Errorf("pattern(%v): %v", tc.parts, err)
		}
		if got != tc.want {
			t.Errorf("pattern(%v) = %#x, want %#x", tc.parts, got, tc.want)
		}
	}
	if _, err := (&BootArgs{Parts: []string{"warp"}}).pattern(); err == nil ||
		!strings.Contains(err.Error(), "not recognized") {
		t.Errorf("pattern(warp): %v, want rejection", err)
	}
}

func TestRPCInitializeBootCycle(t *testing.T) {
	clk := autoClock(t)
	bus := plx.NewSimBus(plx.SimDef{}, plx.SimDef{DeviceNumber: 1})
	c := NewCrate(CrateConfig{Bus: bus, Clock: clk})
	t.Cleanup(func() { c.Shutdown() })
	cc := NewCrateControl(c, NewRunController(c), nil, nil)

	dummy := ""
	var ok bool
	if err := cc.Initialize(&dummy, &ok); err != nil || !ok {
		t.Fatalf("Initialize: %v (reply %v)", err, ok)
	}
	if c.NumModules() != 2 {
		t.Fatalf("NumModules = %d, want 2", c.NumModules())
	}
	ok = false
	if err := cc.Initialize(&dummy, &ok); !IsKind(err, ErrCrateAlreadyOpen) {
		t.Errorf("second Initialize: %v, want ErrCrateAlreadyOpen", err)
	}
	if ok {
		t.Error("reply true after refused initialize")
	}

	// A bad part name is rejected before any hardware is touched.
	if err := cc.Boot(&BootArgs{Parts: []string{"flux"}}, &ok); err == nil ||
		!strings.Contains(err.Error(), "not recognized") {
		t.Errorf("Boot(flux): %v, want rejection", err)
	}
	if _, err := c.Module(0, CheckOnline); !IsKind(err, ErrModuleOffline) {
		t.Errorf("module 0 after refused boot: %v, want still offline", err)
	}

	if err := cc.Boot(&BootArgs{}, &ok); err != nil || !ok {
		t.Fatalf("Boot: %v (reply %v)", err, ok)
	}
	h, err := c.Module(0, CheckOnline)
	if err != nil {
		t.Fatalf("module 0 after boot: %v", err)
	}
	h.Release()
	if err := cc.InitializeAFE(&dummy, &ok); err != nil || !ok {
		t.Fatalf("InitializeAFE: %v (reply %v)", err, ok)
	}

	// Module selection and the force flag ride through to the crate.
	if err := cc.Boot(&BootArgs{Modules: []int{1}, Force: true}, &ok); err != nil || !ok {
		t.Fatalf("subset Boot: %v (reply %v)", err, ok)
	}
	ok = true
	if err := cc.Boot(&BootArgs{Modules: []int{9}}, &ok); !IsKind(err, ErrModuleNumberInvalid) {
		t.Errorf("Boot of a bad number: %v, want ErrModuleNumberInvalid", err)
	}
	if ok {
		t.Error("reply true after refused subset boot")
	}

	var rep string
	if err := cc.CrateReport(&dummy, &rep); err != nil {
		t.Fatalf("CrateReport: %v", err)
	}
	if !strings.HasPrefix(rep, "crate: ready true, 2 modules") {
		t.Errorf("report %q", rep)
	}

	var bi BuildInfo
	if err := cc.Version(&dummy, &bi); err != nil {
		t.Fatalf("Version: %v", err)
	}
	if bi.Version != Build.Version {
		t.Errorf("version %q, want %q", bi.Version, Build.Version)
	}

	ok = false
	if err := cc.SendAllStatus(&dummy, &ok); err != nil || !ok {
		t.Errorf("SendAllStatus: %v (reply %v)", err, ok)
	}
}

func TestRPCSettingsFiles(t *testing.T) {
	cc, _, _ := newControl(t, plx.SimDef{NumChannels: 8, DBKind: "DB04"})
	dir := t.TempDir()
	path := filepath.Join(dir, "crate.json")

	var ok bool
	if err := cc.SaveSettings(&path, &ok); err != nil || !ok {
		t.Fatalf("SaveSettings: %v (reply %v)", err, ok)
	}
	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 {
		t.Fatalf("settings file: %v (%v)", err, st)
	}
	if err := cc.LoadSettings(&path, &ok); err != nil || !ok {
		t.Fatalf("LoadSettings: %v (reply %v)", err, ok)
	}

	missing := filepath.Join(dir, "absent.json")
	ok = true
	if err := cc.LoadSettings(&missing, &ok); err == nil {
		t.Error("LoadSettings of a missing file succeeded")
	}
	if ok {
		t.Error("reply true after failed load")
	}
}

func TestRPCRunCycleWithListFiles(t *testing.T) {
	clk := autoClock(t)
	bus := plx.NewSimBus(
		plx.SimDef{FIFOFillWords: 256},
		plx.SimDef{DeviceNumber: 1, FIFOFillWords: 256},
	)
	c := NewCrate(CrateConfig{
		Bus:   bus,
		Clock: clk,
		FIFO:  FIFOConfig{Buffers: 16, DMATrigger: 64},
	})
	t.Cleanup(func() { c.Shutdown() })
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := c.Boot(BootOptions{}); err != nil {
		t.Fatal(err)
	}
	rc := NewRunController(c)
	cc := NewCrateControl(c, rc, nil, nil)
	dir := t.TempDir()

	var id string
	if err := cc.StartRun(&StartRunArgs{Type: "warp"}, &id); err == nil ||
		!strings.Contains(err.Error(), "not recognized") {
		t.Fatalf("StartRun(warp): %v, want rejection", err)
	}
	if rc.Active() {
		t.Fatal("run active after refused start")
	}

	args := &StartRunArgs{Type: "list", Directory: dir, Intention: "sink check"}
	if err := cc.StartRun(args, &id); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id == "" || rc.RunID() != id {
		t.Fatalf("run id %q, controller says %q", id, rc.RunID())
	}
	if err := cc.StartRun(args, new(string)); !IsKind(err, ErrRunActiveAlready) {
		t.Errorf("second StartRun: %v, want ErrRunActiveAlready", err)
	}

	for n := 0; n < 2; n++ {
		h, err := c.Module(n, CheckNone)
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, 5*time.Second, func() bool { return h.FIFOStats().Words > 0 },
			fmt.Sprintf("module %d never drained", n))
		h.Release()
	}

	dummy := ""
	var sum RunSummary
	if err := cc.StopRun(&dummy, &sum); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if sum.ID != id || sum.Type != ListRun {
		t.Errorf("summary %q type %v, want %q type list", sum.ID, sum.Type, id)
	}
	if len(sum.Stats) != 2 {
		t.Errorf("summary has %d module stats, want 2", len(sum.Stats))
	}
	if rc.Active() || c.Users() != 0 {
		t.Errorf("after stop: active %v, %d users", rc.Active(), c.Users())
	}

	for n := 0; n < 2; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_mod%d.npy", id, n))
		descr, items, data := readNPY(t, path)
		if descr != "<u4" {
			t.Errorf("module %d dtype %q, want <u4", n, descr)
		}
		if items == 0 {
			t.Errorf("module %d file holds no events", n)
		}
		if len(data) != 4*items {
			t.Errorf("module %d payload %d bytes for %d items", n, len(data), items)
		}
	}

	if err := cc.StopRun(&dummy, &sum); !IsKind(err, ErrCrateNotReady) {
		t.Errorf("StopRun with no run: %v, want ErrCrateNotReady", err)
	}
}

func TestRPCHistogramRunAndStats(t *testing.T) {
	cc, _, bus := newControl(t, plx.SimDef{}, plx.SimDef{DeviceNumber: 1})

	var id string
	if err := cc.StartRun(&StartRunArgs{Type: "mca"}, &id); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	d := simDevice(t, bus, 0)
	before := d.FIFOStatusReads()
	waitFor(t, 5*time.Second, func() bool { return d.FIFOStatusReads() > before+3 },
		"histogram run never polled")

	n := 0
	var rs RunStats
	if err := cc.ModuleStats(&n, &rs); err != nil {
		t.Fatalf("ModuleStats: %v", err)
	}
	if len(rs.LiveTime) == 0 {
		t.Error("stats carry no per-channel live time")
	}
	bad := 9
	if err := cc.ModuleStats(&bad, &rs); !IsKind(err, ErrModuleNumberInvalid) {
		t.Errorf("ModuleStats(9): %v, want ErrModuleNumberInvalid", err)
	}

	dummy := ""
	var sum RunSummary
	if err := cc.StopRun(&dummy, &sum); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if sum.Type != HistogramRun {
		t.Errorf("summary type %v, want histogram", sum.Type)
	}
	if sum.Duration <= 0 {
		t.Errorf("summary duration %v", sum.Duration)
	}
}

func TestRPCVoltageAndOffsets(t *testing.T) {
	cc, c, bus := newControl(t, plx.SimDef{NumChannels: 8, DBKind: "DB04"})

	var ok bool
	if err := cc.SetVoltageOffset(&VoltageOffsetArgs{Module: 0, Channel: 2, Volts: 0.25}, &ok); err != nil || !ok {
		t.Fatalf("SetVoltageOffset: %v (reply %v)", err, ok)
	}
	h, err := c.Module(0, CheckOnline)
	if err != nil {
		t.Fatal(err)
	}
	cached, err := h.ReadVar("OffsetDAC", 2, false)
	h.Release()
	if err != nil {
		t.Fatal(err)
	}
	if want := uint32(voffsetToDAC(0.25)); cached != want {
		t.Errorf("cached DAC %d, want %d", cached, want)
	}

	if err := cc.SetVoltageOffset(&VoltageOffsetArgs{Module: 0, Channel: 2, Volts: 5}, &ok); !IsKind(err, ErrInvalidValue) {
		t.Errorf("5 V offset: %v, want ErrInvalidValue", err)
	}
	if err := cc.SetVoltageOffset(&VoltageOffsetArgs{Module: 7, Channel: 0, Volts: 0}, &ok); !IsKind(err, ErrModuleNumberInvalid) {
		t.Errorf("module 7: %v, want ErrModuleNumberInvalid", err)
	}
	if err := cc.SetVoltageOffset(&VoltageOffsetArgs{Module: 0, Channel: 99, Volts: 0}, &ok); !IsKind(err, ErrInvalidParameter) {
		t.Errorf("channel 99: %v, want ErrInvalidParameter", err)
	}

	zero := 0
	ok = false
	if err := cc.AdjustOffsets(&zero, &ok); err != nil || !ok {
		t.Fatalf("AdjustOffsets: %v (reply %v)", err, ok)
	}
	d := simDevice(t, bus, 0)
	target := adcTarget(12, 10)
	tol := (1 << 12) * 5 / 1000
	for ch := 0; ch < 8; ch++ {
		code := int((65535 - d.OffsetDAC(ch)) >> 4)
		if code < target-tol || code > target+tol {
			t.Errorf("channel %d settled at code %d, want %d within %d", ch, code, target, tol)
		}
	}
	bad := 9
	if err := cc.AdjustOffsets(&bad, &ok); !IsKind(err, ErrModuleNumberInvalid) {
		t.Errorf("AdjustOffsets(9): %v, want ErrModuleNumberInvalid", err)
	}
}

func TestRPCSaveFiles(t *testing.T) {
	cc, _, _ := newControl(t, plx.SimDef{NumChannels: 4, DBKind: "DB04"})
	dir := t.TempDir()

	var ok bool
	hp := filepath.Join(dir, "spectra.npy")
	if err := cc.SaveHistograms(&SaveFileArgs{Module: 0, Path: hp}, &ok); err != nil || !ok {
		t.Fatalf("SaveHistograms: %v (reply %v)", err, ok)
	}
	descr, rows, _ := readNPY(t, hp)
	if descr != "<f8" || rows != 4 {
		t.Errorf("spectra file %q rows %d, want <f8 with 4 rows", descr, rows)
	}

	tp := filepath.Join(dir, "traces.npy")
	if err := cc.SaveTraces(&SaveFileArgs{Module: 0, Path: tp}, &ok); err != nil || !ok {
		t.Fatalf("SaveTraces: %v (reply %v)", err, ok)
	}
	descr, rows, data := readNPY(t, tp)
	if descr != "<f8" || rows != 4 {
		t.Errorf("trace file %q rows %d, want <f8 with 4 rows", descr, rows)
	}
	if len(data) != 8*4*plx.MaxADCTraceLength {
		t.Errorf("trace payload %d bytes", len(data))
	}

	if err := cc.SaveHistograms(&SaveFileArgs{Module: 3, Path: hp}, &ok); !IsKind(err, ErrModuleNumberInvalid) {
		t.Errorf("SaveHistograms(3): %v, want ErrModuleNumberInvalid", err)
	}
}

func wireClient(t *testing.T, port int) *rpc.Client {
	t.Helper()
	addr := fmt.Sprintf("localhost:%d", port)
	wait := 10 * time.Millisecond
	for tries := 0; ; tries++ {
		client, err := jsonrpc.Dial("tcp", addr)
		if err == nil {
			return client
		}
		if tries >= 5 {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(wait)
		wait *= 2
	}
}

func TestRPCServerWire(t *testing.T) {
	clk := autoClock(t)
	bus := plx.NewSimBus(plx.SimDef{})
	c := NewCrate(CrateConfig{Bus: bus, Clock: clk})
	t.Cleanup(func() { c.Shutdown() })
	cc := NewCrateControl(c, NewRunController(c), nil, nil)

	const port = 34417
	go RunRPCServer(cc, port)
	client := wireClient(t, port)
	defer client.Close()

	var bi BuildInfo
	if err := client.Call("CrateControl.Version", "", &bi); err != nil {
		t.Fatalf("Version over the wire: %v", err)
	}
	if bi.Version != Build.Version {
		t.Errorf("version %q, want %q", bi.Version, Build.Version)
	}

	var ok bool
	if err := client.Call("CrateControl.Initialize", "", &ok); err != nil || !ok {
		t.Fatalf("Initialize over the wire: %v (reply %v)", err, ok)
	}
	if err := client.Call("CrateControl.Boot", &BootArgs{}, &ok); err != nil || !ok {
		t.Fatalf("Boot over the wire: %v (reply %v)", err, ok)
	}

	var rep string
	if err := client.Call("CrateControl.CrateReport", "", &rep); err != nil {
		t.Fatalf("CrateReport over the wire: %v", err)
	}
	if !strings.Contains(rep, "1 modules") {
		t.Errorf("report %q", rep)
	}

	err := client.Call("CrateControl.StartRun", &StartRunArgs{Type: "spin"}, new(string))
	if err == nil || !strings.Contains(err.Error(), "not recognized") {
		t.Errorf("StartRun(spin) over the wire: %v, want rejection", err)
	}

	if err := client.Call("CrateControl.SendAllStatus", "", &ok); err != nil || !ok {
		t.Errorf("SendAllStatus over the wire: %v (reply %v)", err, ok)
	}
}
