package crated

import (
	"strings"
	"testing"
	"time"

	"github.com/spectrumdaq/crated/plx"
)

func TestRunControllerLifecycle(t *testing.T) {
	c, _ := bootedCrate(t,
		plx.SimDef{DeviceNumber: 0},
		plx.SimDef{DeviceNumber: 1},
	)
	rc := NewRunController(c)
	if rc.Active() {
		t.Fatal("active before any run")
	}
	if rc.RunID() != "" {
		t.Fatalf("RunID = %q before any run", rc.RunID())
	}

	id, err := rc.Start(HistogramRun, NewRun)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" || rc.RunID() != id {
		t.Errorf("run id %q, controller reports %q", id, rc.RunID())
	}
	if !rc.Active() {
		t.Error("not active with a run started")
	}
	if _, err := rc.Start(HistogramRun, NewRun); !IsKind(err, ErrRunActiveAlready) {
		t.Errorf("second start: %v, want ErrRunActiveAlready", err)
	}

	// The run pins every participant, which blocks topology changes.
	if c.Users() != 2 {
		t.Errorf("users = %d during the run, want 2", c.Users())
	}
	if err := c.Boot(BootOptions{}); !IsKind(err, ErrCrateNotReady) {
		t.Errorf("boot during a run: %v, want ErrCrateNotReady", err)
	}

	sum, err := rc.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.ID != id || sum.Type != HistogramRun {
		t.Errorf("summary id %q type %v, want %q %v", sum.ID, sum.Type, id, HistogramRun)
	}
	if len(sum.Stats) != 2 {
		t.Errorf("summary has stats for %d modules, want 2", len(sum.Stats))
	}
	if rc.Active() || c.Users() != 0 {
		t.Errorf("active=%v users=%d after stop", rc.Active(), c.Users())
	}
	if _, err := rc.Stop(); !IsKind(err, ErrCrateNotReady) {
		t.Errorf("second stop: %v, want ErrCrateNotReady", err)
	}
}

func TestRunStartNeedsOnlineModules(t *testing.T) {
	c, _ := newSimCrate(t, plx.SimDef{DeviceNumber: 0})
	rc := NewRunController(c)
	if _, err := rc.Start(ListRun, NewRun); !IsKind(err, ErrCrateNotReady) {
		t.Fatalf("start on an unbooted crate: %v, want ErrCrateNotReady", err)
	}
}

func TestRunSynchronizedStart(t *testing.T) {
	c, bus := bootedCrate(t,
		plx.SimDef{DeviceNumber: 0},
		plx.SimDef{DeviceNumber: 1},
	)
	h, err := c.Module(1, CheckOnline)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteVar("SynchWait", 1, 0, true); err != nil {
		t.Fatal(err)
	}
	h.Release()

	rc := NewRunController(c)
	if _, err := rc.Start(ListRun, NewRun); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bp := c.Backplane()
	if bp.Leader() != 1 {
		t.Errorf("leader = %d, want 1", bp.Leader())
	}
	if w := bp.SyncWaiters(); len(w) != 1 || w[0] != 1 {
		t.Errorf("sync waiters = %v, want [1]", w)
	}

	// A new run zeroes the waiters' InSynch flags so their timestamps
	// restart together; non-waiters keep theirs.
	inSynch := varSpec(t, "InSynch").Addr
	d0 := simDevice(t, bus, 0)
	d1 := simDevice(t, bus, 1)
	if v, _ := d1.ReadWord(inSynch); v != 0 {
		t.Errorf("waiter InSynch = %d after a new run, want 0", v)
	}
	if v, _ := d0.ReadWord(inSynch); v != 1 {
		t.Errorf("non-waiter InSynch = %d, want 1 untouched", v)
	}
	if _, err := rc.Stop(); err != nil {
		t.Fatal(err)
	}

	// Resuming must not rewind anyone's synchronization state.
	h, err = c.Module(1, CheckOnline)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteVar("InSynch", 1, 0, true); err != nil {
		t.Fatal(err)
	}
	h.Release()
	if _, err := rc.Start(ListRun, ResumeRun); err != nil {
		t.Fatal(err)
	}
	if v, _ := d1.ReadWord(inSynch); v != 1 {
		t.Errorf("waiter InSynch = %d on a resumed run, want 1", v)
	}
	if _, err := rc.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestRunStartUnwindsOnFailure(t *testing.T) {
	c, bus := bootedCrate(t,
		plx.SimDef{DeviceNumber: 0},
		plx.SimDef{DeviceNumber: 1},
	)
	// A run already active on one module makes the crate-wide start fail
	// after the earlier modules have armed.
	h, err := c.Module(1, CheckOnline)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.StartListMode(NewRun); err != nil {
		t.Fatal(err)
	}

	rc := NewRunController(c)
	if _, err := rc.Start(ListRun, NewRun); !IsKind(err, ErrRunActiveAlready) {
		t.Fatalf("start over a busy module: %v, want ErrRunActiveAlready", err)
	}
	if rc.Active() {
		t.Error("controller active after a failed start")
	}
	if c.Users() != 1 {
		t.Errorf("users = %d after a failed start, want only the test's handle", c.Users())
	}
	d0 := simDevice(t, bus, 0)
	waitFor(t, 5*time.Second, func() bool {
		csr, err := d0.ReadWord(plx.RegCSR)
		return err == nil && csr&plx.CSRRunActive == 0
	}, "module 0 still armed after the unwind")

	if err := h.RunEnd(); err != nil {
		t.Fatal(err)
	}
	h.Release()

	// With the stray run gone the controller works again.
	if _, err := rc.Start(HistogramRun, NewRun); err != nil {
		t.Fatalf("start after cleanup: %v", err)
	}
	if _, err := rc.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestRunStopHardwareTimeout(t *testing.T) {
	bus := plx.NewSimBus(plx.SimDef{DeviceNumber: 0, HoldRunActive: 1000})
	c := NewCrate(CrateConfig{
		Bus:  bus,
		FIFO: FIFOConfig{RunWait: time.Millisecond, IdleWait: 10 * time.Millisecond},
	})
	t.Cleanup(func() { c.Shutdown() })
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := c.Boot(BootOptions{}); err != nil {
		t.Fatal(err)
	}
	rc := NewRunController(c)
	if _, err := rc.Start(ListRun, NewRun); err != nil {
		t.Fatal(err)
	}
	sum, err := rc.Stop()
	if !IsKind(err, ErrHardwareTimeout) {
		t.Fatalf("stop on stuck hardware: %v, want ErrHardwareTimeout", err)
	}
	if sum == nil || len(sum.Stats) != 1 {
		t.Fatalf("summary %+v, want one despite the failure", sum)
	}
	if rc.Active() || c.Users() != 0 {
		t.Errorf("active=%v users=%d after a failed stop", rc.Active(), c.Users())
	}
}

func TestRunTypeString(t *testing.T) {
	if s := ListRun.String(); s != "list" {
		t.Errorf("ListRun = %q", s)
	}
	if s := HistogramRun.String(); s != "histogram" {
		t.Errorf("HistogramRun = %q", s)
	}
	if s := RunType(9).String(); !strings.Contains(s, "9") {
		t.Errorf("unknown run type = %q", s)
	}
}
