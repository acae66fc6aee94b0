package crated

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunType selects which acquisition task a crate-wide run drives.
type RunType int

const (
	// ListRun streams triggered event records through the module FIFOs.
	ListRun RunType = iota
	// HistogramRun accumulates MCA spectra in module memory.
	HistogramRun
)

func (t RunType) String() string {
	switch t {
	case ListRun:
		return "list"
	case HistogramRun:
		return "histogram"
	}
	return fmt.Sprintf("RunType(%d)", int(t))
}

// RunSummary reports one finished run. Modules whose final statistics
// could not be read are absent from Stats.
type RunSummary struct {
	ID       string
	Type     RunType
	Started  time.Time
	Duration time.Duration
	Stats    map[int]RunStats // by module number
}

// RunController drives synchronized runs across a crate. While a run is
// active it holds a pinned handle to every participating module, so
// topology operations wait for Stop.
type RunController struct {
	crate *Crate

	mu      sync.Mutex
	id      ulid.ULID
	typ     RunType
	started time.Time
	leader  int
	handles []*ModuleHandle
}

func NewRunController(c *Crate) *RunController {
	return &RunController{crate: c, leader: -1}
}

// Active reports whether a run is in progress.
func (rc *RunController) Active() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.handles != nil
}

// RunID returns the identifier of the current or most recent run, or ""
// before the first run.
func (rc *RunController) RunID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.id == (ulid.ULID{}) {
		return ""
	}
	return rc.id.String()
}

// Started returns when the current or most recent run began.
func (rc *RunController) Started() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.started
}

// Start begins a run on every online module. Modules holding the
// backplane synch line arm first and the leader goes last, so its run
// enable releases the whole crate in one step; a NewRun also zeroes the
// waiters' InSynch flags so their timestamps restart together. The
// returned string is the run identifier.
func (rc *RunController) Start(typ RunType, mode RunMode) (string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.handles != nil {
		return "", crateError(ErrRunActiveAlready, "start run", "run %s still active", rc.id)
	}
	online := rc.crate.onlineModules()
	if len(online) == 0 {
		return "", crateError(ErrCrateNotReady, "start run", "no online modules")
	}
	bp := rc.crate.Backplane()
	if err := bp.Reinit(online); err != nil {
		return "", err
	}
	handles := make([]*ModuleHandle, 0, len(online))
	release := func() {
		for _, h := range handles {
			h.Release()
		}
	}
	for _, m := range online {
		h, err := rc.crate.Module(m.Number, CheckOnline)
		if err != nil {
			release()
			return "", err
		}
		handles = append(handles, h)
	}
	leader := bp.Leader()
	if mode == NewRun {
		for _, n := range bp.SyncWaiters() {
			h := findHandle(handles, n)
			if h == nil {
				continue
			}
			if err := h.WriteVar("InSynch", 0, 0, true); err != nil {
				release()
				return "", err
			}
		}
	}
	id := ulid.Make()
	var started []*ModuleHandle
	var err error
	for _, h := range startOrder(handles, leader) {
		if typ == ListRun {
			err = h.StartListMode(mode)
		} else {
			err = h.StartHistograms(mode)
		}
		if err != nil {
			break
		}
		started = append(started, h)
	}
	if err != nil {
		for i := len(started) - 1; i >= 0; i-- {
			if e := started[i].RunEnd(); e != nil {
				log.Printf("run %s: unwind stop %s: %v", id, started[i].label(), e)
			}
		}
		release()
		return "", err
	}
	rc.id = id
	rc.typ = typ
	rc.started = time.Now()
	rc.leader = leader
	rc.handles = handles
	log.Printf("run %s: %s run started on %d modules, leader %d", id, typ, len(handles), leader)
	return id.String(), nil
}

// Stop ends the run, leader first so the synch line halts the crate
// together, then collects final statistics from every module. Stopping
// carries on past per-module failures; the first failure comes back
// alongside whatever summary was assembled.
func (rc *RunController) Stop() (*RunSummary, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.handles == nil {
		return nil, crateError(ErrCrateNotReady, "stop run", "no run active")
	}
	var firstErr error
	for _, h := range stopOrder(rc.handles, rc.leader) {
		if err := h.RunEnd(); err != nil {
			log.Printf("run %s: stop %s: %v", rc.id, h.label(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	sum := &RunSummary{
		ID:       rc.id.String(),
		Type:     rc.typ,
		Started:  rc.started,
		Duration: time.Since(rc.started),
		Stats:    make(map[int]RunStats, len(rc.handles)),
	}
	for _, h := range rc.handles {
		s, err := h.ReadStats()
		if err != nil {
			log.Printf("run %s: stats %s: %v", rc.id, h.label(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sum.Stats[h.Number] = s
	}
	for _, h := range rc.handles {
		h.Release()
	}
	rc.handles = nil
	log.Printf("run %s: stopped after %v", sum.ID, sum.Duration)
	return sum, firstErr
}

func findHandle(handles []*ModuleHandle, number int) *ModuleHandle {
	for _, h := range handles {
		if h.Number == number {
			return h
		}
	}
	return nil
}

// startOrder arms everything else before the leader.
func startOrder(handles []*ModuleHandle, leader int) []*ModuleHandle {
	sorted := append([]*ModuleHandle(nil), handles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	out := make([]*ModuleHandle, 0, len(sorted))
	var last *ModuleHandle
	for _, h := range sorted {
		if h.Number == leader {
			last = h
			continue
		}
		out = append(out, h)
	}
	if last != nil {
		out = append(out, last)
	}
	return out
}

// stopOrder is startOrder reversed: leader first, then the rest
// descending.
func stopOrder(handles []*ModuleHandle, leader int) []*ModuleHandle {
	fwd := startOrder(handles, leader)
	out := make([]*ModuleHandle, 0, len(fwd))
	for i := len(fwd) - 1; i >= 0; i-- {
		out = append(out, fwd[i])
	}
	return out
}
