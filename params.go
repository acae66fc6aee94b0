package crated

import "github.com/spectrumdaq/crated/plx"

// varEntry is one DSP variable with its host-side value cache and dirty
// flags, one flag per cached word.
type varEntry struct {
	spec   plx.VarSpec
	values []uint32
	dirty  []bool
}

// addr returns the hardware byte address of entry word idx.
func (e *varEntry) addr(idx int) uint32 {
	return e.spec.Addr + 4*uint32(idx)
}

// paramTable caches every DSP variable of one module. Cache-only writes
// mark words dirty; a sync pushes dirty words to hardware in layout order,
// module variables before channel variables.
type paramTable struct {
	entries []*varEntry
	byName  map[string]*varEntry
	nchan   int
}

func newParamTable(layout []plx.VarSpec, nchan int) *paramTable {
	t := &paramTable{byName: make(map[string]*varEntry), nchan: nchan}
	for _, spec := range layout {
		n := spec.Length
		if spec.PerChannel {
			n = nchan
		}
		e := &varEntry{spec: spec, values: make([]uint32, n), dirty: make([]bool, n)}
		for i := range e.values {
			e.values[i] = spec.Default
		}
		t.entries = append(t.entries, e)
		t.byName[spec.Name] = e
	}
	return t
}

func (t *paramTable) lookup(name string) (*varEntry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// moduleVars returns the non-channel entries in layout order.
func (t *paramTable) moduleVars() []*varEntry {
	var out []*varEntry
	for _, e := range t.entries {
		if !e.spec.PerChannel {
			out = append(out, e)
		}
	}
	return out
}

// channelVars returns the per-channel entries in layout order.
func (t *paramTable) channelVars() []*varEntry {
	var out []*varEntry
	for _, e := range t.entries {
		if e.spec.PerChannel {
			out = append(out, e)
		}
	}
	return out
}
