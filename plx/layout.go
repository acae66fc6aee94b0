package plx

// VarSpec describes one DSP parameter: where it lives in DSP memory, how
// many words one entry occupies, and whether the host may write it.
// Per-channel variables occupy MaxChannels consecutive words, one per
// channel, regardless of how many channels the module actually has.
type VarSpec struct {
	Name       string
	Addr       uint32 // byte address in DSP parameter memory
	Length     int    // words per entry; > 1 only for array variables
	PerChannel bool
	ReadOnly   bool
	Default    uint32
}

// DSPVarLayout returns the DSP parameter layout this driver stack ships.
// The returned slice is a fresh copy; callers may keep or modify it. The
// simulator interprets writes through this same layout, so simulated and
// real modules present identical parameter tables.
func DSPVarLayout() []VarSpec {
	layout := make([]VarSpec, len(dspVarLayout))
	copy(layout, dspVarLayout)
	return layout
}

var dspVarLayout = []VarSpec{
	// Module input variables.
	{Name: "ModNum", Addr: 0x4a000, Length: 1},
	{Name: "SlotID", Addr: 0x4a004, Length: 1},
	{Name: "RunTask", Addr: 0x4a008, Length: 1},
	{Name: "ControlTask", Addr: 0x4a00c, Length: 1},
	{Name: "Resume", Addr: 0x4a010, Length: 1, Default: 1},
	{Name: "SynchWait", Addr: 0x4a014, Length: 1},
	{Name: "InSynch", Addr: 0x4a018, Length: 1, Default: 1},
	{Name: "MaxEvents", Addr: 0x4a01c, Length: 1},
	{Name: "ModCSRA", Addr: 0x4a020, Length: 1},
	{Name: "ModCSRB", Addr: 0x4a024, Length: 1},
	{Name: "AdcCtrl", Addr: 0x4a028, Length: 4},
	{Name: "UserIn", Addr: 0x4a038, Length: 16},

	// Module output variables, written by the DSP.
	{Name: "RealTimeA", Addr: 0x4a078, Length: 1, ReadOnly: true},
	{Name: "RealTimeB", Addr: 0x4a07c, Length: 1, ReadOnly: true},
	{Name: "RunTimeA", Addr: 0x4a080, Length: 1, ReadOnly: true},
	{Name: "RunTimeB", Addr: 0x4a084, Length: 1, ReadOnly: true},
	{Name: "NumEventsA", Addr: 0x4a088, Length: 1, ReadOnly: true},
	{Name: "NumEventsB", Addr: 0x4a08c, Length: 1, ReadOnly: true},
	{Name: "HardwareID", Addr: 0x4a090, Length: 1, ReadOnly: true},
	{Name: "DSPRelease", Addr: 0x4a094, Length: 1, ReadOnly: true},

	// Channel input variables, 32 words each.
	{Name: "ChanCSRa", Addr: 0x4a100, Length: 1, PerChannel: true},
	{Name: "OffsetDAC", Addr: 0x4a180, Length: 1, PerChannel: true, Default: 34952},
	{Name: "BLcut", Addr: 0x4a200, Length: 1, PerChannel: true, Default: 3},
	{Name: "BaselinePercent", Addr: 0x4a280, Length: 1, PerChannel: true, Default: 10},
	{Name: "TriggerThreshold", Addr: 0x4a300, Length: 1, PerChannel: true, Default: 1000},
	{Name: "TraceLength", Addr: 0x4a380, Length: 1, PerChannel: true, Default: 1000},

	// Channel output variables.
	{Name: "LiveTimeA", Addr: 0x4a400, Length: 1, PerChannel: true, ReadOnly: true},
	{Name: "LiveTimeB", Addr: 0x4a480, Length: 1, PerChannel: true, ReadOnly: true},
	{Name: "FastPeaksA", Addr: 0x4a500, Length: 1, PerChannel: true, ReadOnly: true},
	{Name: "FastPeaksB", Addr: 0x4a580, Length: 1, PerChannel: true, ReadOnly: true},
}

// varAddr returns the byte address of entry idx of a variable: the channel
// number for per-channel variables, the word index for array variables.
func varAddr(v VarSpec, idx int) uint32 {
	return v.Addr + 4*uint32(idx)
}
