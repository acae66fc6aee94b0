package crateddb

import "time"

// The composite types used for messages to the ClickHouse database.

// ServiceActivityMessage is one row of the cratedactivity table: one
// lifetime of the crated daemon.
type ServiceActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is one row of the runs table: one acquisition run across the
// crate.
type RunMessage struct {
	ID        string // run ULID
	ServiceID string
	RunType   string // "list" or "histogram"
	Intention string // operator-supplied purpose note
	Directory string
	Modules   int
	Channels  int
	Start     time.Time
	End       time.Time
}

// ModuleStatsMessage is one row of the runstats table: one module's final
// counters for a run.
type ModuleStatsMessage struct {
	RunID    string
	Module   int
	Slot     int
	Serial   int
	RealTime float64 // seconds
	RunTime  float64 // seconds
	Events   uint64  // summed over channels
}

// FileMessage is one row of the files table: one data file a run
// produced.
type FileMessage struct {
	RunID    string
	Module   int
	Filename string
	Filetype string // "list", "histogram", "trace"
	Items    uint64
	Size     int64
	Start    time.Time
	End      time.Time
}
