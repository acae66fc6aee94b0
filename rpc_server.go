package crated

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spectrumdaq/crated/internal/crateddb"
)

// CrateControl is the RPC service that gives clients control of the
// crate: bring-up, settings, runs, and diagnostics. A nil status
// publisher or database connection disables that side channel.
type CrateControl struct {
	crate  *Crate
	runs   *RunController
	status *StatusPublisher
	db     *crateddb.Connection

	mu          sync.Mutex // run bookkeeping below
	activeRun   *crateddb.RunMessage
	listWriter  *ListWriter
	listHandles []*ModuleHandle
}

// NewCrateControl builds the RPC service.
func NewCrateControl(crate *Crate, runs *RunController, status *StatusPublisher, db *crateddb.Connection) *CrateControl {
	return &CrateControl{crate: crate, runs: runs, status: status, db: db}
}

func (cc *CrateControl) broadcastStatus() {
	if cc.status == nil {
		return
	}
	if err := cc.status.Publish("CRATE", cc.crate.Status()); err != nil {
		ProblemLogger.Printf("status broadcast: %v", err)
	}
}

// Initialize probes the bus and numbers the crate's modules.
func (cc *CrateControl) Initialize(dummy *string, reply *bool) error {
	err := cc.crate.Initialize()
	*reply = err == nil
	cc.broadcastStatus()
	return err
}

// BootArgs selects what Boot loads. Parts lists any of "comms", "fippi",
// "dsp", empty meaning everything; Modules names the module numbers to
// boot, empty meaning all of them; Force reboots modules that are already
// online instead of leaving them alone.
type BootArgs struct {
	Modules []int
	Force   bool
	Parts   []string
}

func (args *BootArgs) pattern() (BootPattern, error) {
	if len(args.Parts) == 0 {
		return BootAll, nil
	}
	var parts BootPattern
	for _, p := range args.Parts {
		switch strings.ToLower(p) {
		case "comms":
			parts |= BootComms
		case "fippi":
			parts |= BootFippi
		case "dsp":
			parts |= BootDSP
		default:
			return 0, fmt.Errorf("boot part %q is not recognized", p)
		}
	}
	return parts, nil
}

// Boot loads firmware into the selected modules.
func (cc *CrateControl) Boot(args *BootArgs, reply *bool) error {
	parts, err := args.pattern()
	if err != nil {
		return err
	}
	err = cc.crate.Boot(BootOptions{Modules: args.Modules, Force: args.Force, Parts: parts})
	*reply = err == nil
	cc.broadcastStatus()
	return err
}

// InitializeAFE reruns the analog front-end bring-up on every online
// module.
func (cc *CrateControl) InitializeAFE(dummy *string, reply *bool) error {
	err := cc.crate.InitializeAFE()
	*reply = err == nil
	return err
}

// LoadSettings reads a settings file into the crate.
func (cc *CrateControl) LoadSettings(path *string, reply *bool) error {
	log.Printf("LoadSettings: %s", *path)
	err := cc.crate.LoadSettings(*path)
	*reply = err == nil
	cc.broadcastStatus()
	return err
}

// SaveSettings writes the crate settings to a file.
func (cc *CrateControl) SaveSettings(path *string, reply *bool) error {
	log.Printf("SaveSettings: %s", *path)
	err := cc.crate.SaveSettings(*path)
	*reply = err == nil
	return err
}

// StartRunArgs configures a run. Type is "list" or "histogram"; Resume
// keeps the previous run's data. On a list run a non-empty Directory
// streams event data to files there; Intention is an operator note for
// the run database.
type StartRunArgs struct {
	Type      string
	Resume    bool
	Directory string
	Intention string
}

// StartRun begins a crate-wide run and replies with its identifier.
func (cc *CrateControl) StartRun(args *StartRunArgs, reply *string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	var typ RunType
	switch strings.ToLower(args.Type) {
	case "list":
		typ = ListRun
	case "histogram", "mca":
		typ = HistogramRun
	default:
		return fmt.Errorf("run type %q is not recognized", args.Type)
	}
	mode := NewRun
	if args.Resume {
		mode = ResumeRun
	}
	id, err := cc.runs.Start(typ, mode)
	if err != nil {
		return err
	}
	if typ == ListRun && args.Directory != "" {
		if err := cc.startListSinkLocked(args.Directory, id); err != nil {
			if _, e := cc.runs.Stop(); e != nil {
				ProblemLogger.Printf("unwinding run %s: %v", id, e)
			}
			return err
		}
	}
	var nchan int
	for _, m := range cc.crate.onlineModules() {
		nchan += m.NumChannels
	}
	msg := &crateddb.RunMessage{
		ID:        id,
		RunType:   typ.String(),
		Intention: args.Intention,
		Directory: args.Directory,
		Modules:   cc.crate.NumModules(),
		Channels:  nchan,
		Start:     time.Now(),
	}
	cc.db.RecordRun(msg)
	cc.activeRun = msg
	*reply = id
	log.Printf("StartRun: %s run %s", args.Type, id)
	cc.broadcastStatus()
	return nil
}

// StopRun ends the active run and replies with its summary.
func (cc *CrateControl) StopRun(dummy *string, reply *RunSummary) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	sum, err := cc.runs.Stop()
	if sum != nil {
		*reply = *sum
		cc.stopListSinkLocked(sum)
		cc.recordRunEndLocked(sum)
		if cc.status != nil {
			cc.status.Publish("RUN", sum)
		}
	}
	cc.broadcastStatus()
	return err
}

// startListSinkLocked attaches a list-mode file writer to every online
// module.
func (cc *CrateControl) startListSinkLocked(dir, id string) error {
	lw := NewListWriter(dir, id)
	var held []*ModuleHandle
	fail := func(err error) error {
		lw.Close()
		for _, h := range held {
			h.Release()
		}
		return err
	}
	for _, m := range cc.crate.onlineModules() {
		h, err := cc.crate.Module(m.Number, CheckOnline)
		if err != nil {
			return fail(err)
		}
		held = append(held, h)
		if err := lw.Attach(h); err != nil {
			return fail(err)
		}
	}
	cc.listWriter = lw
	cc.listHandles = held
	return nil
}

// stopListSinkLocked closes the writer and records the files it wrote.
func (cc *CrateControl) stopListSinkLocked(sum *RunSummary) {
	if cc.listWriter == nil {
		return
	}
	if err := cc.listWriter.Close(); err != nil {
		ProblemLogger.Printf("run %s: list writer: %v", sum.ID, err)
	}
	for n, st := range cc.listWriter.Stats() {
		path := cc.listWriter.FilePath(n)
		msg := &crateddb.FileMessage{
			RunID:    sum.ID,
			Module:   n,
			Filename: path,
			Filetype: "list",
			Items:    st.Words,
			Start:    sum.Started,
			End:      time.Now(),
		}
		if fi, err := os.Stat(path); err == nil {
			msg.Size = fi.Size()
		}
		cc.db.RecordFile(msg)
	}
	for _, h := range cc.listHandles {
		h.Release()
	}
	cc.listWriter = nil
	cc.listHandles = nil
}

// recordRunEndLocked closes out the database rows for a finished run.
func (cc *CrateControl) recordRunEndLocked(sum *RunSummary) {
	if cc.activeRun != nil {
		cc.db.FinishRun(cc.activeRun)
		cc.activeRun = nil
	}
	for n, s := range sum.Stats {
		h, err := cc.crate.Module(n, CheckNone)
		if err != nil {
			continue
		}
		cc.db.RecordStats(&crateddb.ModuleStatsMessage{
			RunID:    sum.ID,
			Module:   n,
			Slot:     h.Slot,
			Serial:   h.Serial,
			RealTime: StatSeconds(s.RealTime),
			RunTime:  StatSeconds(s.RunTime),
			Events:   s.Events,
		})
		h.Release()
	}
}

// VoltageOffsetArgs addresses one channel's input offset.
type VoltageOffsetArgs struct {
	Module  int
	Channel int
	Volts   float64
}

// SetVoltageOffset programs one channel's input offset voltage.
func (cc *CrateControl) SetVoltageOffset(args *VoltageOffsetArgs, reply *bool) error {
	h, err := cc.crate.Module(args.Module, CheckOnline)
	if err != nil {
		return err
	}
	defer h.Release()
	err = h.SetVoltageOffset(args.Channel, args.Volts)
	*reply = err == nil
	return err
}

// AdjustOffsets runs the offset DAC calibration on one module.
func (cc *CrateControl) AdjustOffsets(moduleNumber *int, reply *bool) error {
	h, err := cc.crate.Module(*moduleNumber, CheckOnline)
	if err != nil {
		return err
	}
	defer h.Release()
	err = h.AdjustOffsets()
	*reply = err == nil
	return err
}

// SaveFileArgs addresses one module and a destination path.
type SaveFileArgs struct {
	Module int
	Path   string
}

// SaveHistograms writes one module's MCA spectra to a .npy file.
func (cc *CrateControl) SaveHistograms(args *SaveFileArgs, reply *bool) error {
	h, err := cc.crate.Module(args.Module, CheckOnline)
	if err != nil {
		return err
	}
	defer h.Release()
	err = SaveHistograms(h.Module, args.Path)
	*reply = err == nil
	return err
}

// SaveTraces captures and writes one module's ADC traces to a .npy file.
func (cc *CrateControl) SaveTraces(args *SaveFileArgs, reply *bool) error {
	h, err := cc.crate.Module(args.Module, CheckOnline)
	if err != nil {
		return err
	}
	defer h.Release()
	err = SaveTraces(h.Module, args.Path)
	*reply = err == nil
	return err
}

// ModuleStats reads one module's current run statistics.
func (cc *CrateControl) ModuleStats(moduleNumber *int, reply *RunStats) error {
	h, err := cc.crate.Module(*moduleNumber, CheckOnline)
	if err != nil {
		return err
	}
	defer h.Release()
	stats, err := h.ReadStats()
	if err != nil {
		return err
	}
	*reply = stats
	return nil
}

// CrateReport replies with a human-readable crate summary.
func (cc *CrateControl) CrateReport(dummy *string, reply *string) error {
	var sb strings.Builder
	cc.crate.Report(&sb)
	*reply = sb.String()
	return nil
}

// Version replies with the build information.
func (cc *CrateControl) Version(dummy *string, reply *BuildInfo) error {
	*reply = Build
	return nil
}

// SendAllStatus forces a status broadcast.
func (cc *CrateControl) SendAllStatus(dummy *string, reply *bool) error {
	cc.broadcastStatus()
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(control *CrateControl, port int) {
	go func() {
		ticker := time.NewTicker(statusRepublishInterval)
		defer ticker.Stop()
		for range ticker.C {
			control.broadcastStatus()
		}
	}()

	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		log.Fatal("rpc register: ", err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatal("listen error: ", err)
	}
	log.Printf("crated RPC server listening on port %d", port)
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatal("accept error: " + err.Error())
		}
		log.Printf("new connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
