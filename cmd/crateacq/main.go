// Command crateacq runs one acquisition against a crate without the
// daemon: initialize, boot, run for a fixed time, write data files, and
// report statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spectrumdaq/crated"
	"github.com/spectrumdaq/crated/plx"
)

type acquireOptions struct {
	sim      bool
	modules  int
	seconds  float64
	runType  string
	output   string
	settings string
}

var opt acquireOptions

func parseOptions() error {
	flag.BoolVar(&opt.sim, "sim", false, "acquire from simulated modules")
	flag.IntVar(&opt.modules, "m", 2, "number of simulated modules (with -sim)")
	flag.Float64Var(&opt.seconds, "s", 5.0, "seconds to acquire")
	flag.StringVar(&opt.runType, "r", "list", "run type: list or histogram")
	flag.StringVar(&opt.output, "o", ".", "output directory")
	flag.StringVar(&opt.settings, "c", "", "settings file to load before the run")
	flag.Parse()

	switch {
	case opt.seconds <= 0:
		return fmt.Errorf("acquisition time (%v s) must be positive", opt.seconds)
	case opt.runType != "list" && opt.runType != "histogram":
		return fmt.Errorf("run type %q must be list or histogram", opt.runType)
	}
	return nil
}

func buildCrate() (*crated.Crate, error) {
	var bus plx.Opener
	if opt.sim {
		defs := make([]plx.SimDef, opt.modules)
		for i := range defs {
			defs[i] = plx.SimDef{DeviceNumber: i, DBKind: "DB04"}
		}
		bus = plx.NewSimBus(defs...)
	}
	crate := crated.NewCrate(crated.CrateConfig{Bus: bus})
	if err := crate.Initialize(); err != nil {
		return nil, err
	}
	if err := crate.Boot(crated.BootOptions{}); err != nil {
		crate.Shutdown()
		return nil, err
	}
	if opt.settings != "" {
		if err := crate.LoadSettings(opt.settings); err != nil {
			crate.Shutdown()
			return nil, err
		}
	}
	return crate, nil
}

func acquire(crate *crated.Crate) error {
	runs := crated.NewRunController(crate)
	typ := crated.ListRun
	if opt.runType == "histogram" {
		typ = crated.HistogramRun
	}
	id, err := runs.Start(typ, crated.NewRun)
	if err != nil {
		return err
	}
	log.Printf("run %s started", id)

	var lw *crated.ListWriter
	var held []*crated.ModuleHandle
	defer func() {
		for _, h := range held {
			h.Release()
		}
	}()
	if typ == crated.ListRun {
		lw = crated.NewListWriter(opt.output, id)
		for i := 0; i < crate.NumModules(); i++ {
			h, err := crate.Module(i, crated.CheckOnline)
			if err != nil {
				continue // offline modules take no part
			}
			held = append(held, h)
			if err := lw.Attach(h); err != nil {
				lw.Close()
				runs.Stop()
				return err
			}
		}
	}

	// Trap interrupts so we can cleanly end the run early.
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	select {
	case <-interruptCatcher:
		log.Println("interrupted, stopping run")
	case <-time.After(time.Duration(opt.seconds * float64(time.Second))):
	}

	sum, err := runs.Stop()
	if err != nil {
		log.Println("ERROR stopping run: ", err)
	}
	if lw != nil {
		if err := lw.Close(); err != nil {
			log.Println("ERROR closing files: ", err)
		}
		for n, st := range lw.Stats() {
			log.Printf("module %d: %d words to %s (%d dropped writes)",
				n, st.Words, lw.FilePath(n), st.Dropped)
		}
	}
	if sum == nil {
		return nil
	}
	if typ == crated.HistogramRun {
		for i := 0; i < crate.NumModules(); i++ {
			h, err := crate.Module(i, crated.CheckOnline)
			if err != nil {
				continue
			}
			path := filepath.Join(opt.output, fmt.Sprintf("%s_mod%d_hist.npy", sum.ID, i))
			if err := crated.SaveHistograms(h.Module, path); err != nil {
				log.Println("ERROR saving spectra: ", err)
			} else {
				log.Printf("module %d: spectra to %s", i, path)
			}
			h.Release()
		}
	}
	for n, s := range sum.Stats {
		log.Printf("module %d: %.3f s real time, %d events",
			n, crated.StatSeconds(s.RealTime), s.Events)
	}
	return nil
}

func main() {
	if err := parseOptions(); err != nil {
		log.Println("ERROR: ", err)
		return
	}
	crate, err := buildCrate()
	if err != nil {
		log.Println("ERROR: ", err)
		return
	}
	if err := acquire(crate); err != nil {
		log.Println("ERROR: ", err)
	}
	if err := crate.Shutdown(); err != nil {
		log.Println("ERROR: ", err)
	}
}
