package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spectrumdaq/crated"
	"github.com/spectrumdaq/crated/internal/crateddb"
	"github.com/spectrumdaq/crated/plx"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the
// directory and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("verbose", false)
	viper.SetDefault("sim", true)
	viper.SetDefault("simmodules", 2)
	viper.SetDefault("maxmodules", 0)
	viper.SetDefault("dbrecord", false)
	viper.SetDefault("settings", "")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding user home dir: %s\n", err)
	}
	dotCrated := filepath.Join(home, ".crated")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotCrated, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/crated"))
	viper.AddConfigPath(dotCrated)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Could not open log file '%s'", pfname))
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkHugepages warns when the kernel has no hugepages reserved. The DMA
// rings on real hardware want them; the simulator does not care.
func checkHugepages() {
	v, err := sysctl.Get("vm.nr_hugepages")
	if err != nil {
		return // sysctl can be unreadable in containers; not fatal
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n == 0 {
		crated.ProblemLogger.Printf("vm.nr_hugepages is 0; DMA throughput may suffer on real hardware")
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	crated.Build.Date = buildDate
	crated.Build.Githash = githash
	crated.Build.Gitdate = gitdate
	crated.Build.Summary = fmt.Sprintf("crated version %s (git commit %s of %s)", crated.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		crated.Build.Host = host
	} else {
		crated.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is crated version %s\n", crated.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is crated version %s (git commit %s)\n", crated.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(home, ".crated", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	crated.ProblemLogger = startLogger(problemname)
	crated.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	crated.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	checkHugepages()

	var bus plx.Opener
	if viper.GetBool("sim") {
		n := viper.GetInt("simmodules")
		defs := make([]plx.SimDef, n)
		for i := range defs {
			defs[i] = plx.SimDef{DeviceNumber: i, DBKind: "DB04"}
		}
		bus = plx.NewSimBus(defs...)
		fmt.Printf("Simulating a crate of %d modules\n", n)
	}

	crate := crated.NewCrate(crated.CrateConfig{
		Bus:        bus,
		MaxModules: viper.GetInt("maxmodules"),
	})
	if err := crate.Initialize(); err != nil {
		log.Fatal("crate initialize: ", err)
	}
	if err := crate.Boot(crated.BootOptions{}); err != nil {
		crated.ProblemLogger.Printf("boot: %v", err)
	}
	if settings := viper.GetString("settings"); settings != "" {
		if err := crate.LoadSettings(settings); err != nil {
			crated.ProblemLogger.Printf("load settings %s: %v", settings, err)
		}
	}

	dbabort := make(chan struct{})
	var db *crateddb.Connection
	if viper.GetBool("dbrecord") {
		activity := &crateddb.ServiceActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  crated.Build.Host,
			Githash:   githash,
			Version:   crated.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}
		db = crateddb.StartConnection(activity, dbabort)
	}

	status, err := crated.NewStatusPublisher(crated.Ports.Status)
	if err != nil {
		crated.ProblemLogger.Printf("status publisher: %v", err)
	}

	runs := crated.NewRunController(crate)
	control := crated.NewCrateControl(crate, runs, status, db)
	crated.RunRPCServer(control, crated.Ports.RPC)

	close(dbabort)
	if db != nil {
		db.Wait()
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
