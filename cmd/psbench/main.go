package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/nsls2/psbench/archive"
	"github.com/nsls2/psbench/ca"
	"github.com/nsls2/psbench/plotting"
	"github.com/nsls2/psbench/report"
	"github.com/nsls2/psbench/seq"
	"github.com/nsls2/psbench/status"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "psbench.yml"
	k              = koanf.New(".")
)

// Config holds everything needed to start a run
type Config struct {
	// Gateway is the base URL of the CA HTTP gateway
	Gateway string `koanf:"Gateway" yaml:"Gateway"`

	// LabIndex selects which lab's PVs are addressed
	LabIndex int `koanf:"LabIndex" yaml:"LabIndex"`

	// Serial is the serial number of the module under test
	Serial string `koanf:"Serial" yaml:"Serial"`

	// OutDir is where the archive, report and plots are written
	OutDir string `koanf:"OutDir" yaml:"OutDir"`

	// StatusAddr is the listen address for the run-status endpoint;
	// empty disables it
	StatusAddr string `koanf:"StatusAddr" yaml:"StatusAddr"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Gateway:    "http://localhost:8080",
		LabIndex:   1,
		Serial:     "0000",
		OutDir:     ".",
		StatusAddr: ":8001"}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `psbench runs the acceptance test sequence for a power supply module
on the EPICS control network: DAC loopback, EVR monotonicity, waveform
captures, and an optional FOFB check.  Outputs an HDF5 archive and a PDF
report.

Usage:
	psbench <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `psbench is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

Configuration keys:
	Gateway     base URL of the CA HTTP gateway, e.g. http://cagw:8080
	LabIndex    lab number; every lab{1} PV token resolves to lab{N}
	Serial      serial number of the module under test
	OutDir      directory for the HDF5 archive, PDF report and plot images
	StatusAddr  listen address for GET /status run progress; empty disables

Exit status is 0 on completion (including an EVR failure or a skipped or
failed FOFB test) and 1 if the DAC loopback gate fails on any channel.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("psbench version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	cfg := seq.NewConfig(c.LabIndex, c.Serial, c.OutDir, time.Now())
	err = os.MkdirAll(c.OutDir, 0755)
	if err != nil {
		log.Fatal(err)
	}

	client, err := ca.Dial(c.Gateway)
	if err != nil {
		log.Fatal(err)
	}
	arc, err := archive.Create(cfg.ArchivePath(), cfg.Lab())
	if err != nil {
		log.Fatal(err)
	}

	var rec *status.Recorder
	if c.StatusAddr != "" {
		rec = status.NewRecorder()
		go func() {
			log.Println("run status available at", c.StatusAddr)
			err := http.ListenAndServe(c.StatusAddr, rec.Handler())
			if err != nil {
				log.Println("status endpoint unavailable:", err)
			}
		}()
	}

	s := seq.Sequencer{
		CA:      client,
		Archive: arc,
		Report:  report.New(),
		Plot:    plotting.Save,
		Clock:   seq.WallClock(),
		Status:  rec,
		Config:  cfg}
	os.Exit(s.Run())
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
