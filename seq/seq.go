/*Package seq implements the acceptance test sequence for the multi-channel
power supply module.

The sequence is a fixed, single-pass procedure: read the device
configuration, run a DAC loopback check (the only gating test), check the
event receiver's timestamp counter for monotonicity, drive the channels
through a scripted set of step/ramp/steady-state captures, optionally
exercise fast orbit feedback, then park the supply and flush the archive
and report.  Every wait is a real physical settling time; the literal
durations are load bearing and must not be tuned for speed.
*/
package seq

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nsls2/psbench/archive"
	"github.com/nsls2/psbench/ca"
	"github.com/nsls2/psbench/report"
	"github.com/nsls2/psbench/status"
)

// Tolerances and timings.  Sourced from the qualification procedure; the
// sleeps encode magnet and regulator settling, not software delays.
const (
	dacTarget    = 1.0
	dacTolerance = 0.1

	settleAfterSet = 3 * time.Second
	evrWindow      = 10 * time.Second
	evrCadence     = 500 * time.Millisecond
	baselineWait   = 15 * time.Second
	stepWait       = 5 * time.Second
	rampWait       = 15 * time.Second

	rampRateAmpsPerSec = 10

	// DAC_OpMode-SP values
	opModeSmooth = 0
	opModeFOFB   = 2
	opModeJump   = 3

	// 10.0.142.100 packed big-endian, the fixed FOFB controller address
	fofbIPAddr = 0xA008E64
)

// Archiver is the subset of the archive writer the sequencer needs
type Archiver interface {
	WriteArray(group, name string, data []float64) error
	WriteString(group, name, value string) error
	Close() error
}

// PlotFunc renders a waveform to an image file
type PlotFunc func(y []float64, title, filename string) error

// Sequencer owns one acceptance test run
type Sequencer struct {
	CA      ca.Client
	Archive Archiver
	Report  *report.Report
	Plot    PlotFunc
	Clock   Clock
	Status  *status.Recorder
	Config  Config
}

// settle waits out a physical settling time, logging why
func (s *Sequencer) settle(d time.Duration, reason string) {
	log.Printf("waiting %v: %s", d, reason)
	s.Clock.Sleep(d)
}

// get reads a scalar PV, folding any failure into ok=false so a single
// missed read never stops the procedure
func (s *Sequencer) get(pv string) (float64, bool) {
	v, err := s.CA.Get(pv)
	if err != nil {
		log.Printf("caget error for %s: %v", pv, err)
		return 0, false
	}
	return v, true
}

func (s *Sequencer) getString(pv string) (string, bool) {
	v, err := s.CA.GetString(pv)
	if err != nil {
		log.Printf("caget error for %s: %v", pv, err)
		return "", false
	}
	return v, true
}

func (s *Sequencer) getArray(pv string) ([]float64, bool) {
	v, err := s.CA.GetArray(pv)
	if err != nil {
		log.Printf("caget error for %s: %v", pv, err)
		return nil, false
	}
	return v, true
}

func (s *Sequencer) put(pv string, v float64) {
	err := s.CA.Put(pv, v)
	if err != nil {
		log.Printf("caput error for %s <- %v: %v", pv, v, err)
	}
}

func (s *Sequencer) putInt(pv string, v int) {
	err := s.CA.PutInt(pv, v)
	if err != nil {
		log.Printf("caput error for %s <- %v: %v", pv, v, err)
	}
}

// Run executes the full acceptance sequence and returns the process exit
// code: 0 on completion, 1 if the DAC loopback gate fails.
func (s *Sequencer) Run() int {
	cfg := s.Config
	log.Printf("starting acceptance test for %s SN%s", cfg.Lab(), cfg.Serial)
	err := os.MkdirAll(cfg.PlotsDir(), 0755)
	if err != nil {
		log.Printf("could not create plot directory: %v", err)
	}

	s.Report.Title(fmt.Sprintf("EPICS Test Report\nSN%s %s\n%s", cfg.Serial, cfg.Lab(), s.Clock.Now().Format(time.RFC3339)))
	s.Report.Spacer()

	channels := s.deviceConfiguration()

	s.Status.Section("loopback", "DAC loopback test")
	if !s.dacLoopback(channels) {
		s.Report.Text("DAC loopback test failed on one or more channels. Aborting further tests.")
		s.finalize()
		return 1
	}

	s.Status.Section("evr", "EVR monotonicity test")
	s.evrMonotonic()

	s.Status.Section("capture", "scripted waveform captures")
	s.captureSequence(channels)

	s.Status.Section("fofb", "fast orbit feedback test")
	s.fofb(channels)

	s.Status.Section("teardown", "parking the supply")
	s.teardown(channels)

	s.finalize()
	s.Status.Finish()
	return 0
}

// deviceConfiguration reads the mode PVs into the report table and
// meta/ group, then decides the active channel set
func (s *Sequencer) deviceConfiguration() []int {
	s.Status.Section("config", "reading device configuration")
	s.Report.Heading("Device configuration")
	rows := [][]string{{"PV", "Value"}}
	var numChannelsVal string
	numChannelsOK := false
	for _, tmpl := range metaPVs {
		pv := s.Config.PV(tmpl)
		val, ok := s.getString(pv)
		if !ok {
			val = "n/a"
		}
		if tmpl == pvNumChannels {
			numChannelsVal = val
			numChannelsOK = ok
		}
		rows = append(rows, []string{pv, val})
		err := s.Archive.WriteString("meta", archive.SafeName(pv), val)
		if err != nil {
			log.Printf("archive write failed for meta/%s: %v", pv, err)
		}
	}
	s.Report.Table(rows)
	s.Report.Spacer()

	channels := channelsForMode(numChannelsVal, numChannelsOK)
	log.Printf("detected NumChannels-Mode=%q, using channels %v", numChannelsVal, channels)
	return channels
}

// dacLoopback commands every active channel to the target current and
// verifies the readback tracks it.  This is the gate: a false return
// aborts the run.  Setpoints are zeroed again no matter the outcome.
func (s *Sequencer) dacLoopback(channels []int) bool {
	s.Report.Heading("Section 1: DAC loopback test")
	log.Printf("starting DAC loopback test: setting setpoints to %v", dacTarget)
	for _, ch := range channels {
		s.put(s.Config.PV(pvSetpoint(ch)), dacTarget)
	}
	s.settle(settleAfterSet, "DAC setpoints settling")

	rows := [][]string{{"Channel", "Readback", "Pass/Fail"}}
	pass := true
	for _, ch := range channels {
		v, ok := s.get(s.Config.PV(pvReadback(ch)))
		chPass := ok && withinTolerance(v, dacTarget, dacTolerance)
		measured := "n/a"
		if ok {
			measured = strconv.FormatFloat(v, 'g', -1, 64)
		}
		verdict := "FAIL"
		if chPass {
			verdict = "PASS"
		}
		rows = append(rows, []string{fmt.Sprintf("Chan%d", ch), measured, verdict})
		s.Status.Add(fmt.Sprintf("DAC loopback Chan%d", ch), measured, chPass)
		log.Printf("channel %d readback %s -> %s", ch, measured, verdict)
		if !chPass {
			pass = false
		}
	}
	s.Report.Table(rows)
	s.Report.Spacer()

	log.Println("resetting DAC setpoints to 0.0")
	for _, ch := range channels {
		s.put(s.Config.PV(pvSetpoint(ch)), 0.0)
	}
	return pass
}

// evrMonotonic samples the event receiver's timestamp counter over a fixed
// window and checks it never runs backwards.  Missed reads are excluded
// rather than failed; the result never gates the run.
func (s *Sequencer) evrMonotonic() {
	s.Report.Heading("Section 2: EVR monotonicity test")
	pv := s.Config.PV(pvEVR)
	log.Printf("running EVR monotonic test on %s for %v", pv, evrWindow)

	var samples, filtered []float64
	start := s.Clock.Now()
	for s.Clock.Now().Sub(start) < evrWindow {
		v, ok := s.get(pv)
		if ok {
			samples = append(samples, v)
			filtered = append(filtered, v)
		} else {
			samples = append(samples, math.NaN())
		}
		s.Clock.Sleep(evrCadence)
	}
	pass := monotonicNondecreasing(filtered)
	verdict := "FAIL"
	if pass {
		verdict = "PASS"
	}
	s.Report.Text(fmt.Sprintf("EVR PV: %s monotonic test -> %s", pv, verdict))
	s.Status.Add("EVR monotonicity", fmt.Sprintf("%d samples", len(filtered)), pass)
	log.Printf("EVR test %s", verdict)

	err := s.Archive.WriteArray("evr", "samples", samples)
	if err != nil {
		log.Printf("archive write failed for evr/samples: %v", err)
	}
	if len(filtered) > 0 {
		plotfile := filepath.Join(s.Config.PlotsDir(), "evr_sequence.png")
		err = s.Plot(filtered, fmt.Sprintf("EVR %s", pv), plotfile)
		if err != nil {
			log.Printf("plotting failed for EVR sequence: %v", err)
		} else {
			s.Report.Image(plotfile)
			s.Report.Spacer()
		}
	}
}

// captureSequence performs the scripted ramp/step/steady-state drive of
// the supply, capturing a snapshot per phase.  The drive targets and waits
// come straight from the qualification procedure and apply regardless of
// how the hardware responds; there is no adaptation or retry.
func (s *Sequencer) captureSequence(channels []int) {
	cfg := s.Config
	s.Report.Heading("Section 3: Test Data")

	// ramp rate is only configurable on the first two channels
	s.put(cfg.PV(pvRampRate(1)), rampRateAmpsPerSec)
	s.put(cfg.PV(pvRampRate(2)), rampRateAmpsPerSec)

	log.Println("initializing: zeroing DACs and raising outputs")
	for _, ch := range channels {
		s.put(cfg.PV(pvSetpoint(ch)), 0.0)
	}
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "ON2")), 1)
	}
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "Park")), 1)
	}
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "ON1")), 1)
	}
	s.settle(10*time.Second, "supplies enabling")

	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "Park")), 0)
	}
	s.settle(12*time.Second, "park released")

	log.Println("triggering baseline snapshot")
	s.triggerAll()
	s.settle(baselineWait, "baseline snapshot completing")

	// step response: clear the integrator by parking, then drive a small
	// step on top of a large operating point in jump mode
	log.Println("starting step response sequence")
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "Park")), 1)
	}
	s.settle(5*time.Second, "park asserted to clear integrator")
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "Park")), 0)
	}
	s.settle(10*time.Second, "park released")

	for _, ch := range channels {
		s.put(cfg.PV(pvSetpoint(ch)), 0.5)
	}
	s.settle(15*time.Second, "setpoints at 0.5")

	s.put(cfg.PV(pvSetpoint(1)), 30.0)
	s.put(cfg.PV(pvSetpoint(2)), 50.0)
	s.settle(20*time.Second, "ramping to operating point")

	for _, ch := range channels {
		s.putInt(cfg.PV(pvOpMode(ch)), opModeJump)
	}
	s.settle(8*time.Second, "jump mode engaging")

	s.put(cfg.PV(pvSetpoint(1)), 30.05)
	s.put(cfg.PV(pvSetpoint(2)), 50.05)

	log.Println("triggering step response snapshot")
	s.triggerAll()
	s.settle(stepWait, "step snapshot completing")
	s.settle(5*time.Second, "snapshot buffer draining")
	s.capturePhase("step", "Step", channels)

	for _, ch := range channels {
		s.putInt(cfg.PV(pvOpMode(ch)), opModeSmooth)
	}
	s.settle(1*time.Second, "smooth ramp mode engaging")
	s.settle(10*time.Second, "snapshot buffer rearming")

	s.put(cfg.PV(pvSetpoint(1)), 49.89)
	s.put(cfg.PV(pvSetpoint(2)), 99.89)
	s.settle(500*time.Millisecond, "ramp starting")

	// channel 2's trigger deliberately fires one second after the others;
	// preserve the ordering exactly
	log.Println("triggering ramp snapshot")
	s.putInt(cfg.PV(pvTrigger(1)), 1)
	s.putInt(cfg.PV(pvTrigger(3)), 1)
	s.putInt(cfg.PV(pvTrigger(4)), 1)
	s.settle(1*time.Second, "staggering channel 2 trigger")
	s.putInt(cfg.PV(pvTrigger(2)), 1)
	s.settle(14*time.Second, "ramp snapshot completing")
	s.capturePhase("ramp", "Ramp", channels)

	s.settle(10*time.Second, "snapshot buffer rearming")
	log.Println("triggering steady state snapshot")
	s.triggerAll()
	s.settle(rampWait, "steady state snapshot completing")
	s.capturePhase("steady_state", "Steady State", channels)
}

// triggerAll fires the snapshot trigger on all four channels; the trigger
// PVs exist even on two-channel modules
func (s *Sequencer) triggerAll() {
	for ch := 1; ch <= 4; ch++ {
		s.putInt(s.Config.PV(pvTrigger(ch)), 1)
	}
}

// capturePhase pulls the eight user waveforms for every active channel,
// archives them under <phase>/Chan<n>/, and attaches a plot of each
// non-empty one to the report.  An unreadable waveform archives as a
// single NaN; a failed write or plot loses that signal only.
func (s *Sequencer) capturePhase(phase, label string, channels []int) {
	for _, ch := range channels {
		group := fmt.Sprintf("%s/Chan%d", phase, ch)
		for _, signal := range waveformSignals {
			pv := s.Config.PV(pvWaveform(ch, signal))
			arr, ok := s.getArray(pv)
			name := archive.SafeName(pv)
			data := arr
			if !ok {
				data = []float64{math.NaN()}
			}
			err := s.Archive.WriteArray(group, name, data)
			if err != nil {
				log.Printf("archive write failed for %s/%s: %v", group, name, err)
			}
			if !ok || len(arr) == 0 {
				continue
			}
			plotfile := filepath.Join(s.Config.PlotsDir(), fmt.Sprintf("%s_Chan%d_%s.png", phase, ch, name))
			err = s.Plot(arr, fmt.Sprintf("%s Chan%d %s", label, ch, pv), plotfile)
			if err != nil {
				log.Printf("plotting failed for %s: %v", pv, err)
				continue
			}
			s.Report.Text(fmt.Sprintf("%s Chan%d PV: %s", label, ch, pv))
			s.Report.Image(plotfile)
		}
	}
}

// fofb exercises fast orbit feedback iff the module reports Fast
// bandwidth.  It never gates the run; a skip is recorded, not failed.
func (s *Sequencer) fofb(channels []int) {
	cfg := s.Config
	bandval, ok := s.getString(cfg.PV(pvBandwidth))
	if !ok || !strings.EqualFold(strings.TrimSpace(bandval), "fast") {
		s.Report.Text("FOFB test: SKIPPED (Bandwidth-Mode != Fast)")
		s.Status.Add("FOFB", "SKIPPED", true)
		log.Println("skipping FOFB test; Bandwidth-Mode not 'Fast'")
		return
	}

	s.Report.Heading("FOFB test (Bandwidth-Mode == Fast)")
	log.Println("performing FOFB test because Bandwidth-Mode == Fast")
	s.putInt(cfg.PV(pvFOFBIPAddr), fofbIPAddr)
	for i, ch := range []int{1, 2, 3, 4} {
		s.putInt(cfg.PV(pvFOFBFastAddr(ch)), i)
	}
	for _, ch := range channels {
		s.putInt(cfg.PV(pvOpMode(ch)), opModeFOFB)
	}
	s.settle(5*time.Second, "FOFB mode settling")

	checkPVs := make([]string, 0, len(channels)+2)
	for _, ch := range channels {
		checkPVs = append(checkPVs, pvReadback(ch))
	}
	checkPVs = append(checkPVs, pvWaveform(2, "Reg-Wfm"), pvWaveform(2, "Error-Wfm"))

	rows := [][]string{{"PV", "Value", "Pass?"}}
	allPass := true
	for _, tmpl := range checkPVs {
		pv := cfg.PV(tmpl)
		var (
			pass     bool
			measured string
		)
		v, err := s.CA.Get(pv)
		if err == nil {
			pass = withinTolerance(v, dacTarget, dacTolerance)
			measured = strconv.FormatFloat(v, 'g', -1, 64)
		} else {
			// waveform-typed signal: presence is the check
			arr, ok := s.getArray(pv)
			pass = ok && len(arr) > 0
			measured = "n/a"
			if ok {
				measured = fmt.Sprintf("array[%d]", len(arr))
			}
		}
		verdict := "FAIL"
		if pass {
			verdict = "PASS"
		} else {
			allPass = false
		}
		rows = append(rows, []string{pv, measured, verdict})
		s.Status.Add("FOFB "+pv, measured, pass)
		log.Printf("%s: %s -> %s", pv, measured, verdict)
	}
	s.Report.Table(rows)
	if allPass {
		s.Report.Text("FOFB test: PASS")
	} else {
		s.Report.Text("FOFB test: FAIL")
	}
}

// teardown returns the supply to a parked, disabled state.  Best effort and
// idempotent; failures are logged, never verified.
func (s *Sequencer) teardown(channels []int) {
	cfg := s.Config
	for _, ch := range channels {
		s.putInt(cfg.PV(pvOpMode(ch)), opModeSmooth)
	}
	for _, ch := range channels {
		s.put(cfg.PV(pvSetpoint(ch)), 0.0)
	}
	s.settle(1*time.Second, "setpoints ramping to zero")
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "Park")), 1)
	}
	for _, ch := range channels {
		s.putInt(cfg.PV(pvDigOut(ch, "ON1")), 0)
	}
}

// finalize flushes the archive and renders the report.  A render failure
// is logged and swallowed; it never changes the exit code.
func (s *Sequencer) finalize() {
	err := s.Archive.Close()
	if err != nil {
		log.Printf("error closing archive: %v", err)
	} else {
		log.Printf("HDF5 file saved: %s", s.Config.ArchivePath())
	}
	err = s.Report.Build(s.Config.ReportPath())
	if err != nil {
		log.Printf("error writing PDF: %v", err)
		return
	}
	log.Printf("report written to %s", s.Config.ReportPath())
}
