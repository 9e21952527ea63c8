package seq

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nsls2/psbench/ca"
)

// Config holds the parameters fixed at the start of a run and the derived
// output locations.  It is constructed once and passed in; nothing in this
// package reads ambient globals.
type Config struct {
	// LabIndex selects the lab whose PVs are addressed, substituting every
	// lab{1} template token
	LabIndex int

	// Serial is the serial number of the module under test
	Serial string

	// OutDir is the directory archive, report and plots are written under
	OutDir string

	// Stamp is the capture timestamp embedded in every output filename,
	// formatted YYYYMMDD_HHMMSS
	Stamp string
}

// NewConfig derives a Config for a run starting at now.  Embedding serial,
// lab and timestamp in the filenames keeps runs started in the same second
// at different labs or serials from colliding.
func NewConfig(labIndex int, serial, outDir string, now time.Time) Config {
	return Config{
		LabIndex: labIndex,
		Serial:   serial,
		OutDir:   outDir,
		Stamp:    now.Format("20060102_150405")}
}

// Lab returns the lab token, e.g. "lab{2}"
func (c Config) Lab() string {
	return fmt.Sprintf("lab{%d}", c.LabIndex)
}

// PV resolves a PV template to a concrete address for this lab
func (c Config) PV(template string) string {
	return ca.Address(template, c.LabIndex)
}

// ArchivePath is the HDF5 output filename
func (c Config) ArchivePath() string {
	return filepath.Join(c.OutDir, fmt.Sprintf("epics_test_SN%s_%d_%s.h5", c.Serial, c.LabIndex, c.Stamp))
}

// ReportPath is the PDF output filename
func (c Config) ReportPath() string {
	return filepath.Join(c.OutDir, fmt.Sprintf("epics_test_report_SN%s_%d_%s.pdf", c.Serial, c.LabIndex, c.Stamp))
}

// PlotsDir is the directory per-phase plot images are written to
func (c Config) PlotsDir() string {
	return filepath.Join(c.OutDir, fmt.Sprintf("plots_SN%s_%d_%s", c.Serial, c.LabIndex, c.Stamp))
}

// Clock abstracts time so tests can run the 10 second EVR window and the
// physical settling waits without wall time passing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type wallClock struct{}

func (wallClock) Now() time.Time        { return time.Now() }
func (wallClock) Sleep(d time.Duration) { time.Sleep(d) }

// WallClock returns a Clock backed by real time
func WallClock() Clock {
	return wallClock{}
}
