package seq

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nsls2/psbench/ca"
	"github.com/nsls2/psbench/report"
	"github.com/nsls2/psbench/status"
)

var errNoPV = errors.New("pv not found")

// fakeCA is an in-memory Client.  Scalar reads consume seqVals first (for
// PVs that change between samples), then fall back to scalars; reading a
// PV present in arrays as a scalar returns ErrNotScalar like the gateway.
type fakeCA struct {
	scalars   map[string]float64
	seqVals   map[string][]float64
	strs      map[string]string
	arrays    map[string][]float64
	lastPut   map[string]float64
	putLog    []string
	getCounts map[string]int
}

func newFakeCA() *fakeCA {
	return &fakeCA{
		scalars:   map[string]float64{},
		seqVals:   map[string][]float64{},
		strs:      map[string]string{},
		arrays:    map[string][]float64{},
		lastPut:   map[string]float64{},
		getCounts: map[string]int{}}
}

func (f *fakeCA) Get(pv string) (float64, error) {
	f.getCounts[pv]++
	if vals, ok := f.seqVals[pv]; ok && len(vals) > 0 {
		v := vals[0]
		f.seqVals[pv] = vals[1:]
		return v, nil
	}
	if v, ok := f.scalars[pv]; ok {
		return v, nil
	}
	if _, ok := f.arrays[pv]; ok {
		return 0, ca.ErrNotScalar
	}
	return 0, errNoPV
}

func (f *fakeCA) GetString(pv string) (string, error) {
	f.getCounts[pv]++
	if v, ok := f.strs[pv]; ok {
		return v, nil
	}
	return "", errNoPV
}

func (f *fakeCA) GetArray(pv string) ([]float64, error) {
	f.getCounts[pv]++
	if v, ok := f.arrays[pv]; ok {
		return append([]float64(nil), v...), nil
	}
	return nil, errNoPV
}

func (f *fakeCA) Put(pv string, v float64) error {
	f.lastPut[pv] = v
	f.putLog = append(f.putLog, fmt.Sprintf("%s=%v", pv, v))
	return nil
}

func (f *fakeCA) PutInt(pv string, v int) error {
	return f.Put(pv, float64(v))
}

// fakeClock makes Sleep advance simulated time instantly
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }

// memArchive records writes in memory
type memArchive struct {
	arrays map[string][]float64
	strs   map[string]string
	closes int
}

func newMemArchive() *memArchive {
	return &memArchive{arrays: map[string][]float64{}, strs: map[string]string{}}
}

func (m *memArchive) WriteArray(group, name string, data []float64) error {
	m.arrays[group+"/"+name] = append([]float64(nil), data...)
	return nil
}

func (m *memArchive) WriteString(group, name, value string) error {
	m.strs[group+"/"+name] = value
	return nil
}

func (m *memArchive) Close() error {
	m.closes++
	return nil
}

// newTestSequencer builds a Sequencer over fakes; plots records requested
// plot files without rendering anything
func newTestSequencer(t *testing.T, fake *fakeCA) (*Sequencer, *memArchive, *status.Recorder, *[]string) {
	t.Helper()
	arc := newMemArchive()
	rec := status.NewRecorder()
	plots := &[]string{}
	s := &Sequencer{
		CA:      fake,
		Archive: arc,
		Report:  report.New(),
		Plot: func(y []float64, title, filename string) error {
			*plots = append(*plots, filename)
			return nil
		},
		Clock:  &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		Status: rec,
		Config: NewConfig(1, "0025", t.TempDir(), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))}
	return s, arc, rec, plots
}

// twoChannelDevice populates fake with a healthy two channel module
func twoChannelDevice(fake *fakeCA) {
	fake.strs["lab{1}NumChannels-Mode"] = "2"
	fake.strs["lab{1}Resolution-Mode"] = "High"
	fake.strs["lab{1}Bandwidth-Mode"] = "slow"
	fake.strs["lab{1}Polarity-Mode"] = "Bipolar"
	fake.scalars["lab{1}Chan1:DAC-I"] = 1.02
	fake.scalars["lab{1}Chan2:DAC-I"] = 0.97
	for ch := 1; ch <= 2; ch++ {
		for _, sig := range waveformSignals {
			if sig == "Spare-Wfm" {
				continue // deliberately unreadable
			}
			fake.arrays[fmt.Sprintf("lab{1}Chan%d:USR:%s", ch, sig)] = []float64{0, 1, 2, 3}
		}
	}
}

func TestLoopbackGateAbortsRun(t *testing.T) {
	fake := newFakeCA()
	twoChannelDevice(fake)
	fake.scalars["lab{1}Chan2:DAC-I"] = 1.5 // out of tolerance
	s, arc, _, _ := newTestSequencer(t, fake)

	code := s.Run()
	if code != 1 {
		t.Fatalf("Run() = %d, want 1 on loopback failure", code)
	}
	if n := fake.getCounts["lab{1}TS-S-I"]; n != 0 {
		t.Errorf("EVR was sampled %d times after a gating failure", n)
	}
	for ch := 1; ch <= 4; ch++ {
		pv := fmt.Sprintf("lab{1}Chan%d:SS:Trig:Usr", ch)
		if _, ok := fake.lastPut[pv]; ok {
			t.Errorf("snapshot trigger %s fired after a gating failure", pv)
		}
	}
	for ch := 1; ch <= 2; ch++ {
		pv := fmt.Sprintf("lab{1}Chan%d:DAC_SetPt-SP", ch)
		if v := fake.lastPut[pv]; v != 0 {
			t.Errorf("setpoint %s left at %v, want 0 after abort", pv, v)
		}
	}
	if arc.closes != 1 {
		t.Errorf("archive closed %d times, want 1", arc.closes)
	}
	if _, err := os.Stat(s.Config.ReportPath()); err != nil {
		t.Errorf("partial report was not flushed before abort: %v", err)
	}
}

func TestLoopbackReadFailureCountsAsFail(t *testing.T) {
	fake := newFakeCA()
	twoChannelDevice(fake)
	delete(fake.scalars, "lab{1}Chan2:DAC-I")
	s, _, _, _ := newTestSequencer(t, fake)
	if code := s.Run(); code != 1 {
		t.Fatalf("Run() = %d, want 1 when a readback is unreadable", code)
	}
}

func TestFullRunTwoChannels(t *testing.T) {
	fake := newFakeCA()
	twoChannelDevice(fake)
	// 20 EVR samples over the 10s window at 0.5s cadence
	evr := make([]float64, 20)
	for i := range evr {
		evr[i] = float64(5 + i/2)
	}
	fake.seqVals["lab{1}TS-S-I"] = evr

	s, arc, rec, plots := newTestSequencer(t, fake)
	code := s.Run()
	if code != 0 {
		t.Fatalf("Run() = %d, want 0", code)
	}

	// device configuration recorded
	if got := arc.strs["meta/lab{1}NumChannels-Mode"]; got != "2" {
		t.Errorf("meta NumChannels = %q, want \"2\"", got)
	}

	// EVR samples archived and passed
	samples := arc.arrays["evr/samples"]
	if len(samples) != 20 {
		t.Fatalf("archived %d EVR samples, want 20", len(samples))
	}
	assertResult(t, rec, "EVR monotonicity", true)

	// FOFB skipped on slow bandwidth without affecting the exit code
	assertResultMeasured(t, rec, "FOFB", "SKIPPED")

	// waveforms archived per phase, unreadable signal as NaN sentinel
	for _, phase := range []string{"step", "ramp", "steady_state"} {
		key := phase + "/Chan1/lab{1}Chan1_USR_DCCT1-Wfm"
		if got := arc.arrays[key]; len(got) != 4 {
			t.Errorf("%s: archived %d points, want 4", key, len(got))
		}
		sentinel := arc.arrays[phase+"/Chan1/lab{1}Chan1_USR_Spare-Wfm"]
		if len(sentinel) != 1 || !math.IsNaN(sentinel[0]) {
			t.Errorf("%s Spare-Wfm sentinel = %v, want [NaN]", phase, sentinel)
		}
	}

	// 7 readable signals x 2 channels x 3 phases, plus the EVR sequence
	if len(*plots) != 43 {
		t.Errorf("rendered %d plots, want 43", len(*plots))
	}

	// ramp snapshot stagger: third trigger volley fires 1, 3, 4 then 2
	volley := triggerPuts(fake.putLog)
	if len(volley) != 16 {
		t.Fatalf("saw %d trigger puts, want 16", len(volley))
	}
	ramp := volley[8:12]
	want := []string{
		"lab{1}Chan1:SS:Trig:Usr",
		"lab{1}Chan3:SS:Trig:Usr",
		"lab{1}Chan4:SS:Trig:Usr",
		"lab{1}Chan2:SS:Trig:Usr"}
	for i := range want {
		if ramp[i] != want[i] {
			t.Fatalf("ramp trigger order %v, want %v", ramp, want)
		}
	}

	// teardown left the supply parked and disabled
	assertParked(t, fake, []int{1, 2})

	if arc.closes != 1 {
		t.Errorf("archive closed %d times, want 1", arc.closes)
	}
	if _, err := os.Stat(s.Config.ReportPath()); err != nil {
		t.Errorf("report was not written: %v", err)
	}
}

func TestEVRAllMissingFails(t *testing.T) {
	fake := newFakeCA()
	s, arc, rec, plots := newTestSequencer(t, fake)
	s.evrMonotonic()
	assertResult(t, rec, "EVR monotonicity", false)
	samples := arc.arrays["evr/samples"]
	if len(samples) != 20 {
		t.Fatalf("archived %d samples, want 20", len(samples))
	}
	for i, v := range samples {
		if !math.IsNaN(v) {
			t.Fatalf("sample %d = %v, want NaN", i, v)
		}
	}
	if len(*plots) != 0 {
		t.Error("plotted an empty EVR sequence")
	}
}

func TestEVRMissingSamplesExcludedNotFailed(t *testing.T) {
	fake := newFakeCA()
	// reads fail partway through the window; survivors are non-decreasing
	fake.seqVals["lab{1}TS-S-I"] = []float64{1, 2, 3}
	s, _, rec, _ := newTestSequencer(t, fake)
	s.evrMonotonic()
	assertResult(t, rec, "EVR monotonicity", true)
}

func TestFOFBRunsOnFastBandwidth(t *testing.T) {
	fake := newFakeCA()
	fake.strs["lab{1}Bandwidth-Mode"] = "Fast"
	fake.scalars["lab{1}Chan1:DAC-I"] = 1.0
	fake.scalars["lab{1}Chan2:DAC-I"] = 1.05
	fake.arrays["lab{1}Chan2:USR:Reg-Wfm"] = []float64{1, 2}
	fake.arrays["lab{1}Chan2:USR:Error-Wfm"] = []float64{0, 0}
	s, _, rec, _ := newTestSequencer(t, fake)

	s.fofb([]int{1, 2})

	if v := fake.lastPut["lab{1}FOFB:IPaddr-SP"]; v != float64(0xA008E64) {
		t.Errorf("FOFB IP = %v, want %v", v, float64(0xA008E64))
	}
	for i, ch := range []int{1, 2, 3, 4} {
		pv := fmt.Sprintf("lab{1}Chan%d:FOFB:FastAddr-SP", ch)
		if v := fake.lastPut[pv]; v != float64(i) {
			t.Errorf("%s = %v, want %d", pv, v, i)
		}
	}
	for _, ch := range []int{1, 2} {
		pv := fmt.Sprintf("lab{1}Chan%d:DAC_OpMode-SP", ch)
		if v := fake.lastPut[pv]; v != opModeFOFB {
			t.Errorf("%s = %v, want %d", pv, v, opModeFOFB)
		}
	}
	for _, r := range rec.Snapshot().Results {
		if strings.HasPrefix(r.Name, "FOFB ") && !r.Pass {
			t.Errorf("%s failed: measured %s", r.Name, r.Measured)
		}
	}
}

func TestFOFBSkippedUnlessFast(t *testing.T) {
	for _, band := range []string{"slow", "Medium", ""} {
		fake := newFakeCA()
		if band != "" {
			fake.strs["lab{1}Bandwidth-Mode"] = band
		}
		s, _, rec, _ := newTestSequencer(t, fake)
		s.fofb([]int{1, 2})
		assertResultMeasured(t, rec, "FOFB", "SKIPPED")
		if _, ok := fake.lastPut["lab{1}FOFB:IPaddr-SP"]; ok {
			t.Errorf("band %q: FOFB addresses written despite skip", band)
		}
	}
}

func TestFOFBCaseInsensitiveMatch(t *testing.T) {
	fake := newFakeCA()
	fake.strs["lab{1}Bandwidth-Mode"] = " FAST "
	s, _, _, _ := newTestSequencer(t, fake)
	s.fofb([]int{1, 2})
	if _, ok := fake.lastPut["lab{1}FOFB:IPaddr-SP"]; !ok {
		t.Error("FOFB did not run for ' FAST '")
	}
}

func TestTeardownIdempotent(t *testing.T) {
	fake := newFakeCA()
	s, _, _, _ := newTestSequencer(t, fake)
	channels := []int{1, 2}

	s.teardown(channels)
	once := map[string]float64{}
	for k, v := range fake.lastPut {
		once[k] = v
	}
	s.teardown(channels)

	if len(fake.lastPut) != len(once) {
		t.Fatalf("second teardown touched new PVs: %v vs %v", fake.lastPut, once)
	}
	for k, v := range fake.lastPut {
		if once[k] != v {
			t.Errorf("teardown not idempotent: %s changed %v -> %v", k, once[k], v)
		}
	}
	assertParked(t, fake, channels)
}

func triggerPuts(putLog []string) []string {
	var out []string
	for _, entry := range putLog {
		if strings.Contains(entry, ":SS:Trig:Usr=") {
			out = append(out, strings.SplitN(entry, "=", 2)[0])
		}
	}
	return out
}

func assertParked(t *testing.T, fake *fakeCA, channels []int) {
	t.Helper()
	for _, ch := range channels {
		if v := fake.lastPut[fmt.Sprintf("lab{1}Chan%d:DAC_SetPt-SP", ch)]; v != 0 {
			t.Errorf("Chan%d setpoint = %v, want 0", ch, v)
		}
		if v := fake.lastPut[fmt.Sprintf("lab{1}Chan%d:DigOut_Park-SP", ch)]; v != 1 {
			t.Errorf("Chan%d park = %v, want 1", ch, v)
		}
		if v := fake.lastPut[fmt.Sprintf("lab{1}Chan%d:DigOut_ON1-SP", ch)]; v != 0 {
			t.Errorf("Chan%d ON1 = %v, want 0", ch, v)
		}
		if v := fake.lastPut[fmt.Sprintf("lab{1}Chan%d:DAC_OpMode-SP", ch)]; v != opModeSmooth {
			t.Errorf("Chan%d opmode = %v, want %d", ch, v, opModeSmooth)
		}
	}
}

func assertResult(t *testing.T, rec *status.Recorder, name string, pass bool) {
	t.Helper()
	for _, r := range rec.Snapshot().Results {
		if r.Name == name {
			if r.Pass != pass {
				t.Errorf("%s pass = %v, want %v", name, r.Pass, pass)
			}
			return
		}
	}
	t.Errorf("no result recorded for %q", name)
}

func assertResultMeasured(t *testing.T, rec *status.Recorder, name, measured string) {
	t.Helper()
	for _, r := range rec.Snapshot().Results {
		if r.Name == name {
			if r.Measured != measured {
				t.Errorf("%s measured = %q, want %q", name, r.Measured, measured)
			}
			return
		}
	}
	t.Errorf("no result recorded for %q", name)
}
