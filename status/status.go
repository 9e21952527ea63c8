/*Package status exposes read-only run progress over HTTP.

The sequencer pushes section transitions and test results into a Recorder;
operators watching a long acceptance run can poll GET /status for a JSON
snapshot instead of tailing the console log.  The endpoint never writes to
the device and does not influence the run.
*/
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// Result is one recorded pass/fail outcome
type Result struct {
	Name     string `json:"name"`
	Measured string `json:"measured"`
	Pass     bool   `json:"pass"`
}

// Snapshot is the state of the run at one instant
type Snapshot struct {
	Section   string    `json:"section"`
	Detail    string    `json:"detail"`
	Results   []Result  `json:"results"`
	StartedAt time.Time `json:"started_at"`
	Done      bool      `json:"done"`
}

// Recorder accumulates run progress.  Safe for one writer (the sequencer)
// and any number of HTTP readers.
type Recorder struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewRecorder creates a Recorder with the start time stamped
func NewRecorder() *Recorder {
	return &Recorder{snap: Snapshot{StartedAt: time.Now()}}
}

// Section marks entry into a named section of the procedure
func (r *Recorder) Section(name, detail string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.snap.Section = name
	r.snap.Detail = detail
	r.mu.Unlock()
}

// Add records a test result
func (r *Recorder) Add(name, measured string, pass bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.snap.Results = append(r.snap.Results, Result{Name: name, Measured: measured, Pass: pass})
	r.mu.Unlock()
}

// Finish marks the run complete
func (r *Recorder) Finish() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.snap.Done = true
	r.mu.Unlock()
}

// Snapshot returns a copy of the current state
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.Results = append([]Result(nil), r.snap.Results...)
	return s
}

// Handler returns a chi router serving GET /status
func (r *Recorder) Handler() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(r.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
