// Package hypo maintains the population of hypocenters: creation from triggers,
// correlations and detections, the refine/prune/merge cycle, cancellation and
// reporting. Observation ownership lives in the Ledger.
package hypo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lox/quakeassoc/internal/locate"
)

type State int32

const (
	Nucleated State = iota
	Refining
	Reported
	Canceled
)

func (s State) String() string {
	switch s {
	case Nucleated:
		return "nucleated"
	case Refining:
		return "refining"
	case Reported:
		return "reported"
	default:
		return "canceled"
	}
}

const (
	SeedTrigger     = "trigger"
	SeedCorrelation = "correlation"
	SeedDetection   = "detection"
)

// Hypo is one hypocenter. Processing is serialized by proc; the location and
// statistics are guarded by mu so readers never wait on a refinement.
type Hypo struct {
	ID         string
	Web        string
	Seed       string
	Thresh     float64
	Nucleate   int
	Resolution float64
	Phases     []string
	Created    float64 // data clock at creation
	CreatedAt  time.Time

	proc  sync.Mutex
	state atomic.Int32

	mu          sync.RWMutex
	est         locate.Estimate
	diag        locate.Diagnostics
	fixed       bool
	converged   bool
	cycles      int
	processed   int
	reports     int
	version     int
	reportedSig string
	updatedAt   time.Time
}

func (h *Hypo) State() State {
	return State(h.state.Load())
}

func (h *Hypo) Canceled() bool {
	return h.State() == Canceled
}

func (h *Hypo) Estimate() locate.Estimate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.est
}

func (h *Hypo) Diagnostics() locate.Diagnostics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.diag
}

// SetFixed freezes the location. A fixed hypo still gains and loses picks.
func (h *Hypo) SetFixed(fixed bool) {
	h.mu.Lock()
	h.fixed = fixed
	h.mu.Unlock()
}

func (h *Hypo) Fixed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fixed
}

func (h *Hypo) Converged() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.converged
}

// spendCycle takes one relocation from the budget of cycles allowed since data
// was last added, reporting false once limit relocations have been spent.
func (h *Hypo) spendCycle(limit int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cycles >= limit {
		return false
	}
	h.cycles++
	return true
}

func (h *Hypo) exhausted(limit int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cycles >= limit
}

// resetCycles restores the relocation budget after new data is attached.
func (h *Hypo) resetCycles() {
	h.mu.Lock()
	h.cycles = 0
	h.mu.Unlock()
}

// Summary is a point-in-time view for status output.
type Summary struct {
	ID         string    `json:"id"`
	Web        string    `json:"web"`
	Seed       string    `json:"seed"`
	State      string    `json:"state"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Depth      float64   `json:"depth"`
	OriginTime float64   `json:"origin_time"`
	Bayes      float64   `json:"bayes"`
	Gap        float64   `json:"gap"`
	Residual   float64   `json:"residual_std"`
	Data       int       `json:"data"`
	Cycles     int       `json:"cycles"`
	Processed  int       `json:"processed"`
	Reports    int       `json:"reports"`
	Converged  bool      `json:"converged"`
	Fixed      bool      `json:"fixed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (h *Hypo) summary(data int) Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Summary{
		ID:         h.ID,
		Web:        h.Web,
		Seed:       h.Seed,
		State:      h.State().String(),
		Latitude:   h.est.Lat,
		Longitude:  h.est.Lon,
		Depth:      h.est.Depth,
		OriginTime: h.est.Time,
		Bayes:      h.diag.Bayes,
		Gap:        h.diag.Gap,
		Residual:   h.diag.StdDev,
		Data:       data,
		Cycles:     h.cycles,
		Processed:  h.processed,
		Reports:    h.reports,
		Converged:  h.converged,
		Fixed:      h.fixed,
		UpdatedAt:  h.updatedAt,
	}
}

// transition moves from one state to another and reports whether it happened.
func (h *Hypo) transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// cancel marks the hypo canceled and returns the state it left.
func (h *Hypo) cancel() (State, bool) {
	for {
		old := h.state.Load()
		if State(old) == Canceled {
			return Canceled, false
		}
		if h.state.CompareAndSwap(old, int32(Canceled)) {
			return State(old), true
		}
	}
}
