package engine

import (
	"time"
)

type Status struct {
	Running    bool      `json:"running"`
	Healthy    bool      `json:"healthy"`
	Workers    int       `json:"workers"`
	Alive      int       `json:"alive"`
	Sites      int       `json:"sites"`
	Webs       int       `json:"webs"`
	Picks      int       `json:"picks"`
	Hypos      int       `json:"hypos"`
	Pending    int       `json:"pending"`
	InputQueue int       `json:"input_queue"`
	DataClock  float64   `json:"data_clock"`
	LastInput  time.Time `json:"last_input,omitzero"`
	LastDecay  time.Time `json:"last_decay,omitzero"`
}

// Status reports queue sizes and worker liveness. A running engine is healthy
// while every ingest worker is alive.
func (e *Engine) Status() Status {
	s := Status{
		Running:    e.running.Load(),
		Workers:    max(e.cfg.Glass.Workers, 1),
		Alive:      int(e.alive.Load()),
		Sites:      e.sites.Len(),
		Webs:       e.webs.Len(),
		Picks:      e.picks.Len(),
		Hypos:      e.hypos.Len(),
		Pending:    e.hypos.Pending(),
		InputQueue: len(e.input),
		DataClock:  e.hypos.Now(),
		LastInput:  unixNano(e.lastInput.Load()),
		LastDecay:  unixNano(e.lastDecay.Load()),
	}
	s.Healthy = !s.Running || s.Alive == s.Workers
	return s
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
