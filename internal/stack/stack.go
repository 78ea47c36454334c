// Package stack computes the Bayesian stacking statistic used for nucleation and
// association: per-site significances of arrival residuals, weighted by site quality
// and summed over sites.
package stack

import (
	"math"

	"github.com/lox/quakeassoc/internal/models"
)

// Gauss is the Gaussian significance of a residual, 1 at zero.
func Gauss(res, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return math.Exp(-(res * res) / (2 * sigma * sigma))
}

// Laplace is the exponential significance of a residual, 1 at zero.
func Laplace(res, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return math.Exp(-math.Abs(res) / sigma)
}

// Link ties a site to predicted travel times for the first and second phase.
// A negative time means the phase is not predicted.
type Link struct {
	SCNL     string
	Quality  float64
	Distance float64 // degrees
	TT1      float64
	TT2      float64
}

// PickSource returns the picks of a site within an arrival time window.
type PickSource interface {
	SiteRange(scnl string, t0, t1 float64) []models.Pick
}

// Free reports whether a pick may be used (typically: not yet associated).
type Free func(pickID string) bool

type Result struct {
	Sum     float64
	Count   int
	PickIDs []string
}

// Evaluate stacks picks around the given origin epoch. Each site contributes its
// single best significance over both phases, times its quality.
func Evaluate(links []Link, epoch, sigma, window float64, src PickSource, free Free) Result {
	var r Result
	for _, l := range links {
		best := 0.0
		bestID := ""
		for _, tt := range [2]float64{l.TT1, l.TT2} {
			if tt < 0 {
				continue
			}
			expected := epoch + tt
			for _, p := range src.SiteRange(l.SCNL, expected-window, expected+window) {
				if free != nil && !free(p.ID) {
					continue
				}
				if sig := Gauss(p.Time-expected, sigma); sig > best {
					best, bestID = sig, p.ID
				}
			}
		}
		if bestID == "" {
			continue
		}
		q := l.Quality
		if q <= 0 {
			q = 1
		}
		r.Sum += best * q
		r.Count++
		r.PickIDs = append(r.PickIDs, bestID)
	}
	return r
}

// Trigger is a node and origin epoch whose stack crossed the nucleation threshold.
type Trigger struct {
	Web        string
	NodeID     string
	Lat        float64
	Lon        float64
	Depth      float64
	Time       float64
	Resolution float64
	Sum        float64
	Count      int
	PickIDs    []string
}

// Better reports whether a beats b: larger stack, ties to the earlier epoch.
func Better(a, b Trigger) bool {
	if a.Sum != b.Sum {
		return a.Sum > b.Sum
	}
	return a.Time < b.Time
}
