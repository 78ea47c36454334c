package web

import (
	"math"

	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/stack"
)

// crustal P velocity (km/s) used to turn node spacing into a timing tolerance
const spacingVelocity = 6.0

type NucleateParams struct {
	Sigma       float64
	SDAssociate float64
}

// Sigma widens the base stacking sigma to cover the travel-time error of an event
// lying between nodes.
func (w *Web) Sigma(base float64) float64 {
	return math.Max(base, w.cfg.Resolution/(2*spacingVelocity))
}

// Nucleate tries every node linked to the pick's site. For each node the origin
// epoch is back-projected with both phases and each epoch is stacked. The best
// trigger over all nodes and epochs is returned, ties going to the earlier epoch.
func (w *Web) Nucleate(p models.Pick, src stack.PickSource, free stack.Free, np NucleateParams) (stack.Trigger, bool) {
	if !w.enabled {
		return stack.Trigger{}, false
	}
	sigma := w.Sigma(np.Sigma)
	window := np.SDAssociate * sigma

	var best stack.Trigger
	found := false
	for _, n := range w.bySite[p.SCNL] {
		link, ok := n.Link(p.SCNL)
		if !ok {
			continue
		}
		for _, tt := range [2]float64{link.TT1, link.TT2} {
			if tt < 0 {
				continue
			}
			epoch := p.Time - tt
			r := stack.Evaluate(n.Links, epoch, sigma, window, src, free)
			if r.Sum < w.cfg.Thresh || r.Count < w.cfg.Nucleate {
				continue
			}
			trig := stack.Trigger{
				Web:        w.cfg.Name,
				NodeID:     n.ID,
				Lat:        n.Lat,
				Lon:        n.Lon,
				Depth:      n.Depth,
				Time:       epoch,
				Resolution: n.Resolution,
				Sum:        r.Sum,
				Count:      r.Count,
				PickIDs:    r.PickIDs,
			}
			if !found || stack.Better(trig, best) {
				best, found = trig, true
			}
		}
	}
	return best, found
}
