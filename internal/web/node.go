package web

import (
	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/stack"
)

// Node is one nucleation point of a web with its site links sorted by distance.
// Nodes are immutable once generated.
type Node struct {
	ID         string
	Web        string
	Lat        float64
	Lon        float64
	Depth      float64
	Resolution float64
	Enabled    bool
	Links      []stack.Link
	linkIndex  map[string]int
}

func (n *Node) Point() geo.Point {
	return geo.Point{Lat: n.Lat, Lon: n.Lon, Depth: n.Depth}
}

// Link returns the link for scnl if the node is linked to that site.
func (n *Node) Link(scnl string) (stack.Link, bool) {
	i, ok := n.linkIndex[scnl]
	if !ok {
		return stack.Link{}, false
	}
	return n.Links[i], true
}

func (n *Node) index() {
	n.linkIndex = make(map[string]int, len(n.Links))
	for i, l := range n.Links {
		n.linkIndex[l.SCNL] = i
	}
}
