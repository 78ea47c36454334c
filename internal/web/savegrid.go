package web

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lox/quakeassoc/internal/sites"
)

// SaveGrid writes <name>_gridfile.csv (one row per node) and
// <name>_gridstafile.csv (one row per node-site link) into dir.
func (w *Web) SaveGrid(dir string, siteList *sites.List) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create grid dir: %w", err)
	}

	nodes := [][]string{{"Grid", "NodeID", "NodeLat", "NodeLon", "NodeDepth"}}
	links := [][]string{{"NodeID", "StationSCNL", "StationLat", "StationLon", "StationDistance", "TravelTime1", "TravelTime2"}}
	for _, n := range w.nodes {
		nodes = append(nodes, []string{w.cfg.Name, n.ID, ff(n.Lat), ff(n.Lon), ff(n.Depth)})
		for _, l := range n.Links {
			lat, lon := "", ""
			if s, ok := siteList.Lookup(l.SCNL); ok {
				lat, lon = ff(s.Latitude), ff(s.Longitude)
			}
			links = append(links, []string{n.ID, l.SCNL, lat, lon, ff(l.Distance), ff(l.TT1), ff(l.TT2)})
		}
	}

	if err := writeCSV(filepath.Join(dir, w.cfg.Name+"_gridfile.csv"), nodes); err != nil {
		return err
	}
	return writeCSV(filepath.Join(dir, w.cfg.Name+"_gridstafile.csv"), links)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
