package main

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/parse"
	"github.com/lox/quakeassoc/internal/synth"
	"github.com/lox/quakeassoc/internal/traveltime"
)

func TestWriteSynth_Decodes(t *testing.T) {
	center := geo.Point{Lat: 36, Lon: -97.5, Depth: 10}
	ring := synth.Ring("XX", center, []float64{0, 90, 180, 270}, []float64{50})
	picks := synth.Arrivals(ring, center, 1000, traveltime.DefaultCrustal(), "P", "P-")

	var buf bytes.Buffer
	if err := writeSynth(&buf, ring, picks); err != nil {
		t.Fatalf("writeSynth: %v", err)
	}

	counts := map[parse.Kind]int{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		msg, err := parse.Line("auto", sc.Text())
		if err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		counts[msg.Kind]++
	}
	if counts[parse.KindStationInfo] != 4 || counts[parse.KindPick] != 4 {
		t.Errorf("counts = %v, want 4 stations and 4 picks", counts)
	}
}
