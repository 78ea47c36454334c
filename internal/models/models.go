package models

import (
	"strings"
	"time"
)

// Site is a seismic station channel identified by its SCNL.
type Site struct {
	Station    string
	Channel    string
	Network    string
	Location   string
	Latitude   float64
	Longitude  float64
	Elevation  float64 // metres
	Quality    float64
	Enable     bool
	UseForTele bool
}

// SCNL builds the STA.CHA.NET.LOC identifier, omitting empty optional parts.
func (s Site) SCNL() string {
	return MakeSCNL(s.Station, s.Channel, s.Network, s.Location)
}

// Depth returns the site depth in kilometres (negative elevation).
func (s Site) Depth() float64 {
	return -0.001 * s.Elevation
}

func MakeSCNL(sta, cha, net, loc string) string {
	if loc == "--" {
		loc = ""
	}
	parts := []string{sta}
	if cha != "" {
		parts = append(parts, cha)
	}
	parts = append(parts, net)
	if loc != "" {
		parts = append(parts, loc)
	}
	return strings.Join(parts, ".")
}

// Pick is a single-station, single-phase arrival. Times are epoch seconds.
type Pick struct {
	ID          string
	SCNL        string
	Time        float64
	Phase       string
	BackAzimuth float64 // negative when absent
	Slowness    float64 // negative when absent
	Source      string
	CreatedAt   time.Time
}

// Correlation is a cross-correlation detection that carries its own origin estimate.
type Correlation struct {
	ID          string
	SCNL        string
	Time        float64
	Phase       string
	Correlation float64
	Latitude    float64
	Longitude   float64
	Depth       float64
	OriginTime  float64
	Source      string
	CreatedAt   time.Time
}

// Detection is an externally located hypocenter.
type Detection struct {
	ID        string
	Latitude  float64
	Longitude float64
	Depth     float64
	Time      float64
	Source    string
}

// EventPick is one associated observation in an event report.
type EventPick struct {
	ID       string
	SCNL     string
	Phase    string
	Time     float64
	Residual float64
	Distance float64
	Azimuth  float64
	Kind     string // "pick" or "correlation"
}

// Event is the report emitted for a hypothesis.
type Event struct {
	ID          string
	Web         string
	Latitude    float64
	Longitude   float64
	Depth       float64
	OriginTime  float64
	Bayes       float64
	Gap         float64
	MinDistance float64
	MedDistance float64
	ResidualStd float64
	SumAbsRes   float64
	PickCount   int
	Converged   bool
	Version     int
	ReportedAt  time.Time
	Picks       []EventPick
}

// OriginTimeUTC converts the epoch origin time to a time.Time.
func (e Event) OriginTimeUTC() time.Time {
	return EpochToTime(e.OriginTime)
}

func EpochToTime(t float64) time.Time {
	sec := int64(t)
	nsec := int64((t - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func TimeToEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
