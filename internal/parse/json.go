package parse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lox/quakeassoc/internal/models"
)

var ErrInvalid = errors.New("invalid message")

type Kind int

const (
	KindUnknown Kind = iota
	KindPick
	KindCorrelation
	KindDetection
	KindStationInfo
)

func (k Kind) String() string {
	switch k {
	case KindPick:
		return "Pick"
	case KindCorrelation:
		return "Correlation"
	case KindDetection:
		return "Detection"
	case KindStationInfo:
		return "StationInfo"
	default:
		return "Unknown"
	}
}

// Message is one decoded input record; exactly one payload is set.
type Message struct {
	Kind        Kind
	Pick        *models.Pick
	Correlation *models.Correlation
	Detection   *models.Detection
	Station     *models.Site
}

type siteJSON struct {
	Station  string `json:"Station"`
	Channel  string `json:"Channel,omitempty"`
	Network  string `json:"Network"`
	Location string `json:"Location,omitempty"`
}

type sourceJSON struct {
	AgencyID string `json:"AgencyID"`
	Author   string `json:"Author"`
}

type beamJSON struct {
	BackAzimuth float64 `json:"BackAzimuth"`
	Slowness    float64 `json:"Slowness"`
}

type hypocenterJSON struct {
	Latitude  float64 `json:"Latitude"`
	Longitude float64 `json:"Longitude"`
	Depth     float64 `json:"Depth"`
	Time      string  `json:"Time"`
}

type envelope struct {
	Type        string          `json:"Type"`
	ID          string          `json:"ID"`
	Site        *siteJSON       `json:"Site"`
	Source      *sourceJSON     `json:"Source"`
	Time        string          `json:"Time"`
	Phase       string          `json:"Phase"`
	Beam        *beamJSON       `json:"Beam"`
	Correlation *float64        `json:"Correlation"`
	Hypocenter  *hypocenterJSON `json:"Hypocenter"`

	Latitude          *float64 `json:"Latitude"`
	Longitude         *float64 `json:"Longitude"`
	Elevation         float64  `json:"Elevation"`
	Quality           *float64 `json:"Quality"`
	Enable            *bool    `json:"Enable"`
	UseForTeleseismic *bool    `json:"UseForTeleseismic"`
}

// JSON decodes a Pick, Correlation, Detection or StationInfo message.
func JSON(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch env.Type {
	case "Pick":
		p, err := env.pick()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindPick, Pick: &p}, nil
	case "Correlation":
		c, err := env.correlation()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindCorrelation, Correlation: &c}, nil
	case "Detection":
		d, err := env.detection()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindDetection, Detection: &d}, nil
	case "StationInfo":
		s, err := env.station()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindStationInfo, Station: &s}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalid, env.Type)
	}
}

func (e envelope) scnl() (string, error) {
	if e.Site == nil || e.Site.Station == "" || e.Site.Network == "" {
		return "", fmt.Errorf("%w: missing site", ErrInvalid)
	}
	return models.MakeSCNL(e.Site.Station, e.Site.Channel, e.Site.Network, e.Site.Location), nil
}

func (e envelope) source() string {
	if e.Source == nil {
		return ""
	}
	if e.Source.AgencyID == "" {
		return e.Source.Author
	}
	return e.Source.AgencyID + "." + e.Source.Author
}

func (e envelope) pick() (models.Pick, error) {
	scnl, err := e.scnl()
	if err != nil {
		return models.Pick{}, err
	}
	t, err := ParseISOTime(e.Time)
	if err != nil {
		return models.Pick{}, err
	}
	p := models.Pick{
		ID:          idOrNew(e.ID),
		SCNL:        scnl,
		Time:        t,
		Phase:       e.Phase,
		BackAzimuth: -1,
		Slowness:    -1,
		Source:      e.source(),
		CreatedAt:   time.Now().UTC(),
	}
	if e.Beam != nil {
		p.BackAzimuth = e.Beam.BackAzimuth
		p.Slowness = e.Beam.Slowness
	}
	return p, nil
}

func (e envelope) correlation() (models.Correlation, error) {
	scnl, err := e.scnl()
	if err != nil {
		return models.Correlation{}, err
	}
	t, err := ParseISOTime(e.Time)
	if err != nil {
		return models.Correlation{}, err
	}
	if e.Hypocenter == nil || e.Correlation == nil {
		return models.Correlation{}, fmt.Errorf("%w: correlation missing hypocenter or value", ErrInvalid)
	}
	ot, err := ParseISOTime(e.Hypocenter.Time)
	if err != nil {
		return models.Correlation{}, err
	}
	return models.Correlation{
		ID:          idOrNew(e.ID),
		SCNL:        scnl,
		Time:        t,
		Phase:       e.Phase,
		Correlation: *e.Correlation,
		Latitude:    e.Hypocenter.Latitude,
		Longitude:   e.Hypocenter.Longitude,
		Depth:       e.Hypocenter.Depth,
		OriginTime:  ot,
		Source:      e.source(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (e envelope) detection() (models.Detection, error) {
	if e.Hypocenter == nil {
		return models.Detection{}, fmt.Errorf("%w: detection missing hypocenter", ErrInvalid)
	}
	t, err := ParseISOTime(e.Hypocenter.Time)
	if err != nil {
		return models.Detection{}, err
	}
	return models.Detection{
		ID:        idOrNew(e.ID),
		Latitude:  e.Hypocenter.Latitude,
		Longitude: e.Hypocenter.Longitude,
		Depth:     e.Hypocenter.Depth,
		Time:      t,
		Source:    e.source(),
	}, nil
}

func (e envelope) station() (models.Site, error) {
	if e.Site == nil || e.Site.Station == "" || e.Site.Network == "" {
		return models.Site{}, fmt.Errorf("%w: missing site", ErrInvalid)
	}
	if e.Latitude == nil || e.Longitude == nil {
		return models.Site{}, fmt.Errorf("%w: station missing position", ErrInvalid)
	}
	s := models.Site{
		Station:    e.Site.Station,
		Channel:    e.Site.Channel,
		Network:    e.Site.Network,
		Location:   e.Site.Location,
		Latitude:   *e.Latitude,
		Longitude:  *e.Longitude,
		Elevation:  e.Elevation,
		Quality:    1,
		Enable:     true,
		UseForTele: true,
	}
	if s.Location == "--" {
		s.Location = ""
	}
	if e.Quality != nil {
		s.Quality = *e.Quality
	}
	if e.Enable != nil {
		s.Enable = *e.Enable
	}
	if e.UseForTeleseismic != nil {
		s.UseForTele = *e.UseForTeleseismic
	}
	if math.Abs(s.Latitude) > 90 || math.Abs(s.Longitude) > 180 {
		return models.Site{}, fmt.Errorf("%w: station position out of range", ErrInvalid)
	}
	return s, nil
}

// ReadStations reads a station list: either a JSON array of StationInfo messages
// or one StationInfo message per line.
func ReadStations(r io.Reader) ([]models.Site, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read station list: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: station list: %v", ErrInvalid, err)
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raws = append(raws, json.RawMessage(line))
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan station list: %w", err)
		}
	}

	sites := make([]models.Site, 0, len(raws))
	for i, raw := range raws {
		msg, err := JSON(raw)
		if err != nil {
			return nil, fmt.Errorf("station %d: %w", i, err)
		}
		if msg.Kind != KindStationInfo {
			return nil, fmt.Errorf("station %d: %w: got %s", i, ErrInvalid, msg.Kind)
		}
		sites = append(sites, *msg.Station)
	}
	return sites, nil
}

type eventPickJSON struct {
	ID       string   `json:"ID"`
	Type     string   `json:"Type"`
	Site     siteJSON `json:"Site"`
	Phase    string   `json:"Phase"`
	Time     string   `json:"Time"`
	Residual float64  `json:"Residual"`
	Distance float64  `json:"Distance"`
	Azimuth  float64  `json:"Azimuth"`
}

type eventJSON struct {
	Type            string          `json:"Type"`
	ID              string          `json:"ID"`
	Web             string          `json:"Web,omitempty"`
	Version         int             `json:"Version"`
	Hypocenter      hypocenterJSON  `json:"Hypocenter"`
	Bayes           float64         `json:"Bayes"`
	Gap             float64         `json:"Gap"`
	MinimumDistance float64         `json:"MinimumDistance"`
	MedianDistance  float64         `json:"MedianDistance"`
	ResidualStd     float64         `json:"ResidualStd"`
	Converged       bool            `json:"Converged"`
	Data            []eventPickJSON `json:"Data"`
}

// EncodeEvent renders an event report as a Hypo message.
func EncodeEvent(ev models.Event) ([]byte, error) {
	out := eventJSON{
		Type:    "Hypo",
		ID:      ev.ID,
		Web:     ev.Web,
		Version: ev.Version,
		Hypocenter: hypocenterJSON{
			Latitude:  ev.Latitude,
			Longitude: ev.Longitude,
			Depth:     ev.Depth,
			Time:      FormatISOTime(ev.OriginTime),
		},
		Bayes:           ev.Bayes,
		Gap:             ev.Gap,
		MinimumDistance: ev.MinDistance,
		MedianDistance:  ev.MedDistance,
		ResidualStd:     ev.ResidualStd,
		Converged:       ev.Converged,
		Data:            make([]eventPickJSON, 0, len(ev.Picks)),
	}
	for _, p := range ev.Picks {
		sta, cha, net, loc := SplitSCNL(p.SCNL)
		kind := "Pick"
		if p.Kind == "correlation" {
			kind = "Correlation"
		}
		out.Data = append(out.Data, eventPickJSON{
			ID:       p.ID,
			Type:     kind,
			Site:     siteJSON{Station: sta, Channel: cha, Network: net, Location: loc},
			Phase:    p.Phase,
			Time:     FormatISOTime(p.Time),
			Residual: p.Residual,
			Distance: p.Distance,
			Azimuth:  p.Azimuth,
		})
	}
	return json.Marshal(out)
}

// SplitSCNL reverses models.MakeSCNL for the common 3 and 4 part forms.
func SplitSCNL(scnl string) (sta, cha, net, loc string) {
	parts := strings.Split(scnl, ".")
	switch len(parts) {
	case 2:
		return parts[0], "", parts[1], ""
	case 3:
		return parts[0], parts[1], parts[2], ""
	case 4:
		return parts[0], parts[1], parts[2], parts[3]
	default:
		return scnl, "", "", ""
	}
}

func ParseISOTime(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: missing time", ErrInvalid)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q: %v", ErrInvalid, s, err)
	}
	return models.TimeToEpoch(t), nil
}

func FormatISOTime(epoch float64) string {
	return models.EpochToTime(epoch).Format("2006-01-02T15:04:05.000Z")
}

func idOrNew(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

type pickOutJSON struct {
	Type   string      `json:"Type"`
	ID     string      `json:"ID"`
	Site   siteJSON    `json:"Site"`
	Source *sourceJSON `json:"Source,omitempty"`
	Time   string      `json:"Time"`
	Phase  string      `json:"Phase,omitempty"`
	Beam   *beamJSON   `json:"Beam,omitempty"`
}

// EncodePick renders a pick as a Pick message.
func EncodePick(p models.Pick) ([]byte, error) {
	sta, cha, net, loc := SplitSCNL(p.SCNL)
	out := pickOutJSON{
		Type:  "Pick",
		ID:    p.ID,
		Site:  siteJSON{Station: sta, Channel: cha, Network: net, Location: loc},
		Time:  FormatISOTime(p.Time),
		Phase: p.Phase,
	}
	if p.Source != "" {
		out.Source = &sourceJSON{Author: p.Source}
	}
	if p.BackAzimuth >= 0 && p.Slowness > 0 {
		out.Beam = &beamJSON{BackAzimuth: p.BackAzimuth, Slowness: p.Slowness}
	}
	return json.Marshal(out)
}

type stationOutJSON struct {
	Type              string   `json:"Type"`
	Site              siteJSON `json:"Site"`
	Latitude          float64  `json:"Latitude"`
	Longitude         float64  `json:"Longitude"`
	Elevation         float64  `json:"Elevation"`
	Quality           float64  `json:"Quality"`
	Enable            bool     `json:"Enable"`
	UseForTeleseismic bool     `json:"UseForTeleseismic"`
}

// EncodeStation renders a site as a StationInfo message.
func EncodeStation(s models.Site) ([]byte, error) {
	return json.Marshal(stationOutJSON{
		Type:              "StationInfo",
		Site:              siteJSON{Station: s.Station, Channel: s.Channel, Network: s.Network, Location: s.Location},
		Latitude:          s.Latitude,
		Longitude:         s.Longitude,
		Elevation:         s.Elevation,
		Quality:           s.Quality,
		Enable:            s.Enable,
		UseForTeleseismic: s.UseForTele,
	})
}
