package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Glass      Glass      `toml:"glass"`
	Locator    Locator    `toml:"locator"`
	TravelTime TravelTime `toml:"traveltime"`
	Webs       []Web      `toml:"web"`
	Sites      Sites      `toml:"sites"`
	Store      Store      `toml:"store"`
	Server     Server     `toml:"server"`
	Input      Input      `toml:"input"`
	Log        Log        `toml:"log"`
}

// Glass holds the association engine thresholds. Times are seconds, distances degrees.
type Glass struct {
	Debug       bool `toml:"debug"`
	Workers     int  `toml:"workers"`
	HypoWorkers int  `toml:"hypo_workers"`
	InputQueue  int  `toml:"input_queue"`

	PickMax        int `toml:"pick_max"`
	SitePickMax    int `toml:"site_pick_max"`
	CorrelationMax int `toml:"correlation_max"`
	HypoMax        int `toml:"hypo_max"`

	PickDuplicateWindow          float64 `toml:"pick_duplicate_window"`
	CorrelationDuplicateWindow   float64 `toml:"correlation_duplicate_window"`
	CorrelationDuplicateDistance float64 `toml:"correlation_duplicate_distance"`
	CorrelationMatchingTWindow   float64 `toml:"correlation_matching_t_window"`
	CorrelationMatchingXWindow   float64 `toml:"correlation_matching_x_window"`
	CorrelationCancelAge         float64 `toml:"correlation_cancel_age"`

	Retention     float64 `toml:"retention"`
	DecayInterval float64 `toml:"decay_interval"`

	Sigma                  float64 `toml:"sigma"`
	SDAssociate            float64 `toml:"sd_associate"`
	AssociationWindow      float64 `toml:"association_window"`
	MaxAssociationDistance float64 `toml:"max_association_distance"`

	CutFactor     float64 `toml:"cut_factor"`
	CutPercentage float64 `toml:"cut_percentage"`
	CutMin        float64 `toml:"cut_min"`

	CycleLimit   int     `toml:"cycle_limit"`
	ReportThresh float64 `toml:"report_thresh"`
	ReportCut    int     `toml:"report_cut"`

	MergeTimeWindow     float64 `toml:"merge_time_window"`
	MergeDistanceWindow float64 `toml:"merge_distance_window"`

	DetectionTimeWindow     float64 `toml:"detection_time_window"`
	DetectionDistanceWindow float64 `toml:"detection_distance_window"`
}

// Locator tunes the grid search and descent. Distances are km.
type Locator struct {
	SearchRadius     float64 `toml:"search_radius"`
	SearchRings      int     `toml:"search_rings"`
	SearchAzimuths   int     `toml:"search_azimuths"`
	DepthStep        float64 `toml:"depth_step"`
	DepthSteps       int     `toml:"depth_steps"`
	TimeStep         float64 `toml:"time_step"`
	TimeSteps        int     `toml:"time_steps"`
	MaxIterations    int     `toml:"max_iterations"`
	HuberK           float64 `toml:"huber_k"`
	Damping          float64 `toml:"damping"`
	FixDepthGap      float64 `toml:"fix_depth_gap"`
	FixedDepth       float64 `toml:"fixed_depth"`
	ConvergeFraction float64 `toml:"converge_fraction"`
	MinDepth         float64 `toml:"min_depth"`
	MaxDepth         float64 `toml:"max_depth"`
}

type TravelTime struct {
	Model     string  `toml:"model"`
	Table     string  `toml:"table"`
	VelocityP float64 `toml:"velocity_p"`
	VelocityS float64 `toml:"velocity_s"`
	MaxDeltaP float64 `toml:"max_delta_p"`
	MaxDeltaS float64 `toml:"max_delta_s"`
}

const (
	LayoutGlobal   = "global"
	LayoutGrid     = "grid"
	LayoutExplicit = "explicit"
)

type Web struct {
	Name     string  `toml:"name"`
	Layout   string  `toml:"layout"`
	Phase1   string  `toml:"phase1"`
	Phase2   string  `toml:"phase2"`
	Thresh   float64 `toml:"thresh"`
	Nucleate int     `toml:"nucleate"`
	Detect   int     `toml:"detect"`

	// Resolution is the node spacing in km.
	Resolution float64     `toml:"resolution"`
	Lat        float64     `toml:"lat"`
	Lon        float64     `toml:"lon"`
	Rows       int         `toml:"rows"`
	Cols       int         `toml:"cols"`
	Depths     []float64   `toml:"depths"`
	Nodes      []NodeEntry `toml:"nodes"`

	Networks    []string `toml:"networks"`
	Sites       []string `toml:"sites"`
	UseOnlyTele bool     `toml:"use_only_tele"`
	MaxDistance float64  `toml:"max_distance"`

	Update   bool   `toml:"update"`
	SaveGrid string `toml:"save_grid"`
}

type NodeEntry struct {
	Lat   float64 `toml:"lat"`
	Lon   float64 `toml:"lon"`
	Depth float64 `toml:"depth"`
}

type Sites struct {
	File        string  `toml:"file"`
	Watch       bool    `toml:"watch"`
	FTPHost     string  `toml:"ftp_host"`
	FTPPath     string  `toml:"ftp_path"`
	FTPUser     string  `toml:"ftp_user"`
	FTPPassword string  `toml:"ftp_password"`
	FTPTimeout  float64 `toml:"ftp_timeout"`
}

type Store struct {
	Path string `toml:"path"`
}

type Server struct {
	Addr string `toml:"addr"`
}

type Input struct {
	Dir          string  `toml:"dir"`
	ArchiveDir   string  `toml:"archive_dir"`
	PollInterval float64 `toml:"poll_interval"`
	Format       string  `toml:"format"`
}

type Log struct {
	Level   string `toml:"level"`
	JSON    bool   `toml:"json"`
	NoColor bool   `toml:"no_color"`
}

func Default() Config {
	return Config{
		Glass: Glass{
			Workers:                      4,
			HypoWorkers:                  4,
			InputQueue:                   1000,
			PickMax:                      10000,
			SitePickMax:                  200,
			CorrelationMax:               1000,
			HypoMax:                      250,
			PickDuplicateWindow:          2.5,
			CorrelationDuplicateWindow:   2.5,
			CorrelationDuplicateDistance: 0.5,
			CorrelationMatchingTWindow:   2.5,
			CorrelationMatchingXWindow:   0.5,
			CorrelationCancelAge:         900,
			Retention:                    3600,
			DecayInterval:                30,
			Sigma:                        1.0,
			SDAssociate:                  3.0,
			AssociationWindow:            10,
			MaxAssociationDistance:       30,
			CutFactor:                    3.0,
			CutPercentage:                0.4,
			CutMin:                       1.0,
			CycleLimit:                   25,
			ReportThresh:                 2.5,
			ReportCut:                    4,
			MergeTimeWindow:              30,
			MergeDistanceWindow:          1.0,
			DetectionTimeWindow:          90,
			DetectionDistanceWindow:      5,
		},
		Locator: Locator{
			SearchRings:      3,
			SearchAzimuths:   8,
			DepthStep:        5,
			DepthSteps:       1,
			TimeStep:         0.5,
			TimeSteps:        2,
			MaxIterations:    20,
			HuberK:           1.5,
			Damping:          1e-3,
			FixDepthGap:      270,
			FixedDepth:       -1,
			ConvergeFraction: 0.1,
			MinDepth:         0,
			MaxDepth:         700,
		},
		TravelTime: TravelTime{
			Model:     "homogeneous",
			VelocityP: 6.0,
			VelocityS: 3.46,
			MaxDeltaP: 20,
			MaxDeltaS: 15,
		},
		Store:  Store{Path: "data/quakeassoc.db"},
		Server: Server{Addr: ":8080"},
		Input:  Input{PollInterval: 1, Format: "auto"},
		Log:    Log{Level: "info"},
	}
}

// ApplyWebDefaults fills unset per-web fields.
func ApplyWebDefaults(w *Web) {
	if w.Layout == "" {
		w.Layout = LayoutGrid
	}
	if w.Phase1 == "" {
		w.Phase1 = "P"
	}
	if w.Nucleate == 0 {
		w.Nucleate = 5
	}
	if w.Detect == 0 {
		w.Detect = 10
	}
	if w.Thresh == 0 {
		w.Thresh = 3.0
	}
	if w.Resolution == 0 {
		w.Resolution = 100
	}
	if len(w.Depths) == 0 {
		w.Depths = []float64{10}
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	for i := range cfg.Webs {
		ApplyWebDefaults(&cfg.Webs[i])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	g := c.Glass
	if g.Workers < 1 {
		add("glass.workers must be at least 1")
	}
	if g.HypoWorkers < 1 {
		add("glass.hypo_workers must be at least 1")
	}
	if g.PickMax < 1 || g.CorrelationMax < 1 || g.HypoMax < 1 {
		add("glass list maxima must be positive")
	}
	if g.SitePickMax < 0 {
		add("glass.site_pick_max must not be negative")
	}
	if g.Sigma <= 0 {
		add("glass.sigma must be positive")
	}
	if g.SDAssociate <= 0 {
		add("glass.sd_associate must be positive")
	}
	if g.AssociationWindow <= 0 {
		add("glass.association_window must be positive")
	}
	if g.CutMin < 0 || g.CutFactor <= 0 {
		add("glass cut factor must be positive and cut_min non-negative")
	}
	if g.CutPercentage <= 0 || g.CutPercentage > 1 {
		add("glass.cut_percentage must be in (0, 1]")
	}
	if g.CycleLimit < 1 {
		add("glass.cycle_limit must be at least 1")
	}
	if g.PickDuplicateWindow < 0 {
		add("glass.pick_duplicate_window must not be negative")
	}

	l := c.Locator
	if l.MaxIterations < 1 {
		add("locator.max_iterations must be at least 1")
	}
	if l.HuberK <= 0 {
		add("locator.huber_k must be positive")
	}
	if l.MaxDepth <= l.MinDepth {
		add("locator.max_depth must exceed min_depth")
	}

	switch c.TravelTime.Model {
	case "homogeneous":
		if c.TravelTime.VelocityP <= 0 {
			add("traveltime.velocity_p must be positive")
		}
	case "table":
		if strings.TrimSpace(c.TravelTime.Table) == "" {
			add("traveltime.table is required for the table model")
		}
	default:
		add("traveltime.model %q is not supported", c.TravelTime.Model)
	}

	seen := map[string]bool{}
	for i, w := range c.Webs {
		if err := ValidateWeb(w); err != nil {
			add("web[%d] invalid: %w", i, err)
		}
		if seen[w.Name] {
			add("web[%d] duplicate name %q", i, w.Name)
		}
		seen[w.Name] = true
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func ValidateWeb(w Web) error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if w.Thresh <= 0 {
		return fmt.Errorf("thresh must be positive")
	}
	if w.Nucleate < 1 || w.Detect < w.Nucleate {
		return fmt.Errorf("nucleate must be at least 1 and detect at least nucleate")
	}
	if w.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive")
	}
	switch w.Layout {
	case LayoutGlobal:
	case LayoutGrid:
		if w.Rows < 1 || w.Cols < 1 {
			return fmt.Errorf("grid layout needs rows and cols")
		}
	case LayoutExplicit:
		if len(w.Nodes) == 0 {
			return fmt.Errorf("explicit layout needs nodes")
		}
	default:
		return fmt.Errorf("unknown layout %q", w.Layout)
	}
	return nil
}
