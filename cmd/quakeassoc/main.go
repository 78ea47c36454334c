package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/logging"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/store"
	"github.com/rs/zerolog"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	_ "modernc.org/sqlite"
)

type Globals struct {
	EnvFile  kongdotenv.ENVFileConfig `kong:"optional,name=env-file,help='Load environment variables from this file.'"`
	Config   string                   `short:"c" type:"path" env:"QUAKEASSOC_CONFIG" help:"TOML config file."`
	LogLevel string                   `help:"Log level (trace, debug, info, warn, error)."`
	LogJSON  bool                     `help:"Log as JSON instead of console output."`
}

type CLI struct {
	Globals

	Run    RunCmd    `cmd:"" default:"1" help:"Run the association engine and HTTP API."`
	Replay ReplayCmd `cmd:"" help:"Replay an input file synchronously and print event reports."`
	Grid   GridCmd   `cmd:"" help:"Generate the configured webs and write their node grids."`
	Synth  SynthCmd  `cmd:"" help:"Write a synthetic station list and picks for one event."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("quakeassoc"),
		kong.Description("Real-time seismic phase association and hypocenter location."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "quakeassoc: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config, applying defaults when no file is given, and builds
// the process logger.
func (g *Globals) setup() (config.Config, zerolog.Logger, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		cfg, err = config.Load(g.Config)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
	}

	opts := logging.DefaultOptions()
	opts.JSON = cfg.Log.JSON || g.LogJSON
	opts.NoColor = cfg.Log.NoColor
	level := cfg.Log.Level
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	if lvl, ok := logging.ParseLevel(level); ok {
		opts.Level = lvl
	}
	return cfg, logging.New("quakeassoc", opts), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadSites fetches the station list over FTP when configured, then reads it.
func loadSites(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sites.List, error) {
	if cfg.Sites.FTPHost != "" && cfg.Sites.File != "" {
		if err := sites.FetchFTP(ctx, cfg.Sites, cfg.Sites.File); err != nil {
			if _, statErr := os.Stat(cfg.Sites.File); statErr != nil {
				return nil, fmt.Errorf("fetch station list: %w", err)
			}
			logger.Warn().Err(err).Str("file", cfg.Sites.File).Msg("station fetch failed, using local copy")
		}
	}
	if cfg.Sites.File == "" {
		logger.Warn().Msg("no station file configured; waiting for StationInfo messages")
		return sites.NewList(), nil
	}
	list, err := sites.Load(cfg.Sites.File)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("sites", list.Len()).Str("file", cfg.Sites.File).Msg("stations loaded")
	return list, nil
}

func openStore(path string, logger zerolog.Logger) (*store.Store, *sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db, logging.Component(logger, "store"))
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, db, nil
}
