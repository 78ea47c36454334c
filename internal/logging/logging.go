package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "QUAKEASSOC_LOG_LEVEL"
	EnvLogNoColor = "QUAKEASSOC_LOG_NOCOLOR"
	EnvLogJSON    = "QUAKEASSOC_LOG_JSON"
)

type Options struct {
	Level   zerolog.Level
	NoColor bool
	JSON    bool
	Out     io.Writer
}

func DefaultOptions() Options {
	return Options{Level: zerolog.InfoLevel, Out: os.Stdout}
}

// New builds the process logger and installs it as the zerolog global.
func New(app string, opts Options) zerolog.Logger {
	applyEnvOverrides(&opts)
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	var out io.Writer = opts.Out
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        opts.Out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}
	logger := zerolog.New(out).Level(opts.Level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func applyEnvOverrides(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		opts.JSON = v
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	if strings.TrimSpace(raw) == "" {
		return false, false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return v, true
}
