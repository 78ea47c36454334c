package engine

import (
	"github.com/lox/quakeassoc/internal/metrics"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/rs/zerolog"
)

// Reporter is an output sink for event reports.
type Reporter interface {
	Name() string
	Report(ev models.Event) error
	Retract(ev models.Event, reason string) error
}

// fanout delivers every report to each sink in order. A failing sink is logged
// and does not stop the others.
type fanout struct {
	sinks  []Reporter
	logger zerolog.Logger
}

func newFanout(sinks []Reporter, logger zerolog.Logger) *fanout {
	return &fanout{sinks: sinks, logger: logger}
}

func (f *fanout) Reported(ev models.Event) {
	for _, s := range f.sinks {
		status := "ok"
		if err := s.Report(ev); err != nil {
			status = "error"
			f.logger.Error().Err(err).Str("sink", s.Name()).Str("hypo", ev.ID).Msg("report failed")
		}
		metrics.ReportWrites.WithLabelValues(s.Name(), status).Inc()
	}
}

func (f *fanout) Canceled(ev models.Event, reason string) {
	for _, s := range f.sinks {
		status := "ok"
		if err := s.Retract(ev, reason); err != nil {
			status = "error"
			f.logger.Error().Err(err).Str("sink", s.Name()).Str("hypo", ev.ID).Msg("retract failed")
		}
		metrics.ReportWrites.WithLabelValues(s.Name(), status).Inc()
	}
}

// LogReporter writes reports to a logger.
type LogReporter struct {
	Logger zerolog.Logger
}

func (LogReporter) Name() string { return "log" }

func (r LogReporter) Report(ev models.Event) error {
	r.Logger.Info().
		Str("hypo", ev.ID).
		Str("web", ev.Web).
		Int("version", ev.Version).
		Time("origin", ev.OriginTimeUTC()).
		Float64("lat", ev.Latitude).
		Float64("lon", ev.Longitude).
		Float64("depth", ev.Depth).
		Float64("bayes", ev.Bayes).
		Float64("gap", ev.Gap).
		Int("picks", ev.PickCount).
		Bool("converged", ev.Converged).
		Msg("event reported")
	return nil
}

func (r LogReporter) Retract(ev models.Event, reason string) error {
	r.Logger.Info().Str("hypo", ev.ID).Str("reason", reason).Msg("event canceled")
	return nil
}
