// Package tracking is the fire-and-forget optimization-run logging sink.
// A failing sink must never abort or alter an optimization result, so
// implementations log their own errors and callers ignore the outcome.
package tracking

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run is one optimization run handed to the sink.
type Run struct {
	ID      string
	Metrics map[string]float64
	Weights map[string]float64
	Tags    map[string]string
}

// RunLogger accepts completed runs. Implementations must be safe for
// concurrent use.
type RunLogger interface {
	Log(run Run)
}

// LogSink writes runs to structured logs, assigning a run ID when the
// caller did not.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-backed run sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{
		log: log.With().Str("component", "tracking").Logger(),
	}
}

// Log records the run. Never fails.
func (s *LogSink) Log(run Run) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	event := s.log.Info().Str("run_id", run.ID)
	for k, v := range run.Tags {
		event = event.Str("tag_"+k, v)
	}
	for k, v := range run.Metrics {
		event = event.Float64(k, v)
	}
	event.Int("num_weights", len(run.Weights)).Msg("Optimization run")
}

// NopSink discards runs, for callers that opt out of tracking.
type NopSink struct{}

func (NopSink) Log(Run) {}
