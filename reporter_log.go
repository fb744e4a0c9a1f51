package main

import (
	"github.com/rs/zerolog"
)

// LogReporter writes summary events as structured log lines. Verbosity 0
// writes nothing, 1 only the final totals, and 2 every periodic summary as
// well.
type LogReporter struct {
	zl        zerolog.Logger
	verbosity int
}

func NewLogReporter(zl zerolog.Logger, verbosity int) *LogReporter {
	return &LogReporter{zl: zl, verbosity: verbosity}
}

func (l *LogReporter) Report(ev SummaryEvent) {
	switch {
	case l.verbosity <= 0:
		return
	case l.verbosity == 1 && !ev.Final:
		return
	}
	// summaries are the point of the verbosity setting, so they're logged
	// without a level and aren't filtered by --loglevel
	e := l.zl.Log().
		Str("route", ev.Route).
		Time("at", ev.Timestamp)
	if ev.Final {
		e.Int64("traces", ev.Totals.Traces).
			Int64("spans", ev.Totals.Spans).
			Int64("error_spans", ev.Totals.ErrorSpans).
			Int64("dropped", ev.Totals.Dropped).
			Int64("sink_errors", ev.Totals.SinkErrors).
			Int64("synthesis_errors", ev.Totals.SynthesisErrors).
			Msg("route totals")
		return
	}
	e.Dur("interval", ev.Interval).
		Int64("traces", ev.Traces).
		Int64("spans", ev.Spans).
		Int64("error_spans", ev.ErrorSpans).
		Int64("dropped", ev.Dropped).
		Int64("sink_errors", ev.SinkErrors).
		Int64("synthesis_errors", ev.SynthesisErrors).
		Msg("route summary")
}
