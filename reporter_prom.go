package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromReporter accumulates summary deltas into prometheus counters labelled
// by route.
type PromReporter struct {
	traces      *prometheus.CounterVec
	spans       *prometheus.CounterVec
	errorSpans  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sinkErrors  *prometheus.CounterVec
	synthErrors *prometheus.CounterVec
}

func NewPromReporter(reg prometheus.Registerer) *PromReporter {
	f := promauto.With(reg)
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadgen",
			Name:      name,
			Help:      help,
		}, []string{"route"})
	}
	return &PromReporter{
		traces:      counter("traces_total", "Traces synthesized."),
		spans:       counter("spans_total", "Spans synthesized."),
		errorSpans:  counter("error_spans_total", "Spans synthesized with error status."),
		dropped:     counter("dropped_total", "Traces dropped at a full sink queue."),
		sinkErrors:  counter("sink_errors_total", "Failed sink emissions."),
		synthErrors: counter("synthesis_errors_total", "Ticks skipped because a trace could not be built."),
	}
}

func (p *PromReporter) Report(ev SummaryEvent) {
	p.traces.WithLabelValues(ev.Route).Add(float64(ev.Traces))
	p.spans.WithLabelValues(ev.Route).Add(float64(ev.Spans))
	p.errorSpans.WithLabelValues(ev.Route).Add(float64(ev.ErrorSpans))
	p.dropped.WithLabelValues(ev.Route).Add(float64(ev.Dropped))
	p.sinkErrors.WithLabelValues(ev.Route).Add(float64(ev.SinkErrors))
	p.synthErrors.WithLabelValues(ev.Route).Add(float64(ev.SynthesisErrors))
}
