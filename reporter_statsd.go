package main

import (
	"strings"

	"gopkg.in/alexcesaro/statsd.v2"
)

// StatsdReporter sends summary deltas as statsd counters named
// loadgen.<route>.<count>.
type StatsdReporter struct {
	client *statsd.Client
}

func NewStatsdReporter(log Logger, addr string) (*StatsdReporter, error) {
	client, err := statsd.New(
		statsd.Address(addr),
		statsd.Prefix(ResourceLibrary),
		statsd.ErrorHandler(func(err error) {
			log.Warn("statsd: %v\n", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &StatsdReporter{client: client}, nil
}

var bucketReplacer = strings.NewReplacer(" ", "_", ".", "_", ":", "_", "|", "_", "@", "_")

func (s *StatsdReporter) Report(ev SummaryEvent) {
	route := bucketReplacer.Replace(ev.Route)
	s.client.Count(route+".traces", ev.Traces)
	s.client.Count(route+".spans", ev.Spans)
	s.client.Count(route+".error_spans", ev.ErrorSpans)
	s.client.Count(route+".dropped", ev.Dropped)
	s.client.Count(route+".sink_errors", ev.SinkErrors)
	s.client.Count(route+".synthesis_errors", ev.SynthesisErrors)
	if ev.Final {
		s.client.Flush()
	}
}

func (s *StatsdReporter) Close() {
	s.client.Close()
}
