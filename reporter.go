package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// RouteStats are the running counts for one route. The scheduler, the
// fan-out and the sink workers all update them concurrently.
type RouteStats struct {
	Route           string
	Traces          atomic.Int64
	Spans           atomic.Int64
	ErrorSpans      atomic.Int64
	Dropped         atomic.Int64
	SinkErrors      atomic.Int64
	SynthesisErrors atomic.Int64
}

func NewRouteStats(route string) *RouteStats {
	return &RouteStats{Route: route}
}

// RouteTotals is a point-in-time copy of RouteStats.
type RouteTotals struct {
	Traces          int64
	Spans           int64
	ErrorSpans      int64
	Dropped         int64
	SinkErrors      int64
	SynthesisErrors int64
}

func (s *RouteStats) Snapshot() RouteTotals {
	return RouteTotals{
		Traces:          s.Traces.Load(),
		Spans:           s.Spans.Load(),
		ErrorSpans:      s.ErrorSpans.Load(),
		Dropped:         s.Dropped.Load(),
		SinkErrors:      s.SinkErrors.Load(),
		SynthesisErrors: s.SynthesisErrors.Load(),
	}
}

func (t RouteTotals) sub(prev RouteTotals) RouteTotals {
	return RouteTotals{
		Traces:          t.Traces - prev.Traces,
		Spans:           t.Spans - prev.Spans,
		ErrorSpans:      t.ErrorSpans - prev.ErrorSpans,
		Dropped:         t.Dropped - prev.Dropped,
		SinkErrors:      t.SinkErrors - prev.SinkErrors,
		SynthesisErrors: t.SynthesisErrors - prev.SynthesisErrors,
	}
}

// SummaryEvent reports what one route did since the previous event. The
// Final event for each route carries the counts since the last periodic one,
// and Totals always holds the lifetime counts.
type SummaryEvent struct {
	Route     string
	Timestamp time.Time
	Interval  time.Duration
	Final     bool
	RouteTotals
	Totals RouteTotals
}

type Reporter interface {
	Report(ev SummaryEvent)
}

// SummaryReporter periodically turns route stats into SummaryEvents and
// passes them to every Reporter. An interval of 0 only produces the final
// events.
type SummaryReporter struct {
	stats     []*RouteStats
	reporters []Reporter
	interval  time.Duration
	clock     clockwork.Clock

	mut   sync.Mutex
	last  map[string]RouteTotals
	lastT time.Time

	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewSummaryReporter(clock clockwork.Clock, interval time.Duration, stats []*RouteStats, reporters ...Reporter) *SummaryReporter {
	return &SummaryReporter{
		stats:     stats,
		reporters: reporters,
		interval:  interval,
		clock:     clock,
		last:      make(map[string]RouteTotals),
		lastT:     clock.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *SummaryReporter) Start() {
	r.started = true
	if r.interval <= 0 || len(r.reporters) == 0 {
		close(r.done)
		return
	}
	go func() {
		defer close(r.done)
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				r.report(false)
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *SummaryReporter) report(final bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	now := r.clock.Now()
	for _, s := range r.stats {
		totals := s.Snapshot()
		ev := SummaryEvent{
			Route:       s.Route,
			Timestamp:   now,
			Interval:    now.Sub(r.lastT),
			Final:       final,
			RouteTotals: totals.sub(r.last[s.Route]),
			Totals:      totals,
		}
		r.last[s.Route] = totals
		for _, rep := range r.reporters {
			rep.Report(ev)
		}
	}
	r.lastT = now
}

// Stop ends the periodic loop and emits the final event for each route.
// Only the first call reports.
func (r *SummaryReporter) Stop() {
	r.once.Do(func() {
		close(r.stop)
		if r.started {
			<-r.done
		}
		r.report(true)
	})
}
