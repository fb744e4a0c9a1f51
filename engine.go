package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const defaultQueueSize = 1000

type EngineOptions struct {
	Clock       clockwork.Clock
	QueueSize   int
	SinkTimeout time.Duration
	// Seed is combined with each route's name to seed that route, unless the
	// route has its own seed.
	Seed           string
	ReportInterval time.Duration
	Reporters      []Reporter
	// TraceCount is a budget shared by all routes; 0 is unlimited.
	TraceCount int64
	Log        Logger
}

// Engine is a running load generator: one scheduler per route feeding one
// fan-out to every sink.
type Engine struct {
	topo       *Topology
	fanout     *Fanout
	schedulers []*RouteScheduler
	counter    *TraceCounter
	summary    *SummaryReporter
	log        Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Start builds a scheduler for every route in topo and starts them all. The
// engine owns sinks from here on and closes them during Shutdown.
func Start(topo *Topology, sinks []Sink, opts EngineOptions) (*Engine, error) {
	if topo == nil {
		return nil, errors.New("no topology")
	}
	if len(sinks) == 0 {
		return nil, errors.New("no sinks")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Log == nil {
		opts.Log = NewLogger(zerolog.Nop())
	}

	e := &Engine{
		topo:    topo,
		fanout:  NewFanout(sinks, opts.QueueSize, opts.SinkTimeout, opts.Log),
		counter: NewTraceCounter(opts.Log, opts.TraceCount),
		log:     opts.Log,
	}
	synth := NewSynthesizer(topo)
	stats := make([]*RouteStats, 0, len(topo.routes))
	for _, route := range topo.Routes() {
		seed := route.Seed
		if seed == "" {
			seed = opts.Seed + "/" + route.Name
		}
		s := NewRouteScheduler(route, synth, e.fanout, SchedulerOptions{
			Clock:   opts.Clock,
			Rng:     NewRng(seed),
			Counter: e.counter,
			Log:     opts.Log,
		})
		e.schedulers = append(e.schedulers, s)
		stats = append(stats, s.Stats())
	}

	e.summary = NewSummaryReporter(opts.Clock, opts.ReportInterval, stats, opts.Reporters...)
	e.summary.Start()
	for _, s := range e.schedulers {
		if err := s.Start(); err != nil {
			// can't happen for a fresh scheduler, but don't leak the others
			_ = e.Shutdown(0)
			return nil, err
		}
	}
	return e, nil
}

// Done is closed when the trace budget has been used up.
func (e *Engine) Done() <-chan struct{} {
	return e.counter.Done()
}

func (e *Engine) Schedulers() []*RouteScheduler {
	return e.schedulers
}

func (e *Engine) SinkTotals() []SinkTotals {
	return e.fanout.Totals()
}

// Shutdown stops every route, waits up to timeout for traces already handed
// to sinks to be delivered, then closes every sink. If the wait times out,
// the undelivered traces are abandoned and a *ShutdownTimeoutError is
// returned; sinks are closed either way. Only the first call does anything.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(timeout)
	})
	return e.shutdownErr
}

func (e *Engine) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// stop them all up front so no route keeps ticking while another drains
	for _, s := range e.schedulers {
		s.Stop()
	}
	var g errgroup.Group
	for _, s := range e.schedulers {
		s := s
		g.Go(func() error {
			return s.Drain(ctx)
		})
	}
	drainErr := g.Wait()
	if drainErr != nil {
		e.log.Warn("shutdown: %v\n", drainErr)
	}

	abandoned := e.fanout.Stop(drainErr != nil)
	var err error
	if drainErr != nil {
		err = &ShutdownTimeoutError{Timeout: timeout, Incomplete: abandoned}
	}
	if cerr := e.fanout.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	e.summary.Stop()

	for _, t := range e.fanout.Totals() {
		e.log.Info("sink %s: sent %d, dropped %d, errors %d, abandoned %d\n",
			t.Sink, t.Sent, t.Dropped, t.Errors, t.Abandoned)
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
