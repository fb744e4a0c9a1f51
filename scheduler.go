package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

type SchedulerState int32

const (
	Idle SchedulerState = iota
	Running
	Draining
	Stopped
)

func (s SchedulerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "stopped"
	}
}

// Emitter accepts finished traces. *Fanout is the real one.
type Emitter interface {
	Emit(tr *Trace, stats *RouteStats, inflight *Inflight) []Outcome
}

// RouteScheduler produces traces for one route at its configured rate.
// Deadlines are computed from the previous deadline rather than from when
// the previous tick finished, so time spent building traces doesn't slow the
// rate down.
type RouteScheduler struct {
	route   Route
	synth   *Synthesizer
	emitter Emitter
	counter *TraceCounter
	clock   clockwork.Clock
	rng     Rng
	stats   *RouteStats
	log     Logger

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	inflight Inflight
}

// SchedulerOptions are the collaborators a RouteScheduler needs beyond its
// route. Counter may be nil for an unlimited run; Stats is created if nil.
type SchedulerOptions struct {
	Clock   clockwork.Clock
	Rng     Rng
	Counter *TraceCounter
	Stats   *RouteStats
	Log     Logger
}

func NewRouteScheduler(route Route, synth *Synthesizer, emitter Emitter, opts SchedulerOptions) *RouteScheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Stats == nil {
		opts.Stats = NewRouteStats(route.Name)
	}
	return &RouteScheduler{
		route:   route,
		synth:   synth,
		emitter: emitter,
		counter: opts.Counter,
		clock:   opts.Clock,
		rng:     opts.Rng,
		stats:   opts.Stats,
		log:     opts.Log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *RouteScheduler) Route() Route {
	return s.route
}

func (s *RouteScheduler) Stats() *RouteStats {
	return s.stats
}

func (s *RouteScheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Start launches the tick loop. It can only be called once.
func (s *RouteScheduler) Start() error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("route %q: scheduler is %s, not idle", s.route.Name, s.State())
	}
	s.log.Info("route %q: %.1f traces/hour, one every %s\n", s.route.Name, s.route.TracesPerHour, s.route.Interval())
	go s.run()
	return nil
}

// jittered returns the interval scaled by a random factor in [1-j, 1+j].
func (s *RouteScheduler) jittered(interval time.Duration) time.Duration {
	j := s.route.RateJitter
	if j <= 0 {
		return interval
	}
	return time.Duration(float64(interval) * (1 + s.rng.Float(-j, j)))
}

func (s *RouteScheduler) run() {
	defer close(s.done)
	interval := s.route.Interval()

	// start at a random phase so routes don't all fire together
	now := s.clock.Now()
	next := now.Add(time.Duration(s.rng.Float64() * float64(interval)))
	timer := s.clock.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.Chan():
		}
		// a stop that raced with the timer wins
		select {
		case <-s.stop:
			return
		default:
		}

		now = s.clock.Now()
		s.tick(now)

		next = next.Add(s.jittered(interval))
		if now.Sub(next) > interval {
			// too far behind to catch up without a burst
			s.log.Debug("route %q: fell behind by %s, re-anchoring\n", s.route.Name, now.Sub(next))
			next = now.Add(s.jittered(interval))
		}
		timer.Reset(next.Sub(s.clock.Now()))
	}
}

func (s *RouteScheduler) tick(now time.Time) {
	if s.counter != nil {
		if _, ok := s.counter.Next(); !ok {
			return
		}
	}
	tr, err := s.synth.Synthesize(s.route, s.rng, now)
	if err != nil {
		s.stats.SynthesisErrors.Add(1)
		s.log.Error("skipping tick: %v\n", err)
		return
	}
	s.stats.Traces.Add(1)
	s.stats.Spans.Add(int64(len(tr.Spans)))
	s.stats.ErrorSpans.Add(int64(tr.ErrorCount()))
	s.emitter.Emit(tr, s.stats, &s.inflight)
}

// Stop ends ticking. A tick already under way finishes; none start after
// Drain returns.
func (s *RouteScheduler) Stop() {
	if s.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		return
	}
	s.state.CompareAndSwap(int32(Running), int32(Draining))
	s.stopOnce.Do(func() { close(s.stop) })
}

// Drain stops the scheduler and waits for every emission it started to
// finish at every sink, or for ctx to end. The tick loop itself is always
// waited for, since a tick never blocks on a sink.
func (s *RouteScheduler) Drain(ctx context.Context) error {
	s.Stop()
	if s.State() == Stopped {
		return nil
	}
	<-s.done

	flushed := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(flushed)
	}()
	var err error
	select {
	case <-flushed:
	case <-ctx.Done():
		// the waiter may not have run yet; only report work that is left
		if n := s.inflight.Pending(); n > 0 {
			err = fmt.Errorf("route %q: %d emissions pending: %w", s.route.Name, n, ctx.Err())
		}
	}
	s.state.Store(int32(Stopped))
	return err
}
