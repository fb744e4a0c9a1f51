package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// Outcome is what happened to one trace at one sink's queue.
type Outcome int

const (
	Enqueued Outcome = iota
	Dropped
	Rejected // the fan-out was already stopped
)

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case Dropped:
		return "dropped"
	default:
		return "rejected"
	}
}

// Inflight counts the copies of traces that sinks haven't finished with.
type Inflight struct {
	wg sync.WaitGroup
	n  atomic.Int64
}

func (i *Inflight) add() {
	i.n.Add(1)
	i.wg.Add(1)
}

func (i *Inflight) done() {
	i.n.Add(-1)
	i.wg.Done()
}

// Pending is the number of copies still queued or being emitted.
func (i *Inflight) Pending() int64 {
	return i.n.Load()
}

// Wait blocks until Pending is zero.
func (i *Inflight) Wait() {
	i.wg.Wait()
}

type emission struct {
	tr       *Trace
	stats    *RouteStats
	inflight *Inflight
}

func (e emission) done() {
	if e.inflight != nil {
		e.inflight.done()
	}
}

// SinkTotals are the lifetime counts for one sink.
type SinkTotals struct {
	Sink      string
	Sent      int64
	Dropped   int64
	Errors    int64
	Abandoned int64
}

type sinkWorker struct {
	sink      Sink
	queue     chan emission
	sent      atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
	abandoned atomic.Int64
}

// Fanout delivers every trace to every sink. Each sink has its own bounded
// queue and worker goroutine, so a slow sink only loses its own traces; when
// a queue is full the new trace is dropped for that sink.
type Fanout struct {
	workers []*sinkWorker
	timeout time.Duration
	log     Logger

	mut         sync.RWMutex
	stopped     bool
	abandon     chan struct{}
	abandonOnce sync.Once
	wg          sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewFanout starts one worker per sink. A timeout of 0 lets Emit run as
// long as the sink wants.
func NewFanout(sinks []Sink, queueSize int, timeout time.Duration, log Logger) *Fanout {
	if queueSize < 1 {
		queueSize = 1
	}
	f := &Fanout{
		timeout: timeout,
		log:     log,
		abandon: make(chan struct{}),
	}
	for _, s := range sinks {
		w := &sinkWorker{sink: s, queue: make(chan emission, queueSize)}
		f.workers = append(f.workers, w)
		f.wg.Add(1)
		go f.run(w)
	}
	return f
}

// Emit offers tr to every sink without blocking. inflight is incremented
// for each accepted copy and decremented once that sink has finished with it.
func (f *Fanout) Emit(tr *Trace, stats *RouteStats, inflight *Inflight) []Outcome {
	outcomes := make([]Outcome, len(f.workers))
	f.mut.RLock()
	defer f.mut.RUnlock()
	if f.stopped {
		for i := range outcomes {
			outcomes[i] = Rejected
		}
		return outcomes
	}
	for i, w := range f.workers {
		if inflight != nil {
			inflight.add()
		}
		em := emission{tr: tr, stats: stats, inflight: inflight}
		select {
		case w.queue <- em:
			outcomes[i] = Enqueued
		default:
			em.done()
			w.dropped.Add(1)
			if stats != nil {
				stats.Dropped.Add(1)
			}
			outcomes[i] = Dropped
		}
	}
	return outcomes
}

func (f *Fanout) run(w *sinkWorker) {
	defer f.wg.Done()
	for em := range w.queue {
		select {
		case <-f.abandon:
			w.abandoned.Add(1)
			em.done()
			continue
		default:
		}
		f.deliver(w, em)
	}
}

func (f *Fanout) deliver(w *sinkWorker, em emission) {
	defer em.done()
	ctx := context.Background()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if err := w.sink.Emit(ctx, em.tr); err != nil {
		serr := &SinkError{Sink: w.sink.Name(), TraceID: em.tr.TraceID.String(), Err: err}
		w.errors.Add(1)
		if em.stats != nil {
			em.stats.SinkErrors.Add(1)
		}
		f.log.Warn("%v\n", serr)
		return
	}
	w.sent.Add(1)
}

// Stop refuses further traces and waits for the workers to finish what is
// queued. With abandon set, queued traces are discarded instead; an Emit
// already in progress always completes. It returns the number of traces
// abandoned across all sinks.
func (f *Fanout) Stop(abandon bool) int64 {
	if abandon {
		f.abandonOnce.Do(func() { close(f.abandon) })
	}
	f.mut.Lock()
	if !f.stopped {
		f.stopped = true
		for _, w := range f.workers {
			close(w.queue)
		}
	}
	f.mut.Unlock()
	f.wg.Wait()

	var n int64
	for _, w := range f.workers {
		n += w.abandoned.Load()
	}
	return n
}

// Close closes every sink exactly once, however many times it is called.
func (f *Fanout) Close() error {
	f.closeOnce.Do(func() {
		for _, w := range f.workers {
			if err := w.sink.Close(); err != nil {
				f.closeErr = multierr.Append(f.closeErr, fmt.Errorf("closing sink %s: %w", w.sink.Name(), err))
			}
		}
	})
	return f.closeErr
}

func (f *Fanout) Totals() []SinkTotals {
	totals := make([]SinkTotals, 0, len(f.workers))
	for _, w := range f.workers {
		totals = append(totals, SinkTotals{
			Sink:      w.sink.Name(),
			Sent:      w.sent.Load(),
			Dropped:   w.dropped.Load(),
			Errors:    w.errors.Load(),
			Abandoned: w.abandoned.Load(),
		})
	}
	return totals
}
