package main

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var errDummyFailure = errors.New("dummy sink failure")

// SinkDummy counts what it is given and discards it. Delay makes every Emit
// take that long (or until the context ends), and Fail makes every Emit
// return an error; both exist to exercise backpressure and error paths.
type SinkDummy struct {
	Delay time.Duration
	Fail  bool

	tracecount atomic.Int64
	spancount  atomic.Int64
	rootspans  atomic.Int64
	errors     atomic.Int64
	closed     atomic.Int64
	log        Logger
}

// make sure it implements Sink
var _ Sink = (*SinkDummy)(nil)

func NewSinkDummy(log Logger) *SinkDummy {
	return &SinkDummy{log: log}
}

func (t *SinkDummy) Name() string {
	return "dummy"
}

func (t *SinkDummy) Emit(ctx context.Context, tr *Trace) error {
	if t.Delay > 0 {
		timer := time.NewTimer(t.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			t.errors.Add(1)
			return ctx.Err()
		}
	}
	if t.Fail {
		t.errors.Add(1)
		return errDummyFailure
	}
	t.tracecount.Add(1)
	for _, s := range tr.Spans {
		if s.IsRootSpan() {
			t.rootspans.Add(1)
		}
		t.spancount.Add(1)
	}
	return nil
}

func (t *SinkDummy) Close() error {
	t.closed.Add(1)
	t.log.Info("dummy sink sent %d traces with %d spans\n", t.tracecount.Load(), t.spancount.Load())
	return nil
}

func (t *SinkDummy) Traces() int64    { return t.tracecount.Load() }
func (t *SinkDummy) Spans() int64     { return t.spancount.Load() }
func (t *SinkDummy) RootSpans() int64 { return t.rootspans.Load() }
func (t *SinkDummy) Errors() int64    { return t.errors.Load() }
func (t *SinkDummy) CloseCount() int64 {
	return t.closed.Load()
}
