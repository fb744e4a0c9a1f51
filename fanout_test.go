package main

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// gateSink holds every Emit until gate is closed.
type gateSink struct {
	name     string
	gate     chan struct{}
	started  chan struct{}
	sent     atomic.Int64
	closed   atomic.Int64
	closeErr error
}

func newGateSink(name string) *gateSink {
	return &gateSink{
		name:    name,
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1000),
	}
}

func (g *gateSink) Name() string { return g.name }

func (g *gateSink) Emit(ctx context.Context, tr *Trace) error {
	g.started <- struct{}{}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.sent.Add(1)
	return nil
}

func (g *gateSink) Close() error {
	g.closed.Add(1)
	return g.closeErr
}

func testTrace(t *testing.T) *Trace {
	t.Helper()
	return synthesize(t, mustTopology(t, chainConfig()), "home", "fanout")
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	a := NewSinkDummy(nopLogger())
	b := NewSinkDummy(nopLogger())
	f := NewFanout([]Sink{a, b}, 10, 0, nopLogger())
	stats := NewRouteStats("home")
	var inflight Inflight

	tr := testTrace(t)
	for i := 0; i < 5; i++ {
		outcomes := f.Emit(tr, stats, &inflight)
		assert.Equal(t, []Outcome{Enqueued, Enqueued}, outcomes)
	}
	inflight.Wait()
	assert.Zero(t, inflight.Pending())
	assert.Equal(t, int64(5), a.Traces())
	assert.Equal(t, int64(15), b.Spans())
	assert.Equal(t, int64(5), b.RootSpans())

	assert.Equal(t, int64(0), f.Stop(false))
	for _, tot := range f.Totals() {
		assert.Equal(t, SinkTotals{Sink: "dummy", Sent: 5}, tot)
	}
}

func TestFanout_DropsWhenQueueFull(t *testing.T) {
	slow := newGateSink("slow")
	fast := NewSinkDummy(nopLogger())
	f := NewFanout([]Sink{slow, fast}, 1, 0, nopLogger())
	stats := NewRouteStats("home")
	var inflight Inflight
	tr := testTrace(t)

	// the first is picked up by the worker, the second waits in the queue
	f.Emit(tr, stats, &inflight)
	<-slow.started
	f.Emit(tr, stats, &inflight)
	outcomes := f.Emit(tr, stats, &inflight)
	assert.Equal(t, Dropped, outcomes[0])

	close(slow.gate)
	inflight.Wait()
	f.Stop(false)

	totals := f.Totals()
	assert.Equal(t, SinkTotals{Sink: "slow", Sent: 2, Dropped: 1}, totals[0])
	assert.Equal(t, totals[0].Dropped+totals[1].Dropped, stats.Dropped.Load())
	// the fast sink isn't held back by the slow one
	assert.Equal(t, int64(3), totals[1].Sent+totals[1].Dropped)
	assert.Equal(t, totals[1].Sent, fast.Traces())
}

func TestFanout_SinkErrors(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(zerolog.New(&buf))
	failing := &SinkDummy{Fail: true, log: log}
	f := NewFanout([]Sink{failing}, 10, 0, log)
	stats := NewRouteStats("home")
	var inflight Inflight
	tr := testTrace(t)

	f.Emit(tr, stats, &inflight)
	f.Emit(tr, stats, &inflight)
	inflight.Wait()
	f.Stop(false)

	assert.Equal(t, int64(2), stats.SinkErrors.Load())
	assert.Equal(t, SinkTotals{Sink: "dummy", Errors: 2}, f.Totals()[0])
	assert.Contains(t, buf.String(), "sink dummy: trace "+tr.TraceID.String()+": dummy sink failure")
}

func TestFanout_Timeout(t *testing.T) {
	slow := newGateSink("slow")
	f := NewFanout([]Sink{slow}, 10, 1, nopLogger())
	stats := NewRouteStats("home")
	var inflight Inflight

	f.Emit(testTrace(t), stats, &inflight)
	inflight.Wait()
	f.Stop(false)
	assert.Equal(t, int64(1), stats.SinkErrors.Load())
	assert.Equal(t, int64(0), slow.sent.Load())
}

func TestFanout_StopAbandonsQueued(t *testing.T) {
	slow := newGateSink("slow")
	f := NewFanout([]Sink{slow}, 10, 0, nopLogger())
	var inflight Inflight
	tr := testTrace(t)

	for i := 0; i < 3; i++ {
		f.Emit(tr, nil, &inflight)
	}
	<-slow.started

	abandoned := make(chan int64)
	go func() { abandoned <- f.Stop(true) }()
	<-f.abandon
	close(slow.gate)

	assert.Equal(t, int64(2), <-abandoned)
	inflight.Wait()
	assert.Equal(t, SinkTotals{Sink: "slow", Sent: 1, Abandoned: 2}, f.Totals()[0])
}

func TestFanout_RejectsAfterStop(t *testing.T) {
	sink := NewSinkDummy(nopLogger())
	f := NewFanout([]Sink{sink}, 10, 0, nopLogger())
	f.Stop(false)
	f.Stop(false)

	var inflight Inflight
	assert.Equal(t, []Outcome{Rejected}, f.Emit(testTrace(t), nil, &inflight))
	inflight.Wait()
	assert.Equal(t, int64(0), sink.Traces())
}

func TestFanout_CloseOnce(t *testing.T) {
	a := newGateSink("a")
	a.closeErr = errors.New("a broke")
	b := newGateSink("b")
	c := newGateSink("c")
	c.closeErr = errors.New("c broke")
	f := NewFanout([]Sink{a, b, c}, 1, 0, nopLogger())
	f.Stop(false)

	err := f.Close()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorContains(t, err, "closing sink a: a broke")
	assert.ErrorContains(t, err, "closing sink c: c broke")

	assert.Equal(t, err, f.Close())
	for _, g := range []*gateSink{a, b, c} {
		assert.Equal(t, int64(1), g.closed.Load(), g.name)
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "enqueued", Enqueued.String())
	assert.Equal(t, "dropped", Dropped.String())
	assert.Equal(t, "rejected", Rejected.String())
}
