package main

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

type SpanStatus int

const (
	StatusOK SpanStatus = iota
	StatusError
)

func (s SpanStatus) String() string {
	if s == StatusError {
		return "error"
	}
	return "ok"
}

// Span is one fully-timed unit of work. The zero ParentID marks the root.
type Span struct {
	TraceID     trace.TraceID
	SpanID      trace.SpanID
	ParentID    trace.SpanID
	ServiceName string
	Operation   string
	StartTime   time.Time
	Duration    time.Duration
	Status      SpanStatus
	Tags        map[string]any
}

func (s *Span) IsRootSpan() bool {
	return !s.ParentID.IsValid()
}

func (s *Span) EndTime() time.Time {
	return s.StartTime.Add(s.Duration)
}

func (s *Span) IsError() bool {
	return s.Status == StatusError
}

// Trace holds its spans in depth-first pre-order, root first. A Trace is
// never modified after the synthesizer returns it, so sinks may read it
// concurrently.
type Trace struct {
	TraceID trace.TraceID
	Route   string
	Spans   []*Span
}

func (t *Trace) Root() *Span {
	if len(t.Spans) == 0 {
		return nil
	}
	return t.Spans[0]
}

func (t *Trace) ErrorCount() int {
	n := 0
	for _, s := range t.Spans {
		if s.IsError() {
			n++
		}
	}
	return n
}

// Children returns the direct children of the span with the given id, in
// creation order.
func (t *Trace) Children(id trace.SpanID) []*Span {
	var kids []*Span
	for _, s := range t.Spans {
		if s.ParentID == id {
			kids = append(kids, s)
		}
	}
	return kids
}
