package main

import (
	"encoding/binary"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const routeTag = "loadgen.route"

// Synthesizer turns a walk of the topology into a finished trace. It holds
// no mutable state; all randomness comes from the Rng passed in, so one
// Synthesizer serves every route concurrently.
type Synthesizer struct {
	topo *Topology
}

func NewSynthesizer(topo *Topology) *Synthesizer {
	return &Synthesizer{topo: topo}
}

type traceBuilder struct {
	topo  *Topology
	route Route
	rng   Rng
	seen  map[trace.SpanID]struct{}
	tr    *Trace
}

// Synthesize builds one trace for route with its root starting at start.
// Given the same route, start and Rng state the result is identical.
func (s *Synthesizer) Synthesize(route Route, rng Rng, start time.Time) (*Trace, error) {
	svc, ok := s.topo.Service(route.Service)
	if !ok {
		return nil, &SynthesisError{Route: route.Name, Service: route.Service}
	}
	b := &traceBuilder{
		topo:  s.topo,
		route: route,
		rng:   rng,
		seen:  make(map[trace.SpanID]struct{}),
	}
	b.tr = &Trace{TraceID: b.newTraceID(), Route: route.Name}

	root := b.newSpan(svc, route.Operation, trace.SpanID{}, start, route.Latency.Sample(rng), route.ErrorRate, nil)
	root.Tags[routeTag] = route.Name
	b.expand(root, svc, 1)
	b.finish(root)
	return b.tr, nil
}

func (b *traceBuilder) newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		binary.BigEndian.PutUint64(id[:8], b.rng.Uint64())
		binary.BigEndian.PutUint64(id[8:], b.rng.Uint64())
	}
	return id
}

func (b *traceBuilder) newSpanID() trace.SpanID {
	for {
		var id trace.SpanID
		binary.BigEndian.PutUint64(id[:], b.rng.Uint64())
		if _, dup := b.seen[id]; id.IsValid() && !dup {
			b.seen[id] = struct{}{}
			return id
		}
	}
}

func (b *traceBuilder) newSpan(svc *Service, op string, parent trace.SpanID, start time.Time, dur time.Duration, errRate float64, edgeTags *Fielder) *Span {
	span := &Span{
		TraceID:     b.tr.TraceID,
		SpanID:      b.newSpanID(),
		ParentID:    parent,
		ServiceName: svc.Name(),
		Operation:   op,
		StartTime:   start,
		Duration:    dur,
		Tags:        make(map[string]any, svc.Fields().Len()+2),
	}
	if b.rng.Chance(errRate) {
		span.Status = StatusError
	}
	svc.Fields().AddFields(span.Tags, b.rng)
	if edgeTags != nil {
		edgeTags.AddFields(span.Tags, b.rng)
	}
	b.tr.Spans = append(b.tr.Spans, span)
	return span
}

// expand adds the children of parent depth-first. Spans are appended as they
// are created, which leaves the trace in pre-order.
func (b *traceBuilder) expand(parent *Span, svc *Service, depth int) {
	if depth >= b.route.MaxDepth {
		return
	}
	for _, edge := range svc.edges {
		if !b.rng.Chance(edge.Probability) {
			continue
		}
		target, _ := b.topo.Service(edge.Target)
		n := 1 + int(b.rng.Intn(edge.MaxFanOut))
		for i := 0; i < n; i++ {
			start := parent.StartTime.Add(b.topo.spanStart.Offset(b.rng, parent.Duration))
			child := b.newSpan(target, edge.Operation, parent.SpanID, start, edge.Latency.Sample(b.rng), edge.ErrorRate, edge.tags)
			b.expand(child, target, depth+1)
			b.finish(child)

			if end := child.EndTime(); end.After(parent.EndTime()) {
				parent.Duration = end.Sub(parent.StartTime)
			}
			if child.IsError() && b.topo.errorPropagation == PropagateUpward {
				parent.Status = StatusError
			}
		}
	}
}

// finish runs once all of a span's descendants exist and its status is final.
func (b *traceBuilder) finish(span *Span) {
	if span.IsError() {
		span.Tags["error"] = true
	}
}
