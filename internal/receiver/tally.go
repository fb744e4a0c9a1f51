// Package receiver counts what the receiving sinks in cmd/ are sent, so a
// load generator run can be checked against what arrived.
package receiver

import (
	"sort"
	"sync"

	cuckoo "github.com/panmari/cuckoofilter"
)

// Tally counts distinct traces and spans, spans per service and error
// spans. Distinctness is approximate: it's tracked with cuckoo filters so
// memory stays flat over long runs.
type Tally struct {
	mu         sync.Mutex
	traces     *cuckoo.Filter
	spans      *cuckoo.Filter
	traceCount int
	spanCount  int
	errorCount int
	dupes      int
	services   map[string]int
	rate       *SpanRateTracker
}

// NewTally returns an empty tally. rate may be nil.
func NewTally(rate *SpanRateTracker) *Tally {
	return &Tally{
		traces:   cuckoo.NewFilter(1000000),
		spans:    cuckoo.NewFilter(10000000),
		services: make(map[string]int),
		rate:     rate,
	}
}

// AddSpan records one received span. Span ids are only unique within a
// trace, so they're keyed together with the trace id.
func (t *Tally) AddSpan(service string, traceID, spanID []byte, isError bool) {
	key := make([]byte, 0, len(traceID)+len(spanID))
	key = append(key, traceID...)
	key = append(key, spanID...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.traces.Lookup(traceID) {
		t.traces.Insert(traceID)
		t.traceCount++
	}
	if t.spans.Lookup(key) {
		t.dupes++
		return
	}
	t.spans.Insert(key)
	t.spanCount++
	t.services[service]++
	if isError {
		t.errorCount++
	}
	if t.rate != nil {
		t.rate.TrackSpans(1)
	}
}

type ServiceCount struct {
	Service string `json:"service"`
	Spans   int    `json:"spans"`
}

type Summary struct {
	Traces     int            `json:"traces"`
	Spans      int            `json:"spans"`
	ErrorSpans int            `json:"error_spans"`
	Duplicates int            `json:"duplicates"`
	Services   []ServiceCount `json:"services"`
}

// Summary returns the counts so far, services sorted by name.
func (t *Tally) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		Traces:     t.traceCount,
		Spans:      t.spanCount,
		ErrorSpans: t.errorCount,
		Duplicates: t.dupes,
		Services:   make([]ServiceCount, 0, len(t.services)),
	}
	for name, n := range t.services {
		s.Services = append(s.Services, ServiceCount{Service: name, Spans: n})
	}
	sort.Slice(s.Services, func(i, j int) bool {
		return s.Services[i].Service < s.Services[j].Service
	})
	return s
}
