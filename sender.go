package main

import (
	"context"
	"fmt"
	"time"
)

// Sink is a tracing backend. Emit delivers one whole trace or none of it and
// gives up at ctx's deadline unless part of the trace has already been
// handed over; the fan-out never calls Emit concurrently on the same sink. Close flushes and releases the backend and is called exactly once.
type Sink interface {
	Name() string
	Emit(ctx context.Context, tr *Trace) error
	Close() error
}

// NewSinks builds the sinks named by --sink. If any of them fail, those
// already built are closed before returning.
func NewSinks(log Logger, opts *Options) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	seen := make(map[string]bool)
	for _, name := range opts.Output.Sinks {
		if seen[name] {
			return fail(fmt.Errorf("sink %s specified more than once", name))
		}
		seen[name] = true

		var sink Sink
		var err error
		switch name {
		case "dummy":
			sink = NewSinkDummy(log)
		case "print":
			sink = NewSinkPrint(log)
		case "honeycomb":
			sink, err = NewSinkHoneycomb(log, opts)
		case "otel":
			sink, err = NewSinkOTel(log, opts)
		case "zipkin":
			sink, err = NewSinkZipkin(log, opts)
		default:
			err = fmt.Errorf("unknown sink type %q", name)
		}
		if err != nil {
			return fail(fmt.Errorf("creating %s sink: %w", name, err))
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no sinks configured")
	}
	return sinks, nil
}

func ft(ts time.Time) string {
	return ts.Format("15:04:05.000")
}
