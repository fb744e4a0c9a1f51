package main

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// ConfigError reports a malformed or inconsistent topology. It is fatal at
// startup; every problem found during validation is listed.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	errs := multierr.Errors(e.Err)
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	src := e.Source
	if src == "" {
		src = "topology"
	}
	if len(msgs) == 1 {
		return fmt.Sprintf("invalid %s: %s", src, msgs[0])
	}
	return fmt.Sprintf("invalid %s (%d problems):\n  %s", src, len(msgs), strings.Join(msgs, "\n  "))
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Problems returns the individual validation failures.
func (e *ConfigError) Problems() []error { return multierr.Errors(e.Err) }

// SynthesisError means a trace could not be built for a route. Schedulers
// skip the tick and keep going.
type SynthesisError struct {
	Route   string
	Service string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("route %q: entry service %q is not in the topology", e.Route, e.Service)
}

// SinkError is a delivery failure at one sink. It is counted and logged but
// never retried by the fan-out.
type SinkError struct {
	Sink    string
	TraceID string
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: trace %s: %v", e.Sink, e.TraceID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// ShutdownTimeoutError is returned by Shutdown when draining did not finish
// in time. Incomplete counts emissions that were abandoned.
type ShutdownTimeoutError struct {
	Timeout    time.Duration
	Incomplete int64
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown did not drain within %s; %d emissions abandoned", e.Timeout, e.Incomplete)
}
