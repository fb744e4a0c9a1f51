package main

// loadgen generates synthetic distributed-trace load from a declared service
// topology. It sends complete traces to one or more tracing backends so that
// pipelines can be load tested without running real instrumented services.
//
// The topology file declares:
//
// - services, each with tags (constants or /generators, seeded by service
// name so the same service has the same fields across runs) and a list of
// outbound calls.
// - calls, each with a target service, operation, probability, fan-out,
// latency distribution, error rate and optional tags.
// - routes, each an entry (service, operation) with a rate in traces per hour,
// a root latency and error rate, and a maxDepth that bounds the walk.
// - two policies that have no default and must be chosen: errorPropagation
// (none or upward) and spanStart (where a child begins inside its parent).
//
// Every route runs its own scheduler goroutine. On each tick the scheduler
// walks the call graph from the route's entry service, depth first, deciding
// for every call whether it happens and how many times, and builds the whole
// trace up front with timestamps that nest correctly: children start inside
// their parent and parents are stretched to cover their children. Cycles in
// the graph are fine; they are unrolled until maxDepth.
//
// Ticks are spaced by 3600/tracesPerHour seconds on average, with optional
// jitter, and deadlines are computed from the previous deadline so the rate
// doesn't drift when ticks are slow.
//
// Finished traces go to a fan-out with one bounded queue and one worker per
// sink. A full queue drops the new trace for that sink only. On shutdown the
// schedulers stop, queued traces are delivered (or abandoned after
// --shutdowntimeout), and every sink is closed exactly once.
//
// Fields in a span come from:
//   - the service's tags and generated extra fields
//   - the call's tags
//   - error=true on spans with error status
//   - loadgen.route on the root span
//
// In addition, each sink adds the standard fields of its format: service
// name, trace id, span id, parent span id, start time and duration.
