package main

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/multierr"
)

const defaultMaxSpansPerTrace = 100000

type ErrorPropagation int

const (
	PropagateNone ErrorPropagation = iota
	PropagateUpward
)

func (p ErrorPropagation) String() string {
	if p == PropagateUpward {
		return "upward"
	}
	return "none"
}

type StartDistribution int

const (
	StartAtParent StartDistribution = iota
	StartUniform
	StartExponential
)

func (d StartDistribution) String() string {
	switch d {
	case StartUniform:
		return "uniform"
	case StartExponential:
		return "exponential"
	default:
		return "none"
	}
}

// SpanStart places a child span inside its parent.
type SpanStart struct {
	Distribution StartDistribution
	MaxFraction  float64
}

// Offset returns how long after the parent's start a child begins. It is
// never negative and never more than MaxFraction of the parent's duration.
func (s SpanStart) Offset(r Rng, parent time.Duration) time.Duration {
	limit := float64(parent) * s.MaxFraction
	if limit <= 0 {
		return 0
	}
	var off float64
	switch s.Distribution {
	case StartUniform:
		off = r.Float(0, limit)
	case StartExponential:
		// a third of the window as the mean keeps most children near the start
		off = math.Min(r.Exponential(limit/3), limit)
	default:
		return 0
	}
	return time.Duration(off)
}

// Sample draws a duration from the distribution. Results are clamped to
// [Min, Max] when those are set, and never negative.
func (l LatencyDist) Sample(r Rng) time.Duration {
	d := time.Duration(r.Gaussian(float64(l.Mean), float64(l.StdDev)))
	if l.StdDev == 0 {
		d = l.Mean
	}
	if l.Min > 0 && d < l.Min {
		d = l.Min
	}
	if l.Max > 0 && d > l.Max {
		d = l.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (l LatencyDist) validate() error {
	var err error
	if l.Mean < 0 || l.StdDev < 0 || l.Min < 0 || l.Max < 0 {
		err = multierr.Append(err, fmt.Errorf("latency values must not be negative"))
	}
	if l.Max > 0 && l.Min > l.Max {
		err = multierr.Append(err, fmt.Errorf("latency min %s is greater than max %s", l.Min, l.Max))
	}
	return err
}

// Edge is a call from one service to another.
type Edge struct {
	Target      string
	Operation   string
	Probability float64
	ErrorRate   float64
	Latency     LatencyDist
	MaxFanOut   int
	tags        *Fielder
}

// Tags returns the edge's tag generators.
func (e Edge) Tags() *Fielder {
	return e.tags
}

type Service struct {
	name   string
	fields *Fielder
	edges  []Edge
}

func (s *Service) Name() string {
	return s.name
}

// Fields returns the generators for the service's tags and extra fields.
func (s *Service) Fields() *Fielder {
	return s.fields
}

// Edges returns the outbound calls in declared order.
func (s *Service) Edges() []Edge {
	edges := make([]Edge, len(s.edges))
	copy(edges, s.edges)
	return edges
}

type Route struct {
	Name          string
	Service       string
	Operation     string
	TracesPerHour float64
	Latency       LatencyDist
	ErrorRate     float64
	MaxDepth      int
	RateJitter    float64
	Seed          string
}

// Interval is the mean time between traces.
func (r Route) Interval() time.Duration {
	return time.Duration(float64(time.Hour) / r.TracesPerHour)
}

// Topology is the immutable service graph. It's shared by every scheduler
// without locking.
type Topology struct {
	services         map[string]*Service
	names            []string
	routes           []Route
	errorPropagation ErrorPropagation
	spanStart        SpanStart
	maxSpansPerTrace int
}

func (t *Topology) Service(name string) (*Service, bool) {
	s, ok := t.services[name]
	return s, ok
}

// Services returns the service names in sorted order.
func (t *Topology) Services() []string {
	names := make([]string, len(t.names))
	copy(names, t.names)
	return names
}

func (t *Topology) Routes() []Route {
	routes := make([]Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

func (t *Topology) Route(name string) (Route, bool) {
	for _, r := range t.routes {
		if r.Name == name {
			return r, true
		}
	}
	return Route{}, false
}

func (t *Topology) ErrorPropagation() ErrorPropagation {
	return t.errorPropagation
}

func (t *Topology) SpanStart() SpanStart {
	return t.spanStart
}

func (t *Topology) MaxSpansPerTrace() int {
	return t.maxSpansPerTrace
}

// MaxSpans is the largest trace the route can produce: every edge firing
// with its full fan-out down to the route's depth bound. The result
// saturates at math.MaxInt64.
func (t *Topology) MaxSpans(route Route) int64 {
	memo := make(map[string]float64)
	var bound func(svc string, depth int) float64
	bound = func(svc string, depth int) float64 {
		key := fmt.Sprintf("%s/%d", svc, depth)
		if v, ok := memo[key]; ok {
			return v
		}
		n := 1.0
		s, ok := t.services[svc]
		if ok && depth < route.MaxDepth {
			for _, e := range s.edges {
				if e.Probability <= 0 {
					continue
				}
				n += float64(e.MaxFanOut) * bound(e.Target, depth+1)
			}
		}
		memo[key] = n
		return n
	}
	n := bound(route.Service, 1)
	if n >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

func checkUnit(err error, what string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		err = multierr.Append(err, fmt.Errorf("%s %v is outside [0,1]", what, v))
	}
	return err
}

// NewTopology validates cfg and builds the topology. Every problem found is
// reported in one *ConfigError.
func NewTopology(cfg TopologyConfig) (*Topology, error) {
	var errs error
	t := &Topology{
		services:         make(map[string]*Service),
		maxSpansPerTrace: cfg.MaxSpansPerTrace,
	}

	switch cfg.ErrorPropagation {
	case "none":
		t.errorPropagation = PropagateNone
	case "upward":
		t.errorPropagation = PropagateUpward
	case "":
		errs = multierr.Append(errs, fmt.Errorf("errorPropagation must be set to none or upward"))
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown errorPropagation %q", cfg.ErrorPropagation))
	}

	switch cfg.SpanStart.Distribution {
	case "none":
		t.spanStart.Distribution = StartAtParent
	case "uniform":
		t.spanStart.Distribution = StartUniform
	case "exponential":
		t.spanStart.Distribution = StartExponential
	case "":
		errs = multierr.Append(errs, fmt.Errorf("spanStart.distribution must be set to none, uniform or exponential"))
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown spanStart.distribution %q", cfg.SpanStart.Distribution))
	}
	t.spanStart.MaxFraction = cfg.SpanStart.MaxFraction
	errs = checkUnit(errs, "spanStart.maxFraction", cfg.SpanStart.MaxFraction)

	if t.maxSpansPerTrace == 0 {
		t.maxSpansPerTrace = defaultMaxSpansPerTrace
	} else if t.maxSpansPerTrace < 0 {
		errs = multierr.Append(errs, fmt.Errorf("maxSpansPerTrace must be positive"))
	}
	if cfg.Defaults.MaxDepth < 0 {
		errs = multierr.Append(errs, fmt.Errorf("defaults.maxDepth must not be negative"))
	}
	if cfg.Defaults.RateJitter < 0 || cfg.Defaults.RateJitter >= 1 {
		errs = multierr.Append(errs, fmt.Errorf("defaults.rateJitter %v is outside [0,1)", cfg.Defaults.RateJitter))
	}

	if len(cfg.Services) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no services declared"))
	}
	for i, sc := range cfg.Services {
		if sc.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("service #%d has no name", i+1))
			continue
		}
		if _, dup := t.services[sc.Name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate service %q", sc.Name))
			continue
		}
		if sc.ExtraFields < 0 {
			errs = multierr.Append(errs, fmt.Errorf("service %q: extraFields must not be negative", sc.Name))
		}
		fields, err := NewFielder(sc.Name, sc.Tags, sc.ExtraFields)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("service %q: %w", sc.Name, err))
		}
		t.services[sc.Name] = &Service{name: sc.Name, fields: fields}
		t.names = append(t.names, sc.Name)
	}
	sort.Strings(t.names)

	wired := make(map[string]bool)
	for _, sc := range cfg.Services {
		svc, ok := t.services[sc.Name]
		if !ok || wired[sc.Name] {
			continue
		}
		wired[sc.Name] = true
		for _, cc := range sc.Calls {
			edge, err := t.buildEdge(sc.Name, cc)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			svc.edges = append(svc.edges, edge)
		}
	}

	if len(cfg.Routes) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no routes declared"))
	}
	seen := make(map[string]bool)
	for _, rc := range cfg.Routes {
		route, err := buildRoute(rc, cfg.Defaults)
		if err == nil {
			if _, ok := t.services[route.Service]; !ok {
				err = fmt.Errorf("route %q: entry service %q is not declared", route.Name, route.Service)
			}
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if seen[route.Name] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate route %q", route.Name))
			continue
		}
		seen[route.Name] = true
		t.routes = append(t.routes, route)
	}

	if errs != nil {
		return nil, &ConfigError{Err: errs}
	}

	// only meaningful once every edge resolves
	for _, r := range t.routes {
		if n := t.MaxSpans(r); n > int64(t.maxSpansPerTrace) {
			errs = multierr.Append(errs, fmt.Errorf("route %q can produce up to %d spans per trace; maxSpansPerTrace is %d",
				r.Name, n, t.maxSpansPerTrace))
		}
	}
	if errs != nil {
		return nil, &ConfigError{Err: errs}
	}
	return t, nil
}

func (t *Topology) buildEdge(from string, cc CallConfig) (Edge, error) {
	var errs error
	where := fmt.Sprintf("service %q call to %q", from, cc.Service)
	if _, ok := t.services[cc.Service]; !ok {
		errs = multierr.Append(errs, fmt.Errorf("%s: target service is not declared", where))
	}
	if cc.Operation == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s: no operation", where))
	}
	prob := 1.0
	if cc.Probability != nil {
		prob = *cc.Probability
	}
	errs = checkUnit(errs, where+": probability", prob)
	errs = checkUnit(errs, where+": errorRate", cc.ErrorRate)
	fanout := cc.MaxFanOut
	if fanout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: maxFanOut must not be negative", where))
	} else if fanout == 0 {
		fanout = 1
	}
	if err := cc.Latency.validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", where, err))
	}
	tags, err := NewFielder(from+"->"+cc.Service+" "+cc.Operation, cc.Tags, 0)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", where, err))
	}
	if errs != nil {
		return Edge{}, errs
	}
	return Edge{
		Target:      cc.Service,
		Operation:   cc.Operation,
		Probability: prob,
		ErrorRate:   cc.ErrorRate,
		Latency:     cc.Latency,
		MaxFanOut:   fanout,
		tags:        tags,
	}, nil
}

func buildRoute(rc RouteConfig, defaults DefaultsConfig) (Route, error) {
	r := Route{
		Name:          rc.Name,
		Service:       rc.Service,
		Operation:     rc.Operation,
		TracesPerHour: rc.TracesPerHour,
		Latency:       rc.Latency,
		ErrorRate:     rc.ErrorRate,
		MaxDepth:      rc.MaxDepth,
		RateJitter:    defaults.RateJitter,
		Seed:          rc.Seed,
	}
	if r.Name == "" {
		r.Name = rc.Service + " " + rc.Operation
	}
	if rc.RateJitter != nil {
		r.RateJitter = *rc.RateJitter
	}
	if r.MaxDepth == 0 {
		r.MaxDepth = defaults.MaxDepth
	}

	var errs error
	where := fmt.Sprintf("route %q", r.Name)
	if r.Service == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s: no entry service", where))
	}
	if r.Operation == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s: no operation", where))
	}
	if !(r.TracesPerHour > 0) || math.IsInf(r.TracesPerHour, 0) {
		errs = multierr.Append(errs, fmt.Errorf("%s: tracesPerHour must be positive", where))
	} else if iv := float64(time.Hour) / r.TracesPerHour; iv < 1 || iv >= math.MaxInt64/2 {
		// jitter can stretch an interval to nearly twice its mean
		errs = multierr.Append(errs, fmt.Errorf("%s: tracesPerHour %v gives an interval outside (0, %s]",
			where, r.TracesPerHour, time.Duration(math.MaxInt64/2)))
	}
	if r.MaxDepth <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: maxDepth must be set, on the route or in defaults", where))
	}
	if r.RateJitter < 0 || r.RateJitter >= 1 {
		errs = multierr.Append(errs, fmt.Errorf("%s: rateJitter %v is outside [0,1)", where, r.RateJitter))
	}
	errs = checkUnit(errs, where+": errorRate", r.ErrorRate)
	if err := r.Latency.validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", where, err))
	}
	return r, errs
}
