package main

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// chainConfig is frontend -> backend -> db with every call certain.
func chainConfig() TopologyConfig {
	return TopologyConfig{
		ErrorPropagation: "none",
		SpanStart:        SpanStartConfig{Distribution: "none"},
		Defaults:         DefaultsConfig{MaxDepth: 10},
		Services: []ServiceConfig{
			{Name: "frontend", Calls: []CallConfig{
				{Service: "backend", Operation: "/api", Latency: LatencyDist{Mean: 20 * time.Millisecond}},
			}},
			{Name: "backend", Calls: []CallConfig{
				{Service: "db", Operation: "SELECT", Latency: LatencyDist{Mean: 5 * time.Millisecond}},
			}},
			{Name: "db"},
		},
		Routes: []RouteConfig{
			{Name: "home", Service: "frontend", Operation: "/", TracesPerHour: 3600,
				Latency: LatencyDist{Mean: 50 * time.Millisecond}},
		},
	}
}

func problems(t *testing.T, err error) []string {
	t.Helper()
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr), "expected a *ConfigError, got %v", err)
	var msgs []string
	for _, p := range cerr.Problems() {
		msgs = append(msgs, p.Error())
	}
	return msgs
}

func assertProblem(t *testing.T, msgs []string, substr string) {
	t.Helper()
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return
		}
	}
	t.Errorf("no problem mentions %q; got %q", substr, msgs)
}

func TestNewTopology(t *testing.T) {
	topo, err := NewTopology(chainConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"backend", "db", "frontend"}, topo.Services())
	assert.Equal(t, PropagateNone, topo.ErrorPropagation())
	assert.Equal(t, StartAtParent, topo.SpanStart().Distribution)
	assert.Equal(t, defaultMaxSpansPerTrace, topo.MaxSpansPerTrace())

	fe, ok := topo.Service("frontend")
	require.True(t, ok)
	edges := fe.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "backend", edges[0].Target)
	assert.Equal(t, 1.0, edges[0].Probability)
	assert.Equal(t, 1, edges[0].MaxFanOut)
	assert.NotNil(t, edges[0].Tags())

	// the returned slice is a copy
	edges[0].Target = "elsewhere"
	assert.Equal(t, "backend", fe.Edges()[0].Target)

	route, ok := topo.Route("home")
	require.True(t, ok)
	assert.Equal(t, 10, route.MaxDepth)
	assert.Equal(t, time.Second, route.Interval())

	_, ok = topo.Service("nope")
	assert.False(t, ok)
	_, ok = topo.Route("nope")
	assert.False(t, ok)
}

func TestNewTopology_RouteDefaults(t *testing.T) {
	cfg := chainConfig()
	cfg.Defaults.RateJitter = 0.2
	cfg.Routes = append(cfg.Routes, RouteConfig{
		Service: "backend", Operation: "/batch", TracesPerHour: 60,
		MaxDepth: 2, RateJitter: ptr(0.0),
	})
	topo, err := NewTopology(cfg)
	require.NoError(t, err)

	routes := topo.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, 0.2, routes[0].RateJitter)
	assert.Equal(t, "backend /batch", routes[1].Name)
	assert.Equal(t, 0.0, routes[1].RateJitter)
	assert.Equal(t, 2, routes[1].MaxDepth)
	assert.Equal(t, time.Minute, routes[1].Interval())
}

func TestNewTopology_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*TopologyConfig)
		want   []string
	}{
		{
			name:   "missing policies",
			modify: func(c *TopologyConfig) { c.ErrorPropagation = ""; c.SpanStart.Distribution = "" },
			want:   []string{"errorPropagation must be set", "spanStart.distribution must be set"},
		},
		{
			name:   "unknown policies",
			modify: func(c *TopologyConfig) { c.ErrorPropagation = "sideways"; c.SpanStart.Distribution = "poisson" },
			want:   []string{`unknown errorPropagation "sideways"`, `unknown spanStart.distribution "poisson"`},
		},
		{
			name:   "undeclared target",
			modify: func(c *TopologyConfig) { c.Services[1].Calls[0].Service = "cache" },
			want:   []string{`call to "cache": target service is not declared`},
		},
		{
			name:   "duplicate service",
			modify: func(c *TopologyConfig) { c.Services = append(c.Services, ServiceConfig{Name: "db"}) },
			want:   []string{`duplicate service "db"`},
		},
		{
			name: "probability out of range",
			modify: func(c *TopologyConfig) {
				c.Services[0].Calls[0].Probability = ptr(1.5)
				c.Services[1].Calls[0].ErrorRate = -0.1
			},
			want: []string{"probability 1.5 is outside [0,1]", "errorRate -0.1 is outside [0,1]"},
		},
		{
			name:   "negative fanout",
			modify: func(c *TopologyConfig) { c.Services[0].Calls[0].MaxFanOut = -1 },
			want:   []string{"maxFanOut must not be negative"},
		},
		{
			name: "bad latency",
			modify: func(c *TopologyConfig) {
				c.Services[0].Calls[0].Latency = LatencyDist{Mean: time.Millisecond, Min: time.Second, Max: time.Millisecond}
			},
			want: []string{"latency min 1s is greater than max 1ms"},
		},
		{
			name:   "no routes",
			modify: func(c *TopologyConfig) { c.Routes = nil },
			want:   []string{"no routes declared"},
		},
		{
			name:   "no services",
			modify: func(c *TopologyConfig) { c.Services = nil },
			want:   []string{"no services declared", `entry service "frontend" is not declared`},
		},
		{
			name: "bad route",
			modify: func(c *TopologyConfig) {
				c.Defaults.MaxDepth = 0
				c.Routes[0].TracesPerHour = 0
				c.Routes[0].RateJitter = ptr(1.0)
			},
			want: []string{"tracesPerHour must be positive", "maxDepth must be set", "rateJitter 1 is outside [0,1)"},
		},
		{
			name:   "infinite rate",
			modify: func(c *TopologyConfig) { c.Routes[0].TracesPerHour = math.Inf(1) },
			want:   []string{"tracesPerHour must be positive"},
		},
		{
			name:   "rate too low for a duration",
			modify: func(c *TopologyConfig) { c.Routes[0].TracesPerHour = 1e-7 },
			want:   []string{"tracesPerHour 1e-07 gives an interval outside"},
		},
		{
			name:   "rate too high for a duration",
			modify: func(c *TopologyConfig) { c.Routes[0].TracesPerHour = 1e13 },
			want:   []string{"tracesPerHour 1e+13 gives an interval outside"},
		},
		{
			name:   "duplicate route",
			modify: func(c *TopologyConfig) { c.Routes = append(c.Routes, c.Routes[0]) },
			want:   []string{`duplicate route "home"`},
		},
		{
			name:   "bad tag spec",
			modify: func(c *TopologyConfig) { c.Services[2].Tags = map[string]string{"rows": "/q1"} },
			want:   []string{`service "db": unparseable field rows=/q1`},
		},
		{
			name: "too many spans",
			modify: func(c *TopologyConfig) {
				c.MaxSpansPerTrace = 10
				c.Services[0].Calls[0].MaxFanOut = 5
				c.Services[1].Calls[0].MaxFanOut = 5
			},
			want: []string{`route "home" can produce up to 31 spans per trace; maxSpansPerTrace is 10`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := chainConfig()
			tt.modify(&cfg)
			topo, err := NewTopology(cfg)
			require.Error(t, err)
			assert.Nil(t, topo)
			msgs := problems(t, err)
			for _, w := range tt.want {
				assertProblem(t, msgs, w)
			}
		})
	}
}

func TestConfigError_ListsEveryProblem(t *testing.T) {
	cfg := chainConfig()
	cfg.ErrorPropagation = ""
	cfg.Routes = nil
	_, err := NewTopology(cfg)
	require.Error(t, err)
	assert.Len(t, problems(t, err), 2)
	assert.Contains(t, err.Error(), "invalid topology (2 problems)")
}

func TestTopology_MaxSpans(t *testing.T) {
	cfg := chainConfig()
	cfg.Services[0].Calls[0].MaxFanOut = 3
	cfg.Services[1].Calls[0].MaxFanOut = 2
	topo, err := NewTopology(cfg)
	require.NoError(t, err)
	route, _ := topo.Route("home")
	// 1 frontend + 3 backend + 3*2 db
	assert.Equal(t, int64(10), topo.MaxSpans(route))

	route.MaxDepth = 2
	assert.Equal(t, int64(4), topo.MaxSpans(route))
	route.MaxDepth = 1
	assert.Equal(t, int64(1), topo.MaxSpans(route))
}

func TestTopology_MaxSpansCycle(t *testing.T) {
	cfg := chainConfig()
	cfg.Services = []ServiceConfig{
		{Name: "a", Calls: []CallConfig{{Service: "b", Operation: "ping"}}},
		{Name: "b", Calls: []CallConfig{
			{Service: "a", Operation: "pong"},
			{Service: "a", Operation: "never", Probability: ptr(0.0)},
		}},
	}
	cfg.Routes = []RouteConfig{{Name: "loop", Service: "a", Operation: "start", TracesPerHour: 1, MaxDepth: 5}}
	topo, err := NewTopology(cfg)
	require.NoError(t, err)
	route, _ := topo.Route("loop")
	assert.Equal(t, int64(5), topo.MaxSpans(route))
}

func TestTopology_MaxSpansSaturates(t *testing.T) {
	cfg := chainConfig()
	cfg.Services = []ServiceConfig{
		{Name: "a", Calls: []CallConfig{{Service: "a", Operation: "self", MaxFanOut: 1000}}},
	}
	cfg.Routes = []RouteConfig{{Name: "boom", Service: "a", Operation: "start", TracesPerHour: 1, MaxDepth: 100}}
	cfg.MaxSpansPerTrace = math.MaxInt32
	_, err := NewTopology(cfg)
	msgs := problems(t, err)
	assertProblem(t, msgs, "9223372036854775807 spans per trace")
}

func TestLatencyDist_Sample(t *testing.T) {
	r := NewRng("latency")
	fixed := LatencyDist{Mean: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, fixed.Sample(r))

	clamped := LatencyDist{Mean: 10 * time.Millisecond, StdDev: 50 * time.Millisecond, Min: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 1000; i++ {
		d := clamped.Sample(r)
		if d < 5*time.Millisecond || d > 20*time.Millisecond {
			t.Fatalf("sample %s outside clamps", d)
		}
	}

	wide := LatencyDist{Mean: time.Millisecond, StdDev: time.Second}
	for i := 0; i < 1000; i++ {
		if d := wide.Sample(r); d < 0 {
			t.Fatalf("negative sample %s", d)
		}
	}
}

func TestSpanStart_Offset(t *testing.T) {
	r := NewRng("offset")
	parent := 100 * time.Millisecond

	assert.Equal(t, time.Duration(0), SpanStart{Distribution: StartAtParent, MaxFraction: 0.5}.Offset(r, parent))
	assert.Equal(t, time.Duration(0), SpanStart{Distribution: StartUniform}.Offset(r, parent))

	for _, dist := range []StartDistribution{StartUniform, StartExponential} {
		ss := SpanStart{Distribution: dist, MaxFraction: 0.25}
		for i := 0; i < 1000; i++ {
			off := ss.Offset(r, parent)
			if off < 0 || off > 25*time.Millisecond {
				t.Fatalf("%s offset %s outside [0, 25ms]", dist, off)
			}
		}
	}
}

func TestParseTopologyConfig(t *testing.T) {
	cfg, err := ParseTopologyConfig(strings.NewReader(`
errorPropagation: upward
spanStart: {distribution: exponential, maxFraction: 0.5}
services:
  - name: web
    calls:
      - service: web
        operation: again
        probability: 0
        latency: {mean: 3ms, stddev: 1ms}
routes:
  - service: web
    operation: /
    tracesPerHour: 10
    maxDepth: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "upward", cfg.ErrorPropagation)
	assert.Equal(t, 0.5, cfg.SpanStart.MaxFraction)
	require.Len(t, cfg.Services, 1)
	require.NotNil(t, cfg.Services[0].Calls[0].Probability)
	assert.Equal(t, 0.0, *cfg.Services[0].Calls[0].Probability)
	assert.Equal(t, 3*time.Millisecond, cfg.Services[0].Calls[0].Latency.Mean)

	topo, err := NewTopology(cfg)
	require.NoError(t, err)
	assert.Equal(t, PropagateUpward, topo.ErrorPropagation())
	assert.Equal(t, StartExponential, topo.SpanStart().Distribution)
	assert.Equal(t, "web /", topo.Routes()[0].Name)

	_, err = ParseTopologyConfig(strings.NewReader("errorPropagation: none\nservcies: []\n"))
	assert.ErrorContains(t, err, "servcies")

	_, err = ParseTopologyConfig(strings.NewReader(""))
	assert.EqualError(t, err, "empty topology")
}

func TestLoadTopology(t *testing.T) {
	topo, err := LoadTopology("topology.example.yml")
	require.NoError(t, err)
	assert.Len(t, topo.Services(), 6)
	require.Len(t, topo.Routes(), 3)
	_, ok := topo.Route("backend /internal/reindex")
	assert.True(t, ok)
	browse, ok := topo.Route("browse")
	require.True(t, ok)
	assert.Equal(t, 4, browse.MaxDepth)
	assert.Equal(t, 0.3, browse.RateJitter)
	for _, r := range topo.Routes() {
		assert.LessOrEqual(t, topo.MaxSpans(r), int64(topo.MaxSpansPerTrace()), r.Name)
	}

	_, err = LoadTopology("does-not-exist.yml")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "does-not-exist.yml", cerr.Source)
}
