package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LatencyDist is a gaussian latency with optional clamps. A zero StdDev is a
// fixed latency.
type LatencyDist struct {
	Mean   time.Duration `yaml:"mean"`
	StdDev time.Duration `yaml:"stddev,omitempty"`
	Min    time.Duration `yaml:"min,omitempty"`
	Max    time.Duration `yaml:"max,omitempty"`
}

// CallConfig is one outbound call edge as it appears in the topology file.
type CallConfig struct {
	Service     string            `yaml:"service"`
	Operation   string            `yaml:"operation"`
	Probability *float64          `yaml:"probability,omitempty"`
	ErrorRate   float64           `yaml:"errorRate,omitempty"`
	Latency     LatencyDist       `yaml:"latency"`
	MaxFanOut   int               `yaml:"maxFanOut,omitempty"`
	Tags        map[string]string `yaml:"tags,omitempty"`
}

type ServiceConfig struct {
	Name        string            `yaml:"name"`
	Tags        map[string]string `yaml:"tags,omitempty"`
	ExtraFields int               `yaml:"extraFields,omitempty"`
	Calls       []CallConfig      `yaml:"calls,omitempty"`
}

type RouteConfig struct {
	Name          string      `yaml:"name,omitempty"`
	Service       string      `yaml:"service"`
	Operation     string      `yaml:"operation"`
	TracesPerHour float64     `yaml:"tracesPerHour"`
	Latency       LatencyDist `yaml:"latency"`
	ErrorRate     float64     `yaml:"errorRate,omitempty"`
	MaxDepth      int         `yaml:"maxDepth,omitempty"`
	RateJitter    *float64    `yaml:"rateJitter,omitempty"`
	Seed          string      `yaml:"seed,omitempty"`
}

// SpanStartConfig controls how far after its parent's start a child span
// begins: an offset drawn from Distribution, capped at MaxFraction of the
// parent's duration.
type SpanStartConfig struct {
	Distribution string  `yaml:"distribution"`
	MaxFraction  float64 `yaml:"maxFraction,omitempty"`
}

type DefaultsConfig struct {
	MaxDepth   int     `yaml:"maxDepth,omitempty"`
	RateJitter float64 `yaml:"rateJitter,omitempty"`
}

// TopologyConfig is the parsed form of a topology file.
type TopologyConfig struct {
	ErrorPropagation string          `yaml:"errorPropagation"`
	SpanStart        SpanStartConfig `yaml:"spanStart"`
	MaxSpansPerTrace int             `yaml:"maxSpansPerTrace,omitempty"`
	Defaults         DefaultsConfig  `yaml:"defaults,omitempty"`
	Services         []ServiceConfig `yaml:"services"`
	Routes           []RouteConfig   `yaml:"routes"`
}

// ParseTopologyConfig decodes YAML (or JSON, which is a subset) and rejects
// unknown keys so that typos in the file don't silently become defaults.
func ParseTopologyConfig(r io.Reader) (TopologyConfig, error) {
	var cfg TopologyConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("empty topology")
		}
		return cfg, err
	}
	return cfg, nil
}

// LoadTopology reads and validates a topology file.
func LoadTopology(filename string) (*Topology, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigError{Source: filename, Err: err}
	}
	cfg, err := ParseTopologyConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &ConfigError{Source: filename, Err: err}
	}
	topo, err := NewTopology(cfg)
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			cerr.Source = filename
		}
		return nil, err
	}
	return topo, nil
}
