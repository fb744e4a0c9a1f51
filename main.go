package main

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goware/urlx"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
	"pgregory.net/rand"
)

var ResourceLibrary = "loadgen"
var ResourceVersion = "dev"

type Options struct {
	Topology struct {
		File string `long:"topology" short:"t" description:"YAML or JSON file describing the services, their calls and the routes to drive"`
	} `group:"Topology Options"`
	Telemetry struct {
		Host     string `long:"host" description:"the url of the host to receive otel or honeycomb telemetry (or honeycomb, dogfood, local)" default:"local"`
		Insecure bool   `long:"insecure" description:"use this for insecure http (not https) connections" yaml:",omitempty"`
		Dataset  string `long:"dataset" description:"sends all honeycomb spans to the given dataset; empty means one dataset per service" env:"HONEYCOMB_DATASET" default:"loadgen"`
		APIKey   string `long:"apikey" description:"the honeycomb API key(*)" env:"HONEYCOMB_API_KEY" yaml:"-"`
	} `group:"Telemetry Options"`
	Output struct {
		Sinks              []string      `long:"sink" description:"sink to send traces to; may be repeated" choice:"otel" choice:"zipkin" choice:"honeycomb" choice:"print" choice:"dummy" default:"print"`
		Protocol           string        `long:"protocol" description:"for otel only, protocol to use" choice:"grpc" choice:"http" default:"grpc"`
		ZipkinURL          string        `long:"zipkinurl" description:"for zipkin only, the v2 spans endpoint" default:"http://localhost:9411/api/v2/spans"`
		ZipkinEncoding     string        `long:"zipkinencoding" description:"for zipkin only, span encoding" choice:"json" choice:"proto3" default:"json"`
		FlushInterval      time.Duration `long:"flushinterval" description:"how often sinks flush their batches (0 uses each sink's default)" default:"0s" yaml:",omitempty"`
		MaxQueueSize       int           `long:"maxqueuesize" description:"maximum number of spans a sink buffers before blocking or dropping" default:"0" yaml:",omitempty"`
		MaxExportBatchSize int           `long:"maxexportbatchsize" description:"maximum number of spans a sink exports at once" default:"0" yaml:",omitempty"`
		BatchTimeout       time.Duration `long:"batchtimeout" description:"for otel only, maximum time to wait before sending a batch" default:"0s" yaml:",omitempty"`
		ExportTimeout      time.Duration `long:"exporttimeout" description:"maximum time to wait for a batch to be sent" default:"0s" yaml:",omitempty"`
		QueueSize          int           `long:"queuesize" description:"traces queued per sink before new ones are dropped" default:"1000"`
		SinkTimeout        time.Duration `long:"sinktimeout" description:"maximum time a sink may spend emitting one trace" default:"10s"`
	} `group:"Output Options"`
	Quantity struct {
		TraceCount      int64         `long:"tracecount" description:"the maximum number of traces to generate across all routes (0 means no limit)" default:"0" yaml:",omitempty"`
		RunTime         time.Duration `long:"runtime" description:"how long to generate traces (0 means until interrupted)" default:"0s" yaml:",omitempty"`
		ShutdownTimeout time.Duration `long:"shutdowntimeout" description:"how long to wait for queued traces to be delivered when stopping" default:"10s"`
	} `group:"Quantity Options"`
	Report struct {
		Verbosity int           `long:"verbosity" description:"summary reports: 0 none, 1 final totals, 2 periodic per route" choice:"0" choice:"1" choice:"2" default:"1"`
		Interval  time.Duration `long:"reportinterval" description:"how often to produce periodic summaries (0 disables them)" default:"10s"`
		Statsd    string        `long:"statsd" description:"host:port of a statsd server to send summaries to" yaml:",omitempty"`
	} `group:"Report Options"`
	Global struct {
		LogLevel  string `long:"loglevel" description:"level of logging" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"warn"`
		LogJSON   bool   `long:"logjson" description:"log JSON lines instead of console output" yaml:",omitempty"`
		DebugPort int    `long:"debugport" description:"port to listen on for pprof and /metrics(*)" default:"-1" yaml:"-"`
		Seed      string `long:"seed" description:"string seed for random number generator (random if not given)" yaml:",omitempty"`
		Config    string `long:"config" description:"name of config file to load(*)" default:"" yaml:"-"`
		WriteCfg  string `long:"writecfg" description:"write effective YAML config to the specified output file and quit(*)" default:"" yaml:"-"`
	} `group:"Global Options"`
	apihost *url.URL
}

func newOptions() *Options {
	return &Options{}
}

func (o *Options) CopyStarredFieldsFrom(other *Options) {
	o.Telemetry.APIKey = other.Telemetry.APIKey
	o.Global.DebugPort = other.Global.DebugPort
	o.Global.Config = other.Global.Config
	o.Global.WriteCfg = other.Global.WriteCfg
}

func (o *Options) usesSink(names ...string) bool {
	for _, s := range o.Output.Sinks {
		for _, n := range names {
			if s == n {
				return true
			}
		}
	}
	return false
}

// parses the host information and returns a cleaned-up version to make
// it easier to make sure that things are properly specified
func parseHost(host string, insecure bool, defaultPort int) (*url.URL, error) {
	switch host {
	case "honeycomb":
		host = "https://api.honeycomb.io:443"
	case "dogfood":
		host = "https://api-dogfood.honeycomb.io:443"
	case "local":
		host = "http://localhost:4317"
	default:
	}

	// if the scheme is not specified, fall back to the value of the insecure flag
	defaultScheme := "https"
	if insecure {
		defaultScheme = "http"
	}
	u, err := urlx.ParseWithDefaultScheme(host, defaultScheme)
	if err != nil {
		return nil, fmt.Errorf("unable to parse host: %w", err)
	}
	if u.Port() == "" {
		u.Host = fmt.Sprintf("%s:%d", u.Host, defaultPort)
	}
	return u, nil
}

func ReadConfig(opts *Options, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	return dec.Decode(opts)
}

func WriteConfig(opts *Options, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(opts); err != nil {
		return err
	}
	return enc.Close()
}

func main() {
	cmdopts := newOptions()

	parser := flags.NewParser(cmdopts, flags.Default)
	parser.Usage = `[OPTIONS]

	loadgen generates synthetic distributed traces for performance testing, load
	testing, and functionality testing of tracing pipelines, without running any
	real instrumented services.

	The shape of the traffic comes from a topology file: a set of services, the
	calls each service makes to others (with probability, fan-out, latency and
	error rate), and a set of routes. A route is an entry point into the
	topology with a target rate in traces per hour; each route runs on its own
	schedule and every trace it builds is a walk of the call graph from its
	entry service, bounded by the route's maxDepth. See topology.example.yml.

	Every trace is sent, whole, to each configured sink: OTLP over grpc or http,
	zipkin v2 (JSON or proto3), honeycomb events, stdout, or a counting dummy.
	A sink that can't keep up drops traces rather than slowing the others down.

	Service tags can be constants or generators starting with /.
	Allowed generators are /i, /ir, /ig, /f, /fr, /fg, /s, /sx, /sw, /b,
	optionally followed by a single number or a comma-separated pair of numbers.
	Example generators:
		- /s -- alphanumeric string of length 16
		- /sx32 -- hex string of 32 characters
		- /sw12 -- pronounceable words with cardinality 12
		- /ir100 -- int in a range of 0 to 100
		- /fg50,30 -- float in a gaussian distribution with mean 50 and stddev 30
		- /b33 -- boolean, true 33% of the time (default 50%)

	Options can be set in a config file, or on the command line; to specify them in the
	config file, specify it on the command line with "--config=FILENAME". The config file
	format is YAML.

	Note: If a config file is used, it MUST be used for all options, except for the ones
	marked in the help text with (*) -- these fields CANNOT be set in the config file.
	`

	// read the command line and envvars into cmdargs
	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error reading command line: %v\n", err)
		os.Exit(1)
	}

	opts := newOptions()
	if cmdopts.Global.Config != "" {
		if err := ReadConfig(opts, cmdopts.Global.Config); err != nil {
			fmt.Fprintf(os.Stderr, "err %v -- unable to read config file %s\n", err, cmdopts.Global.Config)
			os.Exit(1)
		}
		opts.CopyStarredFieldsFrom(cmdopts)
	} else {
		opts = cmdopts // we don't have to read from a file
	}

	log := NewLogger(NewZerolog(opts.Global.LogLevel, opts.Global.LogJSON))
	if cmdopts.Global.Config != "" {
		log.Info("read config from %s\n", cmdopts.Global.Config)
	}

	if opts.Global.WriteCfg != "" {
		if err := WriteConfig(opts, opts.Global.WriteCfg); err != nil {
			log.Fatal("unable to write config: %s\n", err)
		}
		log.Info("wrote config to %s\n", opts.Global.WriteCfg)
		os.Exit(0)
	}

	if opts.Topology.File == "" {
		log.Fatal("a topology file is required (--topology)\n")
	}
	topo, err := LoadTopology(opts.Topology.File)
	if err != nil {
		log.Fatal("%v\n", err)
	}

	if opts.Global.Seed == "" {
		opts.Global.Seed = fmt.Sprintf("%016x", rand.New().Uint64())
		log.Warn("using random seed %s\n", opts.Global.Seed)
	}

	if opts.usesSink("otel", "honeycomb") {
		port := 4317 // default GRPC port
		if opts.Output.Protocol == "http" {
			port = 4318
		}
		opts.apihost, err = parseHost(opts.Telemetry.Host, opts.Telemetry.Insecure, port)
		if err != nil {
			log.Fatal("%v\n", err)
		}
		log.Info("host: %s, dataset: %s, apikey: ...%4.4s\n", opts.apihost.String(), opts.Telemetry.Dataset, opts.Telemetry.APIKey)
	}

	reporters := []Reporter{NewLogReporter(NewZerolog("info", opts.Global.LogJSON), opts.Report.Verbosity)}
	if opts.Global.DebugPort > 0 {
		reg := prometheus.NewRegistry()
		reporters = append(reporters, NewPromReporter(reg))
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			err := http.ListenAndServe(fmt.Sprintf("localhost:%d", opts.Global.DebugPort), nil)
			log.Error("debug server: %v\n", err)
		}()
	}
	if opts.Report.Statsd != "" {
		sr, err := NewStatsdReporter(log, opts.Report.Statsd)
		if err != nil {
			log.Fatal("unable to start statsd reporter: %v\n", err)
		}
		defer sr.Close()
		reporters = append(reporters, sr)
	}

	sinks, err := NewSinks(log, opts)
	if err != nil {
		log.Fatal("%v\n", err)
	}

	engine, err := Start(topo, sinks, EngineOptions{
		QueueSize:      opts.Output.QueueSize,
		SinkTimeout:    opts.Output.SinkTimeout,
		Seed:           opts.Global.Seed,
		ReportInterval: opts.Report.Interval,
		Reporters:      reporters,
		TraceCount:     opts.Quantity.TraceCount,
		Log:            log,
	})
	if err != nil {
		log.Fatal("unable to start: %v\n", err)
	}

	// catch ctrl-c so we can shut down gracefully
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)

	var runtimer <-chan time.Time
	if opts.Quantity.RunTime > 0 {
		timer := time.NewTimer(opts.Quantity.RunTime)
		defer timer.Stop()
		runtimer = timer.C
	}

	select {
	case <-sigch:
		log.Warn("\nshutting down from operating system signal\n")
	case <-runtimer:
		log.Info("stopping after %s\n", opts.Quantity.RunTime)
	case <-engine.Done():
		log.Info("stopping after %d traces\n", opts.Quantity.TraceCount)
	}
	signal.Stop(sigch)

	if err := engine.Shutdown(opts.Quantity.ShutdownTimeout); err != nil {
		var terr *ShutdownTimeoutError
		if errors.As(err, &terr) {
			log.Warn("%v\n", terr)
		} else {
			log.Error("%v\n", err)
		}
	}
}
