package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

// make sure it implements Sink
var _ Sink = (*SinkOTel)(nil)

// SinkOTel sends OTLP over grpc or http. Spans are already complete when
// they arrive, so instead of going through a Tracer they are converted to
// read-only spans and handed straight to a batch span processor. The
// processor blocks rather than drops when its queue is full, so a trace is
// either queued whole or Emit has not returned.
type SinkOTel struct {
	bsp      sdktrace.SpanProcessor
	exporter sdktrace.SpanExporter
	scope    instrumentation.Library

	mut       sync.Mutex
	resources map[string]*resource.Resource
}

func NewSinkOTel(log Logger, opts *Options) (*SinkOTel, error) {
	var client otlptrace.Client
	switch opts.Output.Protocol {
	case "grpc":
		client = setupOTELGRPCClient(opts)
	case "http":
		client = setupOTELHTTPClient(opts)
	default:
		return nil, fmt.Errorf("unknown protocol: %s", opts.Output.Protocol)
	}

	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("failure configuring otel trace exporter: %w", err)
	}
	log.Info("otel sink sending %s to %s\n", opts.Output.Protocol, opts.apihost.Host)
	return newSinkOTel(exporter, otelBatchOptions(opts)...), nil
}

func otelBatchOptions(opts *Options) []sdktrace.BatchSpanProcessorOption {
	var bspOpts []sdktrace.BatchSpanProcessorOption
	if opts.Output.BatchTimeout != 0 {
		bspOpts = append(bspOpts, sdktrace.WithBatchTimeout(opts.Output.BatchTimeout))
	} else if opts.Output.FlushInterval != 0 {
		bspOpts = append(bspOpts, sdktrace.WithBatchTimeout(opts.Output.FlushInterval))
	}
	if opts.Output.MaxQueueSize != 0 {
		bspOpts = append(bspOpts, sdktrace.WithMaxQueueSize(opts.Output.MaxQueueSize))
	}
	if opts.Output.MaxExportBatchSize != 0 {
		bspOpts = append(bspOpts, sdktrace.WithMaxExportBatchSize(opts.Output.MaxExportBatchSize))
	}
	if opts.Output.ExportTimeout != 0 {
		bspOpts = append(bspOpts, sdktrace.WithExportTimeout(opts.Output.ExportTimeout))
	}
	return bspOpts
}

func newSinkOTel(exporter sdktrace.SpanExporter, bspOpts ...sdktrace.BatchSpanProcessorOption) *SinkOTel {
	return &SinkOTel{
		bsp:       sdktrace.NewBatchSpanProcessor(exporter, append(bspOpts, sdktrace.WithBlocking())...),
		exporter:  exporter,
		scope:     instrumentation.Library{Name: ResourceLibrary, Version: ResourceVersion},
		resources: make(map[string]*resource.Resource),
	}
}

func (t *SinkOTel) Name() string {
	return "otel"
}

// resource returns the per-service resource; OTLP groups spans by it.
func (t *SinkOTel) resource(service string) *resource.Resource {
	t.mut.Lock()
	defer t.mut.Unlock()
	res, ok := t.resources[service]
	if !ok {
		res = resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceNameKey.String(service),
			semconv.TelemetrySDKNameKey.String(ResourceLibrary),
		)
		t.resources[service] = res
	}
	return res
}

// Emit hands every span of tr to the batch processor. ctx is only checked
// before the first span is queued: once queueing starts the whole trace goes
// in, and a full queue blocks until the exporter makes room, which is bounded
// by --exporttimeout rather than by ctx.
func (t *SinkOTel) Emit(ctx context.Context, tr *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, ro := range t.convert(tr) {
		t.bsp.OnEnd(ro)
	}
	return nil
}

func (t *SinkOTel) convert(tr *Trace) []sdktrace.ReadOnlySpan {
	spans := make([]sdktrace.ReadOnlySpan, 0, len(tr.Spans))
	for _, s := range tr.Spans {
		stub := tracetest.SpanStub{
			Name: s.Operation,
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    s.TraceID,
				SpanID:     s.SpanID,
				TraceFlags: trace.FlagsSampled,
			}),
			SpanKind:               trace.SpanKindServer,
			StartTime:              s.StartTime,
			EndTime:                s.EndTime(),
			Attributes:             otelAttributes(s.Tags),
			Resource:               t.resource(s.ServiceName),
			InstrumentationLibrary: t.scope,
		}
		if !s.IsRootSpan() {
			stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    s.TraceID,
				SpanID:     s.ParentID,
				TraceFlags: trace.FlagsSampled,
			})
		}
		if s.IsError() {
			stub.Status = sdktrace.Status{Code: codes.Error, Description: "synthetic error"}
		}
		spans = append(spans, stub.Snapshot())
	}
	return spans
}

func otelAttributes(tags map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		switch val := v.(type) {
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case string:
			attrs = append(attrs, attribute.String(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}

// Flush exports everything queued so far.
func (t *SinkOTel) Flush(ctx context.Context) error {
	return t.bsp.ForceFlush(ctx)
}

func (t *SinkOTel) Close() error {
	ctx := context.Background()
	err := t.bsp.Shutdown(ctx)
	if xerr := t.exporter.Shutdown(ctx); err == nil {
		err = xerr
	}
	return err
}

func setupOTELHTTPClient(opts *Options) otlptrace.Client {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(opts.apihost.Host),
		otlptracehttp.WithHeaders(map[string]string{
			"x-honeycomb-team":    opts.Telemetry.APIKey,
			"x-honeycomb-dataset": opts.Telemetry.Dataset,
		}),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if opts.Telemetry.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	} else {
		options = append(options, otlptracehttp.WithTLSClientConfig(&tls.Config{}))
	}
	return otlptracehttp.NewClient(
		options...,
	)
}

func setupOTELGRPCClient(opts *Options) otlptrace.Client {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.apihost.Host),
		otlptracegrpc.WithHeaders(map[string]string{
			"x-honeycomb-team":    opts.Telemetry.APIKey,
			"x-honeycomb-dataset": opts.Telemetry.Dataset,
		}),
		otlptracegrpc.WithCompressor(gzip.Name),
	}
	if opts.Telemetry.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	} else {
		options = append(options, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.NewClient(
		options...,
	)
}
