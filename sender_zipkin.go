package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/openzipkin/zipkin-go/model"
	zipkinproto "github.com/openzipkin/zipkin-go/proto/zipkin_proto3"
	"github.com/openzipkin/zipkin-go/reporter"
	zipkinhttp "github.com/openzipkin/zipkin-go/reporter/http"
)

// make sure it implements Sink
var _ Sink = (*SinkZipkin)(nil)

// SinkZipkin reports spans to a zipkin v2 collector as JSON or proto3.
type SinkZipkin struct {
	reporter reporter.Reporter
}

// logWriter lets libraries that want a *log.Logger write through ours.
type logWriter struct {
	log Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Warn("%s", p)
	return len(p), nil
}

func NewSinkZipkin(log Logger, opts *Options) (*SinkZipkin, error) {
	var serializer reporter.SpanSerializer
	switch opts.Output.ZipkinEncoding {
	case "json", "":
		serializer = reporter.JSONSerializer{}
	case "proto3":
		serializer = zipkinproto.SpanSerializer{}
	default:
		return nil, fmt.Errorf("unknown zipkin encoding %q", opts.Output.ZipkinEncoding)
	}

	ropts := []zipkinhttp.ReporterOption{
		zipkinhttp.Serializer(serializer),
		zipkinhttp.Logger(newStdLogger(log)),
	}
	if opts.Output.FlushInterval > 0 {
		ropts = append(ropts, zipkinhttp.BatchInterval(opts.Output.FlushInterval))
	}
	if opts.Output.MaxExportBatchSize > 0 {
		ropts = append(ropts, zipkinhttp.BatchSize(opts.Output.MaxExportBatchSize))
	}
	if opts.Output.MaxQueueSize > 0 {
		ropts = append(ropts, zipkinhttp.MaxBacklog(opts.Output.MaxQueueSize))
	}
	if opts.Output.ExportTimeout > 0 {
		ropts = append(ropts, zipkinhttp.Timeout(opts.Output.ExportTimeout))
	}
	log.Info("zipkin sink sending %s to %s\n", serializer.ContentType(), opts.Output.ZipkinURL)
	return newSinkZipkin(zipkinhttp.NewReporter(opts.Output.ZipkinURL, ropts...)), nil
}

func newStdLogger(l Logger) *log.Logger {
	return log.New(logWriter{l}, "zipkin: ", 0)
}

func newSinkZipkin(r reporter.Reporter) *SinkZipkin {
	return &SinkZipkin{reporter: r}
}

func (t *SinkZipkin) Name() string {
	return "zipkin"
}

func (t *SinkZipkin) Emit(ctx context.Context, tr *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range tr.Spans {
		t.reporter.Send(zipkinSpan(s))
	}
	return nil
}

func zipkinSpan(s *Span) model.SpanModel {
	sm := model.SpanModel{
		SpanContext: model.SpanContext{
			TraceID: model.TraceID{
				High: binary.BigEndian.Uint64(s.TraceID[:8]),
				Low:  binary.BigEndian.Uint64(s.TraceID[8:]),
			},
			ID: model.ID(binary.BigEndian.Uint64(s.SpanID[:])),
		},
		Name:          s.Operation,
		Kind:          model.Server,
		Timestamp:     s.StartTime,
		Duration:      s.Duration,
		LocalEndpoint: &model.Endpoint{ServiceName: s.ServiceName},
		Tags:          make(map[string]string, len(s.Tags)),
	}
	if sm.Duration < time.Microsecond {
		// zipkin's resolution is a microsecond; zero means "unknown"
		sm.Duration = time.Microsecond
	}
	if !s.IsRootSpan() {
		parent := model.ID(binary.BigEndian.Uint64(s.ParentID[:]))
		sm.ParentID = &parent
	}
	for k, v := range s.Tags {
		sm.Tags[k] = fmt.Sprint(v)
	}
	return sm
}

func (t *SinkZipkin) Close() error {
	return t.reporter.Close()
}
