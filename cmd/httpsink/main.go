package main

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/jonboulle/clockwork"
	"github.com/openzipkin/zipkin-go/model"
	zipkinproto "github.com/openzipkin/zipkin-go/proto/zipkin_proto3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/honeycombio/topoloadgen/internal/receiver"
)

// Options defines the command line arguments
type Options struct {
	Port           int           `long:"port" description:"Port number to listen on for HTTP" default:"4318"`
	ReportInterval time.Duration `long:"reportinterval" description:"how often to log span rates (0 disables)" default:"5s"`
}

// TraceServer processes incoming trace data
type TraceServer struct {
	tally *receiver.Tally
	rate  *receiver.SpanRateTracker
	log   zerolog.Logger
}

func NewTraceServer(log zerolog.Logger, clock clockwork.Clock, reportInterval time.Duration) *TraceServer {
	rate := receiver.NewSpanRateTracker(clock, log, reportInterval)
	return &TraceServer{
		tally: receiver.NewTally(rate),
		rate:  rate,
		log:   log,
	}
}

// ProcessTraces counts the spans in an OTLP payload.
func (t *TraceServer) ProcessTraces(td ptrace.Traces) {
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		service := "unknown"
		if v, ok := rs.Resource().Attributes().Get("service.name"); ok {
			service = v.AsString()
		}
		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			spans := sss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				span := spans.At(k)
				traceID := span.TraceID()
				spanID := span.SpanID()
				t.tally.AddSpan(service, traceID[:], spanID[:], span.Status().Code() == ptrace.StatusCodeError)
			}
		}
	}
}

// ProcessZipkin counts zipkin v2 spans.
func (t *TraceServer) ProcessZipkin(spans []*model.SpanModel) {
	for _, s := range spans {
		var traceID [16]byte
		binary.BigEndian.PutUint64(traceID[:8], s.TraceID.High)
		binary.BigEndian.PutUint64(traceID[8:], s.TraceID.Low)
		var spanID [8]byte
		binary.BigEndian.PutUint64(spanID[:], uint64(s.ID))
		service := "unknown"
		if s.LocalEndpoint != nil && s.LocalEndpoint.ServiceName != "" {
			service = s.LocalEndpoint.ServiceName
		}
		_, isError := s.Tags["error"]
		t.tally.AddSpan(service, traceID[:], spanID[:], isError)
	}
}

// readBody returns the request body, decompressing it if needed.
func readBody(r *http.Request) ([]byte, error) {
	var reader io.ReadCloser = r.Body
	defer r.Body.Close()
	if r.Header.Get("Content-Encoding") == "gzip" {
		var err error
		reader, err = gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
		}
		defer reader.Close()
	}
	return io.ReadAll(reader)
}

func (t *TraceServer) handleOTLP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := ptraceotlp.NewExportRequest()
	resp := ptraceotlp.NewExportResponse()
	var out []byte
	switch r.Header.Get("Content-Type") {
	case "application/json":
		if err := req.UnmarshalJSON(body); err != nil {
			http.Error(w, "Invalid JSON data", http.StatusBadRequest)
			return
		}
		out, err = resp.MarshalJSON()
		w.Header().Set("Content-Type", "application/json")
	default:
		// protobuf is the default if content type is not specified
		if err := req.UnmarshalProto(body); err != nil {
			http.Error(w, "Invalid protobuf data", http.StatusBadRequest)
			return
		}
		out, err = resp.MarshalProto()
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	t.ProcessTraces(req.Traces())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (t *TraceServer) handleZipkin(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var spans []*model.SpanModel
	switch r.Header.Get("Content-Type") {
	case "application/x-protobuf":
		spans, err = zipkinproto.ParseSpans(body, false)
	default:
		err = json.Unmarshal(body, &spans)
	}
	if err != nil {
		http.Error(w, "Invalid span data: "+err.Error(), http.StatusBadRequest)
		return
	}
	t.ProcessZipkin(spans)
	w.WriteHeader(http.StatusAccepted)
}

func (t *TraceServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"received": t.tally.Summary(),
		"rates":    t.rate.GetRateSummary(),
	})
}

func (t *TraceServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/traces", t.handleOTLP).Methods(http.MethodPost)
	r.HandleFunc("/api/v2/spans", t.handleZipkin).Methods(http.MethodPost)
	r.HandleFunc("/stats", t.handleStats).Methods(http.MethodGet)
	return r
}

func initHTTPReceiver(ctx context.Context, opts Options, ts *TraceServer) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: ts.Router(),
	}

	// Start the server in a goroutine
	go func() {
		ts.log.Info().Int("port", opts.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ts.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Handle shutdown
	go func() {
		<-ctx.Done()
		ts.log.Info().Msg("Stopping HTTP server...")

		// Create a timeout context for shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			ts.log.Error().Err(err).Msg("Error during server shutdown")
		}
	}()

	return nil
}

func main() {
	var opts Options
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// Parse command line arguments
	parser := flags.NewParser(&opts, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("Error parsing flags")
	}

	// Create context that listens for interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ts := NewTraceServer(log, clockwork.NewRealClock(), opts.ReportInterval)
	if err := initHTTPReceiver(ctx, opts, ts); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP receiver")
	}

	// Wait for termination signal
	<-ctx.Done()

	sum := ts.tally.Summary()
	fmt.Printf("\n%d traces, %d spans (%d errors) received this session\n", sum.Traces, sum.Spans, sum.ErrorSpans)
	for _, sc := range sum.Services {
		fmt.Printf("  %-24s %d\n", sc.Service, sc.Spans)
	}
	log.Info().Msg("Shutting down gracefully...")
}
