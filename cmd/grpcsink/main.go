package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracev1 "go.opentelemetry.io/proto/otlp/trace/v1"
	_ "google.golang.org/grpc/encoding/gzip"

	"github.com/honeycombio/topoloadgen/internal/receiver"
)

// Options defines the command line arguments
type Options struct {
	Port           int           `long:"port" description:"Port number to listen on for grpc" default:"4317"`
	ReportInterval time.Duration `long:"reportinterval" description:"how often to log span rates (0 disables)" default:"5s"`
}

const (
	// Default values for gRPC configuration
	DefaultMaxSendMsgSize        = 4 * 1024 * 1024  // 4 MB
	DefaultMaxRecvMsgSize        = 15 * 1024 * 1024 // 15 MB
	DefaultMaxConnectionIdle     = 30 * time.Minute
	DefaultMaxConnectionAge      = time.Hour
	DefaultMaxConnectionAgeGrace = 5 * time.Minute
	DefaultKeepAlive             = 2 * time.Minute
	DefaultKeepAliveTimeout      = 20 * time.Second
)

type TraceServer struct {
	tally *receiver.Tally
	log   zerolog.Logger
	collectortrace.UnimplementedTraceServiceServer
}

func NewTraceServer(log zerolog.Logger, rate *receiver.SpanRateTracker) *TraceServer {
	return &TraceServer{
		tally: receiver.NewTally(rate),
		log:   log,
	}
}

func (t *TraceServer) Export(ctx context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	for _, resource := range req.GetResourceSpans() {
		service := "unknown"
		for _, attr := range resource.GetResource().GetAttributes() {
			if attr.GetKey() == "service.name" {
				service = attr.GetValue().GetStringValue()
				break
			}
		}
		for _, scope := range resource.GetScopeSpans() {
			for _, span := range scope.GetSpans() {
				isError := span.GetStatus().GetCode() == tracev1.Status_STATUS_CODE_ERROR
				t.tally.AddSpan(service, span.GetTraceId(), span.GetSpanId(), isError)
			}
		}
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

// initGRPCReceiver initializes and starts a trace server on localhost with the specified options
func initGRPCReceiver(ctx context.Context, opts Options, traceServer *TraceServer) error {
	addr := fmt.Sprintf("localhost:%d", opts.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxSendMsgSize(DefaultMaxSendMsgSize),
		grpc.MaxRecvMsgSize(DefaultMaxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     DefaultMaxConnectionIdle,
			MaxConnectionAge:      DefaultMaxConnectionAge,
			MaxConnectionAgeGrace: DefaultMaxConnectionAgeGrace,
			Time:                  DefaultKeepAlive,
			Timeout:               DefaultKeepAliveTimeout,
		}),
	}

	srv := grpc.NewServer(serverOpts...)
	collectortrace.RegisterTraceServiceServer(srv, traceServer)

	// Start the server in a separate goroutine
	go func() {
		traceServer.log.Info().Str("addr", addr).Msg("gRPC server listening")
		if err := srv.Serve(lis); err != nil {
			traceServer.log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// Set up graceful shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		traceServer.log.Info().Msg("Stopping gRPC server...")
		srv.GracefulStop()
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

	rate := receiver.NewSpanRateTracker(clockwork.NewRealClock(), log, opts.ReportInterval)
	ts := NewTraceServer(log, rate)
	if err := initGRPCReceiver(ctx, opts, ts); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gRPC receiver")
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
