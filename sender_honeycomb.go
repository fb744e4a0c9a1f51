package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/honeycombio/libhoney-go"
	"github.com/honeycombio/libhoney-go/transmission"
)

// make sure it implements Sink
var _ Sink = (*SinkHoneycomb)(nil)

// SinkHoneycomb sends each span as a libhoney event. With a dataset set,
// every span goes there and carries service_name; otherwise each service
// gets its own dataset.
type SinkHoneycomb struct {
	client  *libhoney.Client
	dataset string
	log     Logger
	wg      sync.WaitGroup
	stop    chan struct{}
}

func NewSinkHoneycomb(log Logger, opts *Options) (*SinkHoneycomb, error) {
	tx := &transmission.Honeycomb{
		MaxBatchSize:         libhoney.DefaultMaxBatchSize,
		BatchTimeout:         libhoney.DefaultBatchTimeout,
		MaxConcurrentBatches: libhoney.DefaultMaxConcurrentBatches,
		PendingWorkCapacity:  libhoney.DefaultPendingWorkCapacity,
		BlockOnSend:          true,
		UserAgentAddition:    ResourceLibrary + "/" + ResourceVersion,
	}
	if opts.Output.FlushInterval > 0 {
		tx.BatchTimeout = opts.Output.FlushInterval
	}
	if opts.Output.MaxExportBatchSize > 0 {
		tx.MaxBatchSize = uint(opts.Output.MaxExportBatchSize)
	}
	if opts.Output.MaxQueueSize > 0 {
		tx.PendingWorkCapacity = uint(opts.Output.MaxQueueSize)
	}
	return newSinkHoneycomb(log, libhoney.ClientConfig{
		APIKey:       opts.Telemetry.APIKey,
		Dataset:      opts.Telemetry.Dataset,
		APIHost:      opts.apihost.String(),
		Transmission: tx,
	})
}

func newSinkHoneycomb(log Logger, cfg libhoney.ClientConfig) (*SinkHoneycomb, error) {
	client, err := libhoney.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
		log.Error("unable to determine hostname: %s, using 'unknown'", err)
	}
	client.AddField("host_name", host)

	h := &SinkHoneycomb{
		client:  client,
		dataset: cfg.Dataset,
		log:     log,
		stop:    make(chan struct{}),
	}
	// one goroutine to log errors when they occur
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		responses := client.TxResponses()
		for {
			select {
			case resp := <-responses:
				if resp.Err != nil {
					h.log.Error("error sending event -- err: %s  resp: %s", resp.Err, resp.Body)
				}
			case <-h.stop:
				return
			}
		}
	}()
	return h, nil
}

func (h *SinkHoneycomb) Name() string {
	return "honeycomb"
}

// Emit builds an event per span and sends them only if every one of them is
// sendable, so a bad span doesn't leave half a trace in Honeycomb.
func (h *SinkHoneycomb) Emit(ctx context.Context, tr *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	events := make([]*libhoney.Event, 0, len(tr.Spans))
	for _, s := range tr.Spans {
		event := h.client.NewEvent()
		event.Timestamp = s.StartTime
		if h.dataset != "" {
			event.AddField("service_name", s.ServiceName)
		} else {
			event.Dataset = s.ServiceName
		}
		event.AddField("name", s.Operation)
		event.AddField("trace.trace_id", s.TraceID.String())
		event.AddField("trace.span_id", s.SpanID.String())
		if !s.IsRootSpan() {
			event.AddField("trace.parent_id", s.ParentID.String())
		}
		event.AddField("duration_ms", float64(s.Duration.Microseconds())/1000.0)
		for k, v := range s.Tags {
			event.AddField(k, v)
		}
		if err := checkEvent(event); err != nil {
			return fmt.Errorf("span %s: %w", s.SpanID, err)
		}
		events = append(events, event)
	}
	for _, event := range events {
		if err := event.Send(); err != nil {
			return err
		}
	}
	return nil
}

// checkEvent rejects the events libhoney would refuse to send.
func checkEvent(ev *libhoney.Event) error {
	switch {
	case ev.Dataset == "":
		return errors.New("event has no dataset")
	case ev.APIHost == "":
		return errors.New("event has no API host")
	case ev.WriteKey == "":
		return errors.New("event has no API key")
	case len(ev.Fields()) == 0:
		return errors.New("event has no fields")
	}
	return nil
}

func (h *SinkHoneycomb) Close() error {
	h.client.Close()
	close(h.stop)
	h.wg.Wait()
	return nil
}
