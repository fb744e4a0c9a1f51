package main

import (
	"context"
	"sync/atomic"
)

// make sure it implements Sink
var _ Sink = (*SinkPrint)(nil)

// SinkPrint writes one line per span to the logger's output stream.
type SinkPrint struct {
	tracecount atomic.Int64
	nspans     atomic.Int64
	log        Logger
}

func NewSinkPrint(log Logger) *SinkPrint {
	return &SinkPrint{
		log: log,
	}
}

func (t *SinkPrint) Name() string {
	return "print"
}

func (t *SinkPrint) Emit(ctx context.Context, tr *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.tracecount.Add(1)
	for _, s := range tr.Spans {
		t.nspans.Add(1)
		parent := ""
		if !s.IsRootSpan() {
			parent = s.ParentID.String()
		}
		t.log.Printf("%s - T:%6.6s S:%4.4s P%4.4s start:%v end:%v %v %v\n",
			s.ServiceName+"/"+s.Operation, tr.TraceID.String(), s.SpanID.String(), parent,
			ft(s.StartTime), ft(s.EndTime()), s.Status, s.Tags)
	}
	return nil
}

func (t *SinkPrint) Close() error {
	t.log.Warn("print sink sent %d traces with %d spans\n", t.tracecount.Load(), t.nspans.Load())
	return nil
}
