package main

import (
	"sync"
	"sync/atomic"
)

// TraceCounter is a trace budget shared by every route scheduler. Next hands
// out increasing counts until maxcount have been issued; after that it
// returns false and Done is closed. A maxcount of 0 never runs out.
type TraceCounter struct {
	maxcount int64
	count    atomic.Int64
	done     chan struct{}
	once     sync.Once
	log      Logger
}

func NewTraceCounter(log Logger, maxcount int64) *TraceCounter {
	return &TraceCounter{
		maxcount: maxcount,
		done:     make(chan struct{}),
		log:      log,
	}
}

func (c *TraceCounter) Next() (int64, bool) {
	n := c.count.Add(1)
	if c.maxcount > 0 && n > c.maxcount {
		c.count.Add(-1)
		c.exhausted()
		return 0, false
	}
	if c.maxcount > 0 && n == c.maxcount {
		defer c.exhausted()
	}
	return n, true
}

func (c *TraceCounter) exhausted() {
	c.once.Do(func() {
		c.log.Info("trace counter exhausted after %d traces\n", c.maxcount)
		close(c.done)
	})
}

// Done is closed once the budget is used up.
func (c *TraceCounter) Done() <-chan struct{} {
	return c.done
}

func (c *TraceCounter) Count() int64 {
	return c.count.Load()
}
