package receiver

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(n uint64, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint64(b[size-8:], n)
	return b
}

func TestTally(t *testing.T) {
	tally := NewTally(nil)
	trace1, trace2 := id(1, 16), id(2, 16)

	tally.AddSpan("frontend", trace1, id(1, 8), false)
	tally.AddSpan("backend", trace1, id(2, 8), true)
	tally.AddSpan("backend", trace1, id(2, 8), true) // retried export
	tally.AddSpan("frontend", trace2, id(1, 8), false)

	sum := tally.Summary()
	assert.Equal(t, 2, sum.Traces)
	assert.Equal(t, 3, sum.Spans)
	assert.Equal(t, 1, sum.ErrorSpans)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, []ServiceCount{
		{Service: "backend", Spans: 1},
		{Service: "frontend", Spans: 2},
	}, sum.Services)
}

func TestTally_TracksRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rate := NewSpanRateTracker(clock, zerolog.Nop(), 0)
	tally := NewTally(rate)
	for i := uint64(0); i < 10; i++ {
		tally.AddSpan("svc", id(7, 16), id(i+1, 8), false)
	}
	assert.Equal(t, 10, rate.GetRateSummary()["total_spans"])
}

func TestSpanRateTracker(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rate := NewSpanRateTracker(clock, zerolog.Nop(), 0)

	// fewer seconds than the window have passed; don't divide by zero
	rate.TrackSpans(5)
	assert.Equal(t, 5.0, rate.GetCurrentRate(10))

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		rate.TrackSpans(10)
	}
	assert.Equal(t, 10.0, rate.GetCurrentRate(1))
	assert.Equal(t, 10.0, rate.GetCurrentRate(10))
	// 105 spans over the 10 seconds that have elapsed
	assert.Equal(t, 10.5, rate.GetCurrentRate(60))

	clock.Advance(2 * time.Minute)
	rate.TrackSpans(1)
	assert.Equal(t, 1.0, rate.GetCurrentRate(1))
	assert.InDelta(t, 1.0/60, rate.GetCurrentRate(60), 1e-9)

	sum := rate.GetRateSummary()
	assert.Equal(t, 106, sum["total_spans"])
	assert.Equal(t, 130.0, sum["running_time_seconds"])
}

func TestSpanRateTracker_Reports(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var buf bytes.Buffer
	rate := NewSpanRateTracker(clock, zerolog.New(&buf), 5*time.Second)

	rate.TrackSpans(1)
	assert.Empty(t, buf.String())
	clock.Advance(5 * time.Second)
	rate.TrackSpans(1)
	require.Contains(t, buf.String(), `"message":"spans per second"`)
	assert.Contains(t, buf.String(), `"total":2`)
}
