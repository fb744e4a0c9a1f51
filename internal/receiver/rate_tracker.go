package receiver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SpanRateTracker tracks spans received per second
type SpanRateTracker struct {
	mu             sync.RWMutex
	clock          clockwork.Clock
	log            zerolog.Logger
	spanCounts     map[int64]int // Map of timestamp (seconds) to span count
	startTime      time.Time     // When tracking started
	totalSpans     int           // Total spans counted by the tracker
	lastReportTime time.Time     // Last time stats were reported
	reportInterval time.Duration // How often to report stats
}

// NewSpanRateTracker creates a new rate tracker; a reportInterval of 0
// never logs.
func NewSpanRateTracker(clock clockwork.Clock, log zerolog.Logger, reportInterval time.Duration) *SpanRateTracker {
	now := clock.Now()
	return &SpanRateTracker{
		clock:          clock,
		log:            log,
		spanCounts:     make(map[int64]int),
		startTime:      now,
		lastReportTime: now,
		reportInterval: reportInterval,
	}
}

// TrackSpans adds span count to the current second
func (t *SpanRateTracker) TrackSpans(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Use Unix timestamp as the key (second precision)
	now := t.clock.Now()
	key := now.Unix()

	t.spanCounts[key] += count
	t.totalSpans += count

	// anything older than the widest window is never read again
	for ts := range t.spanCounts {
		if ts < key-60 {
			delete(t.spanCounts, ts)
		}
	}

	if t.reportInterval > 0 && now.Sub(t.lastReportTime) >= t.reportInterval {
		t.reportStats(now)
		t.lastReportTime = now
	}
}

// GetCurrentRate returns the average spans/second over the last n seconds
func (t *SpanRateTracker) GetCurrentRate(seconds int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentRate(t.clock.Now(), seconds)
}

func (t *SpanRateTracker) currentRate(now time.Time, seconds int) float64 {
	cutoff := now.Add(-time.Duration(seconds) * time.Second).Unix()

	var total int
	for ts, count := range t.spanCounts {
		if ts > cutoff {
			total += count
		}
	}

	// If we have less than n seconds of data, use what we have
	actualSeconds := int64(seconds)
	elapsedSeconds := now.Unix() - t.startTime.Unix()
	if elapsedSeconds < int64(seconds) {
		actualSeconds = elapsedSeconds
		if actualSeconds == 0 {
			actualSeconds = 1 // Avoid division by zero
		}
	}

	return float64(total) / float64(actualSeconds)
}

// reportStats logs the current rate statistics
func (t *SpanRateTracker) reportStats(now time.Time) {
	t.log.Info().
		Float64("rate_1s", t.currentRate(now, 1)).
		Float64("rate_10s", t.currentRate(now, 10)).
		Float64("rate_60s", t.currentRate(now, 60)).
		Int("total", t.totalSpans).
		Msg("spans per second")
}

// GetRateSummary returns a summary of the rate statistics
func (t *SpanRateTracker) GetRateSummary() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Calculate rates for different time windows
	now := t.clock.Now()
	runningTime := now.Sub(t.startTime).Seconds()
	average := 0.0
	if runningTime > 0 {
		average = float64(t.totalSpans) / runningTime
	}

	return map[string]interface{}{
		"spans_per_second_1s":  t.currentRate(now, 1),
		"spans_per_second_10s": t.currentRate(now, 10),
		"spans_per_second_60s": t.currentRate(now, 60),
		"total_spans":          t.totalSpans,
		"running_time_seconds": runningTime,
		"average_rate":         average,
	}
}
