// Package logging provides progress accounting for the per-dataset loop.
package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// ProgressTracker tracks completion of a fixed number of items and
// estimates the time remaining from a moving average of recent durations.
// It is not safe for concurrent use; the pipeline is sequential.
type ProgressTracker struct {
	total     int
	completed int
	startTime time.Time

	recentDurations []time.Duration
	maxRecent       int
}

// NewProgressTracker creates a tracker for total items.
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{
		total:           total,
		startTime:       time.Now(),
		recentDurations: make([]time.Duration, 0, 5),
		maxRecent:       5,
	}
}

// RecordCompletion records that an item finished after d.
func (pt *ProgressTracker) RecordCompletion(d time.Duration) {
	pt.completed++
	if len(pt.recentDurations) >= pt.maxRecent {
		pt.recentDurations = pt.recentDurations[1:]
	}
	pt.recentDurations = append(pt.recentDurations, d)
}

// Completed returns the number of finished items.
func (pt *ProgressTracker) Completed() int { return pt.completed }

// Total returns the number of tracked items.
func (pt *ProgressTracker) Total() int { return pt.total }

// Remaining returns how many items are left.
func (pt *ProgressTracker) Remaining() int {
	if r := pt.total - pt.completed; r > 0 {
		return r
	}
	return 0
}

// ProgressPct returns progress as a percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	if pt.total == 0 {
		return 100.0
	}
	return float64(pt.completed) * 100.0 / float64(pt.total)
}

// Elapsed returns time since the tracker was created.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// ETA estimates the remaining time. It is zero before the first completion
// and after the last.
func (pt *ProgressTracker) ETA() time.Duration {
	remaining := pt.Remaining()
	if pt.completed == 0 || remaining == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range pt.recentDurations {
		sum += d
	}
	avg := sum / time.Duration(len(pt.recentDurations))
	return avg * time.Duration(remaining)
}

// Fields adds completed, total, progress_pct and, when known, eta_ms to e.
func (pt *ProgressTracker) Fields(e *zerolog.Event) *zerolog.Event {
	e = e.Int("completed", pt.completed).
		Int("total", pt.total).
		Float64("progress_pct", pt.ProgressPct())
	if eta := pt.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
	}
	return e
}
