package telemetry

import (
	"sync"
	"time"
)

// RateWindow counts events over rolling windows using a bounded ring of
// timestamps. The snapshot publisher reads it for the 1s/60s/5m rates.
type RateWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	index      int
	capacity   int
}

// NewRateWindow creates a window that retains up to capacity events.
func NewRateWindow(capacity int) *RateWindow {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RateWindow{
		timestamps: make([]time.Time, 0, capacity),
		capacity:   capacity,
	}
}

// Record adds an event at the current time.
func (w *RateWindow) Record() {
	w.RecordAt(time.Now())
}

// RecordAt adds an event at the given time.
func (w *RateWindow) RecordAt(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.timestamps) < w.capacity {
		w.timestamps = append(w.timestamps, t)
	} else {
		w.timestamps[w.index] = t
		w.index = (w.index + 1) % w.capacity
	}
}

// CountSince returns the number of events within the duration.
func (w *RateWindow) CountSince(d time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-d)
	count := 0
	for _, t := range w.timestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// Rate returns events per second over the duration.
func (w *RateWindow) Rate(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(w.CountSince(d)) / d.Seconds()
}
