package indexing

import (
	"time"

	"github.com/igwedaniel/indexwatch/internal/types"
)

const (
	// RetentionWindow bounds how long a sample stays in the window
	RetentionWindow = time.Hour
	// RateHorizon is how far back from the newest sample Speed looks
	RateHorizon = time.Hour
	// StallThreshold is the number of identical observations that flag a stall
	StallThreshold = 10
	// ChartPoints is the number of speed points kept for display
	ChartPoints = 30
)

// Window is the rolling one-hour sequence of samples, newest first.
// It is not safe for concurrent use; the owning session serializes access.
type Window struct {
	retention time.Duration
	samples   []types.Sample
}

func NewWindow() *Window {
	return NewWindowWithRetention(RetentionWindow)
}

func NewWindowWithRetention(retention time.Duration) *Window {
	return &Window{
		retention: retention,
		samples:   make([]types.Sample, 0, 64),
	}
}

// Append inserts s at the front and evicts every sample older than the
// retention relative to now.
func (w *Window) Append(s types.Sample, now time.Time) {
	next := make([]types.Sample, 0, len(w.samples)+1)
	next = append(next, s)
	for _, existing := range w.samples {
		if now.Sub(existing.Timestamp) > w.retention {
			continue
		}
		next = append(next, existing)
	}
	w.samples = next
}

// Samples returns a copy of the window, newest first
func (w *Window) Samples() []types.Sample {
	out := make([]types.Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest returns the newest sample, if any
func (w *Window) Latest() (types.Sample, bool) {
	if len(w.samples) == 0 {
		return types.Sample{}, false
	}
	return w.samples[0], true
}

func (w *Window) Len() int {
	return len(w.samples)
}

func (w *Window) Reset() {
	w.samples = w.samples[:0]
}
