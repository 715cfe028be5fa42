package indexing

import (
	"github.com/igwedaniel/indexwatch/internal/ringbuf"
	"github.com/igwedaniel/indexwatch/internal/types"
)

// StallDetector keeps the last N block numbers of every pipeline and flags a
// pipeline whose history is full and holds a single repeated value.
type StallDetector struct {
	threshold int
	histories map[types.Pipeline]*ringbuf.Ring[int64]
}

func NewStallDetector(threshold int) *StallDetector {
	if threshold < 1 {
		threshold = StallThreshold
	}
	d := &StallDetector{
		threshold: threshold,
		histories: make(map[types.Pipeline]*ringbuf.Ring[int64], len(types.Pipelines)),
	}
	for _, p := range types.Pipelines {
		d.histories[p] = ringbuf.New[int64](threshold)
	}
	return d
}

// Observe records the sample and returns the stall state of every pipeline
func (d *StallDetector) Observe(s types.Sample) map[types.Pipeline]bool {
	out := make(map[types.Pipeline]bool, len(d.histories))
	for _, p := range types.Pipelines {
		d.histories[p].PushFront(s.BlockNumber(p))
		out[p] = d.Stalled(p)
	}
	return out
}

// Stalled reports whether the last threshold observations of p are identical
func (d *StallDetector) Stalled(p types.Pipeline) bool {
	history, ok := d.histories[p]
	if !ok || !history.Full() {
		return false
	}

	first := history.Get(0)
	for i := 1; i < history.Len(); i++ {
		if history.Get(i) != first {
			return false
		}
	}
	return true
}

// History returns the observations of p, newest first
func (d *StallDetector) History(p types.Pipeline) []int64 {
	if history, ok := d.histories[p]; ok {
		return history.Values()
	}
	return nil
}

func (d *StallDetector) Threshold() int {
	return d.threshold
}

func (d *StallDetector) Reset() {
	for _, history := range d.histories {
		history.Reset()
	}
}
