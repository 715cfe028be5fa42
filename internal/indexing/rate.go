package indexing

import (
	"fmt"
	"math"

	"github.com/igwedaniel/indexwatch/internal/types"
)

// ETANotAvailable is reported when no positive speed can be derived
const ETANotAvailable = "N/A"

// Speed returns the indexing speed of pipeline p in blocks per minute over a
// newest-first slice of samples.
//
// The rate is measured between the newest sample and the oldest sample that
// is not older than RateHorizon before it. When the window holds less than an
// hour of history this is simply the oldest sample held, which biases the
// estimate toward recent bursts right after a session starts. When only the
// newest sample is inside the horizon, which a retention longer than the
// horizon allows, the newest sample past the cutoff is used instead.
func Speed(samples []types.Sample, p types.Pipeline) float64 {
	if len(samples) < 2 {
		return 0
	}

	newest := samples[0]
	oldest := oldestPoint(samples)

	minutes := newest.Timestamp.Sub(oldest.Timestamp).Minutes()
	if minutes == 0 {
		return 0
	}

	speed := float64(newest.BlockNumber(p)-oldest.BlockNumber(p)) / minutes
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return 0
	}
	return speed
}

func oldestPoint(samples []types.Sample) types.Sample {
	boundary := samples[0].Timestamp.Add(-RateHorizon)
	for i := len(samples) - 1; i > 0; i-- {
		if !samples[i].Timestamp.Before(boundary) {
			return samples[i]
		}
	}
	return samples[1]
}

// FormatETA renders the time needed to index blocksLeft at speed blocks/minute
func FormatETA(blocksLeft int64, speed float64) string {
	if speed <= 0 || math.IsNaN(speed) {
		return ETANotAvailable
	}

	minutes := float64(blocksLeft) / speed
	switch {
	case minutes < 60:
		return fmt.Sprintf("%d minutes", roundHalfUp(minutes))
	case minutes < 1440:
		return fmt.Sprintf("%d hours", roundHalfUp(minutes/60))
	default:
		return fmt.Sprintf("%d days", roundHalfUp(minutes/1440))
	}
}

func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

// Derive computes the metrics of pipeline p from a newest-first window.
// An empty window yields zero metrics with an unavailable ETA.
func Derive(samples []types.Sample, p types.Pipeline) types.DerivedMetrics {
	if len(samples) == 0 {
		return types.DerivedMetrics{ETA: ETANotAvailable}
	}

	newest := samples[0]
	indexed := newest.BlockNumber(p)
	blocksLeft := newest.CurrentBlockNumber - indexed
	speed := Speed(samples, p)

	var progress float64
	if newest.CurrentBlockNumber > 0 {
		progress = float64(indexed) / float64(newest.CurrentBlockNumber) * 100
	}

	return types.DerivedMetrics{
		BlocksLeft:    blocksLeft,
		Speed:         speed,
		IndexedBlocks: indexed,
		ETA:           FormatETA(blocksLeft, speed),
		Synced:        newest.Synced(p),
		Progress:      progress,
	}
}

// BuildSnapshot assembles the published summary. It reports false while the
// window holds fewer than two samples since no rate can be measured yet.
func BuildSnapshot(samples []types.Sample) (types.Snapshot, bool) {
	if len(samples) < 2 {
		return types.Snapshot{}, false
	}

	return types.Snapshot{
		ERC20:        Derive(samples, types.ERC20),
		MasterCopies: Derive(samples, types.MasterCopies),
		LatestBlock:  samples[0].CurrentBlockNumber,
	}, true
}
