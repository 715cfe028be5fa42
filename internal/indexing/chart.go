package indexing

import (
	"github.com/igwedaniel/indexwatch/internal/types"
)

// BuildChart derives the speed series shown in the charts from a newest-first
// window. Walking the window oldest-first, the point at position i is the
// speed measured over samples i..newest only. The most recent limit points
// are kept, oldest first.
//
// Every point rescans its suffix, quadratic in the window size. Only the last
// limit points are computed.
func BuildChart(samples []types.Sample, limit int) []types.ChartPoint {
	n := len(samples)
	if n == 0 || limit <= 0 {
		return []types.ChartPoint{}
	}

	start := 0
	if n > limit {
		start = n - limit
	}

	points := make([]types.ChartPoint, 0, n-start)
	for i := start; i < n; i++ {
		// chronological position i is newest-first index n-1-i; its suffix
		// is everything at or after it, i.e. samples[:n-i]
		suffix := samples[:n-i]
		points = append(points, types.ChartPoint{
			Timestamp:    samples[n-1-i].Timestamp,
			ERC20:        Speed(suffix, types.ERC20),
			MasterCopies: Speed(suffix, types.MasterCopies),
		})
	}
	return points
}

// Series extracts the per-pipeline speeds of a chart
func Series(points []types.ChartPoint, p types.Pipeline) []float64 {
	out := make([]float64, len(points))
	for i, point := range points {
		out[i] = point.Speed(p)
	}
	return out
}
