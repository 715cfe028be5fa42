package indexing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igwedaniel/indexwatch/internal/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(offset time.Duration, current, erc20, masterCopies int64) types.Sample {
	return types.Sample{
		CurrentBlockNumber:      current,
		ERC20BlockNumber:        erc20,
		MasterCopiesBlockNumber: masterCopies,
		Timestamp:               t0.Add(offset),
	}
}

// newestFirst builds a window from chronologically ordered samples
func newestFirst(samples ...types.Sample) []types.Sample {
	w := NewWindow()
	for _, s := range samples {
		w.Append(s, s.Timestamp)
	}
	return w.Samples()
}

func TestWindow_AppendKeepsNewestFirst(t *testing.T) {
	w := NewWindow()
	w.Append(sampleAt(0, 1000, 100, 50), t0)
	w.Append(sampleAt(10*time.Second, 1000, 110, 55), t0.Add(10*time.Second))

	samples := w.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, int64(110), samples[0].ERC20BlockNumber)
	assert.Equal(t, int64(100), samples[1].ERC20BlockNumber)

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, samples[0], latest)
}

func TestWindow_EvictsOlderThanOneHour(t *testing.T) {
	w := NewWindow()
	w.Append(sampleAt(0, 1000, 100, 50), t0)
	w.Append(sampleAt(30*time.Minute, 1000, 150, 60), t0.Add(30*time.Minute))

	// exactly one hour old is still retained
	w.Append(sampleAt(time.Hour, 1000, 200, 70), t0.Add(time.Hour))
	assert.Equal(t, 3, w.Len())

	now := t0.Add(time.Hour + time.Millisecond)
	w.Append(sampleAt(time.Hour+time.Millisecond, 1000, 201, 71), now)
	assert.Equal(t, 3, w.Len())
	for _, s := range w.Samples() {
		assert.LessOrEqual(t, now.Sub(s.Timestamp), RetentionWindow)
	}
}

func TestWindow_AllAgedOutLeavesCurrent(t *testing.T) {
	w := NewWindow()
	w.Append(sampleAt(0, 1000, 100, 50), t0)
	w.Append(sampleAt(time.Second, 1000, 101, 50), t0.Add(time.Second))

	now := t0.Add(3 * time.Hour)
	w.Append(sampleAt(3*time.Hour, 1000, 500, 90), now)
	require.Equal(t, 1, w.Len())

	samples := w.Samples()
	assert.Equal(t, 0.0, Speed(samples, types.ERC20))
	_, ok := BuildSnapshot(samples)
	assert.False(t, ok)
}

func TestWindow_ResetAndCopy(t *testing.T) {
	w := NewWindow()
	w.Append(sampleAt(0, 1000, 100, 50), t0)
	samples := w.Samples()
	samples[0].ERC20BlockNumber = 999

	latest, _ := w.Latest()
	assert.Equal(t, int64(100), latest.ERC20BlockNumber)

	w.Reset()
	assert.Equal(t, 0, w.Len())
	_, ok := w.Latest()
	assert.False(t, ok)
}

func TestSpeed_InsufficientData(t *testing.T) {
	for _, samples := range [][]types.Sample{nil, newestFirst(sampleAt(0, 1000, 100, 50))} {
		for _, p := range types.Pipelines {
			m := Derive(samples, p)
			assert.Equal(t, 0.0, m.Speed)
			assert.Equal(t, ETANotAvailable, m.ETA)
		}
	}
}

func TestSpeed_ZeroTimeDelta(t *testing.T) {
	samples := newestFirst(sampleAt(0, 1000, 100, 50), sampleAt(0, 1000, 120, 60))

	speed := Speed(samples, types.ERC20)
	assert.False(t, math.IsNaN(speed))
	assert.Equal(t, 0.0, speed)
	assert.Equal(t, ETANotAvailable, Derive(samples, types.ERC20).ETA)
}

func TestSpeed_EndToEnd(t *testing.T) {
	samples := newestFirst(
		sampleAt(0, 1000, 100, 40),
		sampleAt(60*time.Second, 1000, 160, 40),
	)

	m := Derive(samples, types.ERC20)
	assert.InDelta(t, 60.0, m.Speed, 1e-9)
	assert.Equal(t, int64(840), m.BlocksLeft)
	assert.Equal(t, int64(160), m.IndexedBlocks)
	assert.Equal(t, "14 minutes", m.ETA)
	assert.InDelta(t, 16.0, m.Progress, 1e-9)

	// the other pipeline made no progress
	mc := Derive(samples, types.MasterCopies)
	assert.Equal(t, 0.0, mc.Speed)
	assert.Equal(t, ETANotAvailable, mc.ETA)
}

func TestSpeed_UsesOldestSampleWithinTheHour(t *testing.T) {
	samples := []types.Sample{
		sampleAt(90*time.Minute, 5000, 400, 0),
		sampleAt(60*time.Minute, 5000, 300, 0),
		sampleAt(30*time.Minute, 5000, 200, 0),
		sampleAt(0, 5000, 0, 0), // older than newest - 1h, ignored
	}

	// (400 - 200) blocks over 60 minutes
	assert.InDelta(t, 200.0/60.0, Speed(samples, types.ERC20), 1e-9)
}

func TestSpeed_LongRetentionStaysWithinTheHorizon(t *testing.T) {
	w := NewWindowWithRetention(3 * time.Hour)
	for _, s := range []types.Sample{
		sampleAt(0, 5000, 0, 0),
		sampleAt(60*time.Minute, 5000, 1000, 0),
		sampleAt(130*time.Minute, 5000, 1070, 0),
	} {
		w.Append(s, s.Timestamp)
	}
	require.Equal(t, 3, w.Len())

	// only the newest is inside the hour: measure from the newest sample past
	// the cutoff, (1070 - 1000) blocks over 70 minutes
	assert.InDelta(t, 1.0, Speed(w.Samples(), types.ERC20), 1e-9)

	w.Append(sampleAt(140*time.Minute, 5000, 1090, 0), t0.Add(140*time.Minute))
	// the 130m sample is now the oldest inside the hour
	assert.InDelta(t, 2.0, Speed(w.Samples(), types.ERC20), 1e-9)
}

func TestSpeed_Idempotent(t *testing.T) {
	samples := newestFirst(
		sampleAt(0, 2000, 100, 10),
		sampleAt(10*time.Second, 2000, 130, 12),
		sampleAt(20*time.Second, 2000, 170, 15),
	)

	first, ok := BuildSnapshot(samples)
	require.True(t, ok)
	second, ok := BuildSnapshot(samples)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2000), first.LatestBlock)
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		name       string
		blocksLeft int64
		speed      float64
		want       string
	}{
		{"zero speed", 100, 0, "N/A"},
		{"negative speed", 100, -3, "N/A"},
		{"minutes", 100, 2, "50 minutes"},
		{"hour boundary", 120, 2, "1 hours"},
		{"hours", 600, 2, "5 hours"},
		{"day boundary", 2880, 2, "1 days"},
		{"days rounded", 7200, 2, "3 days"},
		{"rounds half up", 5, 2, "3 minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatETA(tt.blocksLeft, tt.speed))
		})
	}
}

func TestStallDetector(t *testing.T) {
	d := NewStallDetector(StallThreshold)

	s := sampleAt(0, 1000, 500, 70)
	var stalled map[types.Pipeline]bool
	for i := 0; i < StallThreshold-1; i++ {
		stalled = d.Observe(s)
		assert.False(t, stalled[types.ERC20], "history not full after %d observations", i+1)
	}

	stalled = d.Observe(s)
	assert.True(t, stalled[types.ERC20])
	assert.True(t, stalled[types.MasterCopies])
	assert.Len(t, d.History(types.ERC20), StallThreshold)
}

func TestStallDetector_AnyChangeClearsStall(t *testing.T) {
	for changed := 0; changed < StallThreshold; changed++ {
		d := NewStallDetector(StallThreshold)
		for i := 0; i < StallThreshold; i++ {
			erc20 := int64(500)
			if i == changed {
				erc20 = 501
			}
			d.Observe(sampleAt(time.Duration(i)*10*time.Second, 1000, erc20, 70))
		}
		assert.False(t, d.Stalled(types.ERC20), "value changed at position %d", changed)
		assert.True(t, d.Stalled(types.MasterCopies))
	}
}

func TestStallDetector_Reset(t *testing.T) {
	d := NewStallDetector(3)
	for i := 0; i < 3; i++ {
		d.Observe(sampleAt(0, 1000, 1, 1))
	}
	require.True(t, d.Stalled(types.ERC20))

	d.Reset()
	assert.False(t, d.Stalled(types.ERC20))
	assert.Empty(t, d.History(types.ERC20))
}

func TestBuildChart(t *testing.T) {
	samples := newestFirst(
		sampleAt(0, 1000, 100, 10),
		sampleAt(60*time.Second, 1000, 160, 10),
		sampleAt(120*time.Second, 1000, 200, 30),
	)

	points := BuildChart(samples, ChartPoints)
	require.Len(t, points, 3)

	// oldest point covers the whole window
	assert.Equal(t, t0, points[0].Timestamp)
	assert.InDelta(t, 50.0, points[0].ERC20, 1e-9)
	assert.InDelta(t, 10.0, points[0].MasterCopies, 1e-9)

	assert.InDelta(t, 40.0, points[1].ERC20, 1e-9)
	assert.InDelta(t, 20.0, points[1].MasterCopies, 1e-9)

	// a single-sample suffix has no rate
	assert.Equal(t, 0.0, points[2].ERC20)
	assert.Equal(t, []float64{50, 40, 0}, Series(points, types.ERC20))
}

func TestBuildChart_KeepsMostRecentPoints(t *testing.T) {
	var chronological []types.Sample
	for i := 0; i < 45; i++ {
		chronological = append(chronological, sampleAt(time.Duration(i)*10*time.Second, 10000, int64(i*10), 0))
	}
	samples := newestFirst(chronological...)

	points := BuildChart(samples, ChartPoints)
	require.Len(t, points, ChartPoints)
	assert.Equal(t, chronological[15].Timestamp, points[0].Timestamp)
	assert.Equal(t, chronological[44].Timestamp, points[ChartPoints-1].Timestamp)
	assert.InDelta(t, 60.0, points[0].ERC20, 1e-9)
}

func TestBuildChart_Empty(t *testing.T) {
	assert.Empty(t, BuildChart(nil, ChartPoints))
}
