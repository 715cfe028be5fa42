package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/igwedaniel/indexwatch/internal/types"
)

const (
	Namespace = "indexwatch"

	StatusSuccess = "success"
	StatusError   = "error"

	pipelineSubsystem = "pipeline"
	publishSubsystem  = "publish"
)

// Metrics exposes the monitor state to Prometheus. All methods are safe on a
// nil receiver so components can run without a registry.
type Metrics struct {
	polls        *prometheus.CounterVec
	pollFailures *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	speed      *prometheus.GaugeVec
	blocksLeft *prometheus.GaugeVec
	indexed    *prometheus.GaugeVec
	progress   *prometheus.GaugeVec
	stalled    *prometheus.GaugeVec

	latestBlock  prometheus.Gauge
	windowSize   prometheus.Gauge
	referenceLag prometheus.Gauge

	published     *prometheus.CounterVec
	dropped       prometheus.Counter
	streamClients prometheus.Gauge
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "polls_total",
			Help:      "Total polls by poller and status",
		}, []string{"poller", "status"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "poll_failures_total",
			Help:      "Total failed polls by poller",
		}, []string{"poller"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of a single poll request",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"poller"}),
		speed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "speed_blocks_per_minute",
			Help:      "Indexing speed over the rolling window",
		}, []string{"pipeline"}),
		blocksLeft: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "blocks_left",
			Help:      "Blocks between the chain head and the indexed block",
		}, []string{"pipeline"}),
		indexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "indexed_block",
			Help:      "Last block indexed by the pipeline",
		}, []string{"pipeline"}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "progress_percent",
			Help:      "Indexed block as a percentage of the chain head",
		}, []string{"pipeline"}),
		stalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stalled",
			Help:      "1 when the last observations of the pipeline were identical",
		}, []string{"pipeline"}),
		latestBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "latest_block",
			Help:      "Chain head reported by the monitored service",
		}),
		windowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "window_samples",
			Help:      "Samples currently held in the rolling window",
		}),
		referenceLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "reference_head_lag_blocks",
			Help:      "Reference node head minus the head reported by the service",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: publishSubsystem,
			Name:      "snapshots_total",
			Help:      "Snapshots handed to sinks by sink and status",
		}, []string{"sink", "status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: publishSubsystem,
			Name:      "dropped_total",
			Help:      "Snapshots replaced in the publish queue before delivery",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "stream_clients",
			Help:      "Connected websocket subscribers",
		}),
	}

	err := errors.Join(
		reg.Register(m.polls),
		reg.Register(m.pollFailures),
		reg.Register(m.pollDuration),
		reg.Register(m.speed),
		reg.Register(m.blocksLeft),
		reg.Register(m.indexed),
		reg.Register(m.progress),
		reg.Register(m.stalled),
		reg.Register(m.latestBlock),
		reg.Register(m.windowSize),
		reg.Register(m.referenceLag),
		reg.Register(m.published),
		reg.Register(m.dropped),
		reg.Register(m.streamClients),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPoll records the outcome of one poll
func (m *Metrics) RecordPoll(poller string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.pollFailures.WithLabelValues(poller).Inc()
	}
	m.polls.WithLabelValues(poller, status).Inc()
	m.pollDuration.WithLabelValues(poller).Observe(durationSeconds)
}

// UpdateSnapshot mirrors a published snapshot into the pipeline gauges
func (m *Metrics) UpdateSnapshot(event *types.SnapshotEvent) {
	if m == nil || event == nil {
		return
	}
	for _, p := range types.Pipelines {
		d := event.Snapshot.Pipeline(p)
		label := string(p)
		m.speed.WithLabelValues(label).Set(d.Speed)
		m.blocksLeft.WithLabelValues(label).Set(float64(d.BlocksLeft))
		m.indexed.WithLabelValues(label).Set(float64(d.IndexedBlocks))
		m.progress.WithLabelValues(label).Set(d.Progress)

		var stalled float64
		if event.Stalled[p] {
			stalled = 1
		}
		m.stalled.WithLabelValues(label).Set(stalled)
	}
	m.latestBlock.Set(float64(event.Snapshot.LatestBlock))
	m.windowSize.Set(float64(event.WindowSize))
}

// SetWindowSize tracks the window length, including before the first snapshot
func (m *Metrics) SetWindowSize(n int) {
	if m == nil {
		return
	}
	m.windowSize.Set(float64(n))
}

func (m *Metrics) SetReferenceLag(lag int64) {
	if m == nil {
		return
	}
	m.referenceLag.Set(float64(lag))
}

// RecordPublish records a snapshot delivery to one sink
func (m *Metrics) RecordPublish(sink string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.published.WithLabelValues(sink, status).Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.streamClients.Set(float64(n))
}

// Reset clears per-session gauges when the monitored endpoint changes
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.speed.Reset()
	m.blocksLeft.Reset()
	m.indexed.Reset()
	m.progress.Reset()
	m.stalled.Reset()
	m.latestBlock.Set(0)
	m.windowSize.Set(0)
	m.referenceLag.Set(0)
}
