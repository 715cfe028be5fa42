package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/igwedaniel/indexwatch/internal/chain"
	"github.com/igwedaniel/indexwatch/internal/client"
	"github.com/igwedaniel/indexwatch/internal/indexing"
	"github.com/igwedaniel/indexwatch/internal/messaging"
	"github.com/igwedaniel/indexwatch/internal/metrics"
	"github.com/igwedaniel/indexwatch/internal/poller"
	"github.com/igwedaniel/indexwatch/internal/types"
)

const (
	pollerIndexing  = "indexing"
	pollerRPC       = "ethereum_rpc"
	pollerTracing   = "tracing_rpc"
	pollerReference = "reference_head"

	deliveryTimeout = 5 * time.Second
)

// StatusFetcher is the subset of the service client a session polls
type StatusFetcher interface {
	Endpoint() string
	Host() string
	FetchIndexing(ctx context.Context) (types.Sample, error)
	FetchAbout(ctx context.Context) (*types.About, error)
	FetchEthereumRPC(ctx context.Context) (types.RPCStatus, error)
	FetchTracingRPC(ctx context.Context) (types.RPCStatus, error)
}

var _ StatusFetcher = (*client.Client)(nil)

// SessionConfig contains the tunables of a monitoring session
type SessionConfig struct {
	PollInterval      time.Duration `json:"poll_interval"`
	ReferenceInterval time.Duration `json:"reference_interval"`
	RetentionWindow   time.Duration `json:"retention_window"`
	StallThreshold    int           `json:"stall_threshold"`
	ChartPoints       int           `json:"chart_points"`
	PublishBuffer     int           `json:"publish_buffer"`
	HealthInterval    time.Duration `json:"health_interval"`
}

// Dependencies are the collaborators shared by every session
type Dependencies struct {
	Publisher messaging.Publisher
	Sinks     []Sink
	Reference chain.HeadReader
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// outbound is one unit of work for the publish goroutine
type outbound struct {
	snapshot *types.SnapshotEvent
	stalls   []types.StallEvent
}

// Session monitors one endpoint. The window and stall histories are only
// touched from the indexing poller goroutine; readers get copies via State.
//
// Every successful indexing poll that yields a snapshot is published once,
// except under sustained backpressure: when the publish queue stays full for
// longer than the enqueue wait the oldest pending item is dropped and counted.
type Session struct {
	fetcher   StatusFetcher
	publisher messaging.Publisher
	sinks     []Sink
	reference chain.HeadReader
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	config    SessionConfig
	now       func() time.Time

	window      *indexing.Window
	stalls      *indexing.StallDetector
	lastStalled map[types.Pipeline]bool

	indexingPoller  *poller.Poller[types.Sample]
	rpcPoller       *poller.Poller[types.RPCStatus]
	tracingPoller   *poller.Poller[types.RPCStatus]
	referencePoller *poller.Poller[uint64]

	queue       chan outbound
	enqueueWait time.Duration
	stopping    chan struct{}

	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	state     State
	startTime time.Time

	published  atomic.Uint64
	dropped    atomic.Uint64
	errorCount atomic.Uint64
}

func NewSession(fetcher StatusFetcher, cfg SessionConfig, deps Dependencies) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = poller.DefaultInterval
	}
	if cfg.ReferenceInterval <= 0 {
		cfg.ReferenceInterval = cfg.PollInterval
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = indexing.RetentionWindow
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = indexing.StallThreshold
	}
	if cfg.ChartPoints <= 0 {
		cfg.ChartPoints = indexing.ChartPoints
	}
	if cfg.PublishBuffer <= 0 {
		cfg.PublishBuffer = 1
	}
	if deps.Publisher == nil {
		deps.Publisher = &messaging.NoOpPublisher{}
	}

	s := &Session{
		fetcher:     fetcher,
		publisher:   deps.Publisher,
		sinks:       deps.Sinks,
		reference:   deps.Reference,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		config:      cfg,
		now:         time.Now,
		window:      indexing.NewWindowWithRetention(cfg.RetentionWindow),
		stalls:      indexing.NewStallDetector(cfg.StallThreshold),
		lastStalled: make(map[types.Pipeline]bool, len(types.Pipelines)),
		queue:       make(chan outbound, cfg.PublishBuffer),
		enqueueWait: deliveryTimeout,
		stopping:    make(chan struct{}),
		state: State{
			Endpoint: fetcher.Endpoint(),
			Network:  types.NetworkFromHost(fetcher.Host()),
		},
	}

	fields := logrus.Fields{"endpoint": fetcher.Endpoint()}

	s.indexingPoller = poller.New(
		poller.Config{Name: pollerIndexing, Interval: cfg.PollInterval, Fields: fields},
		timed(s, pollerIndexing, fetcher.FetchIndexing),
		poller.Handler[types.Sample]{OnResult: s.handleSample, OnError: s.handleError},
		s.logger,
	)
	s.rpcPoller = poller.New(
		poller.Config{Name: pollerRPC, Interval: cfg.PollInterval, Fields: fields},
		timed(s, pollerRPC, fetcher.FetchEthereumRPC),
		poller.Handler[types.RPCStatus]{OnResult: s.handleRPC, OnError: s.handleError},
		s.logger,
	)
	if s.reference != nil {
		s.referencePoller = poller.New(
			poller.Config{Name: pollerReference, Interval: cfg.ReferenceInterval, Fields: fields},
			timed(s, pollerReference, s.reference.BlockNumber),
			poller.Handler[uint64]{OnResult: s.handleReferenceHead, OnError: s.handleError},
			s.logger,
		)
	}

	return s
}

// WithClock replaces the clock used for window eviction and timestamps
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	s.indexingPoller.WithClock(now)
	s.rpcPoller.WithClock(now)
	if s.referencePoller != nil {
		s.referencePoller.WithClock(now)
	}
	return s
}

func (s *Session) Endpoint() string {
	return s.fetcher.Endpoint()
}

// Start begins polling. The first indexing poll happens immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("session for %s is already running", s.fetcher.Endpoint())
	}
	s.isRunning = true
	s.startTime = s.now()
	s.stopping = make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Infof("Starting indexing monitor for %s", s.fetcher.Endpoint())

	s.wg.Add(1)
	go s.publishLoop(ctx)

	s.wg.Add(1)
	go s.loadAbout(ctx)

	if s.config.HealthInterval > 0 {
		s.wg.Add(1)
		go s.healthMonitorLoop(ctx)
	}

	for _, start := range s.pollerStarters() {
		if err := start(ctx); err != nil {
			s.Stop()
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	return nil
}

func (s *Session) pollerStarters() []func(context.Context) error {
	starters := []func(context.Context) error{
		s.indexingPoller.Start,
		s.rpcPoller.Start,
	}
	if s.referencePoller != nil {
		starters = append(starters, s.referencePoller.Start)
	}
	return starters
}

// Stop cancels every poller, discards the window and stall histories, and
// waits for all goroutines of the session to exit
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	tracing := s.tracingPoller
	close(s.stopping)
	s.mu.Unlock()

	s.logger.Infof("Stopping indexing monitor for %s", s.fetcher.Endpoint())

	s.indexingPoller.Stop()
	s.rpcPoller.Stop()
	if tracing != nil {
		tracing.Stop()
	}
	if s.referencePoller != nil {
		s.referencePoller.Stop()
	}

	s.cancel()
	s.wg.Wait()

	// pollers are stopped, nothing else touches these
	s.window.Reset()
	s.stalls.Reset()
	clear(s.lastStalled)

	s.mu.Lock()
	s.state.WindowSize = 0
	s.mu.Unlock()

	s.logger.Infof("Indexing monitor for %s stopped", s.fetcher.Endpoint())
}

func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Trigger requests an immediate indexing poll; false when one is in flight
func (s *Session) Trigger() bool {
	return s.indexingPoller.Trigger()
}

// State returns an immutable view of the latest published state
func (s *Session) State() State {
	s.mu.RLock()
	state := s.state
	state.IsRunning = s.isRunning
	s.mu.RUnlock()

	state.NextPollIn = s.indexingPoller.NextPollIn()
	return state
}

func (s *Session) Stats() types.SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pollers := []types.PollerStats{s.indexingPoller.Stats(), s.rpcPoller.Stats()}
	if s.tracingPoller != nil {
		pollers = append(pollers, s.tracingPoller.Stats())
	}
	if s.referencePoller != nil {
		pollers = append(pollers, s.referencePoller.Stats())
	}

	var uptime string
	if !s.startTime.IsZero() {
		uptime = durafmt.Parse(s.now().Sub(s.startTime)).LimitFirstN(2).String()
	}

	return types.SessionStats{
		Endpoint:   s.fetcher.Endpoint(),
		Network:    s.state.Network,
		IsRunning:  s.isRunning,
		StartedAt:  s.startTime,
		Uptime:     uptime,
		WindowSize: s.state.WindowSize,
		Published:  s.published.Load(),
		Dropped:    s.dropped.Load(),
		ErrorCount: s.errorCount.Load(),
		Pollers:    pollers,
	}
}

// handleSample runs on the indexing poller goroutine
func (s *Session) handleSample(sample types.Sample) {
	now := s.now()
	s.window.Append(sample, now)
	stalled := s.stalls.Observe(sample)
	samples := s.window.Samples()
	s.metrics.SetWindowSize(len(samples))

	transitions := s.stallTransitions(sample, stalled, now)

	var event *types.SnapshotEvent
	if snapshot, ok := indexing.BuildSnapshot(samples); ok {
		event = &types.SnapshotEvent{
			Endpoint:    s.fetcher.Endpoint(),
			Snapshot:    snapshot,
			Stalled:     stalled,
			Chart:       indexing.BuildChart(samples, s.config.ChartPoints),
			WindowSize:  len(samples),
			PublishedAt: now,
		}
	}

	s.mu.Lock()
	s.state.Latest = event
	s.state.LastSample = &sample
	s.state.LastUpdated = sample.Timestamp
	s.state.WindowSize = len(samples)
	s.mu.Unlock()

	if event != nil || len(transitions) > 0 {
		s.enqueue(outbound{snapshot: event, stalls: transitions})
	}
}

func (s *Session) stallTransitions(sample types.Sample, stalled map[types.Pipeline]bool, now time.Time) []types.StallEvent {
	var out []types.StallEvent
	for _, p := range types.Pipelines {
		if stalled[p] == s.lastStalled[p] {
			continue
		}
		s.lastStalled[p] = stalled[p]
		out = append(out, types.StallEvent{
			Endpoint:    s.fetcher.Endpoint(),
			Pipeline:    p,
			BlockNumber: sample.BlockNumber(p),
			Stalled:     stalled[p],
			At:          now,
		})
	}
	return out
}

func (s *Session) handleError(err error) {
	s.errorCount.Add(1)
}

func (s *Session) handleRPC(status types.RPCStatus) {
	s.mu.Lock()
	s.state.RPC = &status
	s.mu.Unlock()
}

func (s *Session) handleTracing(status types.RPCStatus) {
	s.mu.Lock()
	s.state.Tracing = &status
	s.mu.Unlock()
}

func (s *Session) handleReferenceHead(head uint64) {
	s.mu.Lock()
	ref := types.ReferenceHead{BlockNumber: head, FetchedAt: s.now()}
	if s.state.LastSample != nil {
		ref.Lag = int64(head) - s.state.LastSample.CurrentBlockNumber
	}
	s.state.Reference = &ref
	s.mu.Unlock()

	s.metrics.SetReferenceLag(ref.Lag)
}

// loadAbout reads the service metadata once and starts the tracing poller
// when the service has a tracing node configured
func (s *Session) loadAbout(ctx context.Context) {
	defer s.wg.Done()

	about, err := s.fetcher.FetchAbout(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.errorCount.Add(1)
			s.logger.WithFields(logrus.Fields{
				"endpoint": s.fetcher.Endpoint(),
				"error":    err.Error(),
			}).Warn("Failed to load service metadata")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}

	s.state.About = about
	if network := about.Network(); network != "" {
		s.state.Network = network
	}

	if !about.HasTracingNode() {
		return
	}

	s.tracingPoller = poller.New(
		poller.Config{
			Name:     pollerTracing,
			Interval: s.config.PollInterval,
			Fields:   logrus.Fields{"endpoint": s.fetcher.Endpoint()},
		},
		timed(s, pollerTracing, s.fetcher.FetchTracingRPC),
		poller.Handler[types.RPCStatus]{OnResult: s.handleTracing, OnError: s.handleError},
		s.logger,
	).WithClock(s.now)
	if err := s.tracingPoller.Start(ctx); err != nil {
		s.logger.Errorf("Failed to start tracing poller: %v", err)
	}
}

// enqueue hands work to the publish goroutine. When the queue stays full for
// enqueueWait the oldest pending item is replaced.
func (s *Session) enqueue(o outbound) {
	select {
	case s.queue <- o:
		return
	default:
	}

	s.mu.RLock()
	stopping := s.stopping
	s.mu.RUnlock()

	timer := time.NewTimer(s.enqueueWait)
	defer timer.Stop()
	select {
	case s.queue <- o:
		return
	case <-stopping:
		return
	case <-timer.C:
	}

	select {
	case <-s.queue:
		s.dropped.Add(1)
		s.metrics.IncDropped()
		s.logger.WithField("endpoint", s.fetcher.Endpoint()).Warn("Publish queue full, dropped oldest snapshot")
	default:
	}

	select {
	case s.queue <- o:
	default:
		s.dropped.Add(1)
		s.metrics.IncDropped()
	}
}

func (s *Session) publishLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.queue:
			s.deliver(ctx, o)
		}
	}
}

func (s *Session) deliver(ctx context.Context, o outbound) {
	source := s.fetcher.Host()

	if o.snapshot != nil {
		s.metrics.UpdateSnapshot(o.snapshot)

		var g errgroup.Group
		for _, sink := range s.sinks {
			sink := sink
			g.Go(func() error {
				sinkCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
				defer cancel()

				err := sink.Deliver(sinkCtx, o.snapshot)
				s.metrics.RecordPublish(sink.Name(), err)
				if err != nil {
					return fmt.Errorf("%s: %w", sink.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"endpoint": s.fetcher.Endpoint(),
				"error":    err.Error(),
			}).Warn("Snapshot delivery failed")
		}
		s.published.Add(1)

		s.logger.WithFields(logrus.Fields{
			"endpoint":     s.fetcher.Endpoint(),
			"latest_block": o.snapshot.Snapshot.LatestBlock,
			"erc20_speed":  o.snapshot.Snapshot.ERC20.Speed,
			"mc_speed":     o.snapshot.Snapshot.MasterCopies.Speed,
			"window_size":  o.snapshot.WindowSize,
		}).Debug("Snapshot published")
	}

	for i := range o.stalls {
		stall := o.stalls[i]
		fields := logrus.Fields{
			"endpoint":     stall.Endpoint,
			"pipeline":     stall.Pipeline,
			"block_number": stall.BlockNumber,
		}
		if stall.Stalled {
			s.logger.WithFields(fields).Warn("Indexing pipeline stalled")
		} else {
			s.logger.WithFields(fields).Info("Indexing pipeline resumed")
		}

		if err := s.publisher.PublishStall(ctx, &stall, source); err != nil {
			s.logger.Errorf("Failed to publish stall event: %v", err)
		}
	}
}

// healthMonitorLoop periodically logs the session health
func (s *Session) healthMonitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportHealth()
		}
	}
}

func (s *Session) reportHealth() {
	stats := s.Stats()
	state := s.State()

	fields := logrus.Fields{
		"endpoint":    stats.Endpoint,
		"network":     stats.Network,
		"uptime":      stats.Uptime,
		"window_size": stats.WindowSize,
		"published":   stats.Published,
		"dropped":     stats.Dropped,
		"error_count": stats.ErrorCount,
		"stale":       state.Stale(s.now(), 3*s.config.PollInterval),
	}
	if state.Latest != nil {
		fields["erc20_eta"] = state.Latest.Snapshot.ERC20.ETA
		fields["master_copies_eta"] = state.Latest.Snapshot.MasterCopies.ETA
	}
	s.logger.WithFields(fields).Info("Monitor health report")
}

// timed wraps a fetch so every attempt is recorded in the poll metrics
func timed[T any](s *Session, name string, fetch poller.FetchFunc[T]) poller.FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		start := time.Now()
		v, err := fetch(ctx)
		s.metrics.RecordPoll(name, err, time.Since(start).Seconds())
		return v, err
	}
}
