package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/igwedaniel/indexwatch/internal/chain"
	"github.com/igwedaniel/indexwatch/internal/client"
	"github.com/igwedaniel/indexwatch/internal/config"
	"github.com/igwedaniel/indexwatch/internal/messaging"
	"github.com/igwedaniel/indexwatch/internal/metrics"
	"github.com/igwedaniel/indexwatch/internal/types"
)

// Manager owns the single active monitoring session. Switching endpoints
// tears the previous session down completely before the next one starts.
type Manager struct {
	cfg       *config.Config
	publisher messaging.Publisher
	reference chain.HeadReader
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	sinks     []Sink

	current *Session
	mu      sync.RWMutex
}

func NewManager(cfg *config.Config, publisher messaging.Publisher, reference chain.HeadReader, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	if publisher == nil {
		publisher = &messaging.NoOpPublisher{}
	}
	return &Manager{
		cfg:       cfg,
		publisher: publisher,
		reference: reference,
		metrics:   m,
		logger:    logger,
	}
}

// AddSink registers a sink for sessions started after the call
func (m *Manager) AddSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Watch starts monitoring endpoint, replacing any running session
func (m *Manager) Watch(endpoint string) (State, error) {
	endpoint, err := ValidateEndpoint(endpoint)
	if err != nil {
		return State{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.WithFields(logrus.Fields{
			"previous": m.current.Endpoint(),
			"next":     endpoint,
		}).Info("Switching monitored endpoint")
		m.current.Stop()
		m.current = nil
	}
	m.resetSinks()

	c, err := client.New(endpoint, &m.cfg.Client, m.logger)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	sinks := make([]Sink, 0, len(m.sinks)+1)
	sinks = append(sinks, NewPublisherSink("publisher", m.publisher, c.Host()))
	sinks = append(sinks, m.sinks...)

	session := NewSession(c, m.sessionConfig(), Dependencies{
		Publisher: m.publisher,
		Sinks:     sinks,
		Reference: m.reference,
		Metrics:   m.metrics,
		Logger:    m.logger,
	})

	// the session outlives the caller's request
	if err := session.Start(context.Background()); err != nil {
		return State{}, fmt.Errorf("failed to start session for %s: %w", endpoint, err)
	}

	m.current = session
	return session.State(), nil
}

func (m *Manager) sessionConfig() SessionConfig {
	mon := m.cfg.Monitoring
	return SessionConfig{
		PollInterval:      mon.PollInterval,
		ReferenceInterval: m.cfg.Ethereum.PollInterval,
		RetentionWindow:   mon.RetentionWindow,
		StallThreshold:    mon.StallThreshold,
		ChartPoints:       mon.ChartPoints,
		PublishBuffer:     mon.PublishBuffer,
		HealthInterval:    mon.HealthCheckInterval,
	}
}

// Stop ends the current session
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNotWatching
	}
	m.current.Stop()
	m.current = nil
	m.resetSinks()
	return nil
}

// resetSinks clears state carried over from the previous endpoint
func (m *Manager) resetSinks() {
	m.metrics.Reset()
	for _, sink := range m.sinks {
		if r, ok := sink.(interface{ Reset() }); ok {
			r.Reset()
		}
	}
}

// StopAll stops the current session if there is one
func (m *Manager) StopAll() {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNotWatching) {
		m.logger.Errorf("Failed to stop session: %v", err)
	}
}

// Current returns the active session
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != nil
}

func (m *Manager) State() (State, error) {
	session, ok := m.Current()
	if !ok {
		return State{}, ErrNotWatching
	}
	return session.State(), nil
}

func (m *Manager) Stats() (types.SessionStats, error) {
	session, ok := m.Current()
	if !ok {
		return types.SessionStats{}, ErrNotWatching
	}
	return session.Stats(), nil
}

// Trigger requests an immediate poll of the current session. It reports
// false when a fetch is already in flight.
func (m *Manager) Trigger() (bool, error) {
	session, ok := m.Current()
	if !ok {
		return false, ErrNotWatching
	}
	return session.Trigger(), nil
}
