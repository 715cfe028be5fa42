package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/igwedaniel/indexwatch/internal/types"
)

// DefaultInterval is the poll period used when none is configured
const DefaultInterval = 10 * time.Second

var ErrAlreadyRunning = errors.New("poller already running")

// FetchFunc performs one poll
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Handler receives the outcome of every completed poll. Both callbacks run on
// the poller goroutine, never concurrently with each other.
type Handler[T any] struct {
	OnResult func(T)
	OnError  func(error)
}

// Config contains the scheduling parameters of a poller
type Config struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	// Timeout bounds a single fetch; zero leaves it to the fetch itself
	Timeout time.Duration `json:"timeout"`
	// Fields are attached to every log line of the poller
	Fields logrus.Fields `json:"-"`
}

// Poller runs fetch immediately on Start and then once per interval, counted
// from the completion of the previous attempt. At most one fetch is
// outstanding at any time.
type Poller[T any] struct {
	cfg     Config
	fetch   FetchFunc[T]
	handler Handler[T]
	logger  *logrus.Logger
	now     func() time.Time

	// a held token means a fetch is running or queued
	inflight *semaphore.Weighted
	trigger  chan struct{}

	isRunning bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex

	countdown   atomic.Int64
	polls       atomic.Uint64
	failures    atomic.Uint64
	lastSuccess time.Time
	lastError   string
}

func New[T any](cfg Config, fetch FetchFunc[T], handler Handler[T], logger *logrus.Logger) *Poller[T] {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	p := &Poller[T]{
		cfg:      cfg,
		fetch:    fetch,
		handler:  handler,
		logger:   logger,
		now:      time.Now,
		inflight: semaphore.NewWeighted(1),
		trigger:  make(chan struct{}, 1),
	}
	p.countdown.Store(p.periodSeconds())
	return p
}

// WithClock replaces the clock used to stamp successful polls
func (p *Poller[T]) WithClock(now func() time.Time) *Poller[T] {
	p.now = now
	return p
}

func (p *Poller[T]) Name() string {
	return p.cfg.Name
}

// Start launches the poll loop. The first fetch happens immediately.
func (p *Poller[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return fmt.Errorf("%s: %w", p.cfg.Name, ErrAlreadyRunning)
	}
	if p.stopped {
		return fmt.Errorf("%s: poller was stopped", p.cfg.Name)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.isRunning = true

	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.countdownLoop(ctx)

	p.logger.WithFields(logrus.Fields{
		"poller":   p.cfg.Name,
		"interval": p.cfg.Interval,
	}).Debug("Poller started")
	return nil
}

// Stop cancels pending timers and any in-flight fetch and waits for the
// loops to exit. No handler runs once Stop has returned. Safe to call twice.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.logger.WithField("poller", p.cfg.Name).Debug("Poller stopped")
}

func (p *Poller[T]) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// Trigger requests an immediate poll. It reports false without doing
// anything when a fetch is already outstanding or the poller is not running.
func (p *Poller[T]) Trigger() bool {
	if !p.IsRunning() {
		return false
	}
	if !p.inflight.TryAcquire(1) {
		return false
	}
	// the token travels with the request and is released by the loop
	p.trigger <- struct{}{}
	return true
}

// NextPollIn returns the whole seconds left until the next scheduled poll
func (p *Poller[T]) NextPollIn() int64 {
	return p.countdown.Load()
}

func (p *Poller[T]) Stats() types.PollerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return types.PollerStats{
		Name:        p.cfg.Name,
		IsRunning:   p.isRunning,
		Polls:       p.polls.Load(),
		Failures:    p.failures.Load(),
		NextPollIn:  p.countdown.Load(),
		LastSuccess: p.lastSuccess,
		LastError:   p.lastError,
	}
}

func (p *Poller[T]) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	if p.inflight.TryAcquire(1) {
		p.poll(ctx)
	}

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// a queued trigger owns the token and will run next
			if p.inflight.TryAcquire(1) {
				p.poll(ctx)
			}
			timer.Reset(p.cfg.Interval)
		case <-p.trigger:
			p.poll(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.Interval)
		}
	}
}

// poll runs one fetch. The caller holds the inflight token.
func (p *Poller[T]) poll(ctx context.Context) {
	defer p.inflight.Release(1)

	fetchCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.fetch(fetchCtx)
	p.polls.Add(1)
	p.countdown.Store(p.periodSeconds())

	if ctx.Err() != nil {
		// stopped while the fetch was outstanding
		return
	}

	if err != nil {
		p.failures.Add(1)
		p.mu.Lock()
		p.lastError = err.Error()
		p.mu.Unlock()

		p.logger.WithFields(p.cfg.Fields).WithFields(logrus.Fields{
			"poller":   p.cfg.Name,
			"duration": time.Since(start),
			"error":    err.Error(),
		}).Warn("Poll failed")

		if p.handler.OnError != nil {
			p.handler.OnError(err)
		}
		return
	}

	p.mu.Lock()
	p.lastSuccess = p.now()
	p.lastError = ""
	p.mu.Unlock()

	if p.handler.OnResult != nil {
		p.handler.OnResult(result)
	}
}

func (p *Poller[T]) countdownLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick advances the countdown by one second. It shows 0 for one tick before
// wrapping to the full period.
func (p *Poller[T]) tick() {
	prev := p.countdown.Load()
	next := prev - 1
	if prev <= 0 {
		next = p.periodSeconds()
	}
	// a poll that just reset the countdown wins
	p.countdown.CompareAndSwap(prev, next)
}

func (p *Poller[T]) periodSeconds() int64 {
	s := int64(p.cfg.Interval / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
